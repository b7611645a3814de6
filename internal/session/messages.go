package session

import (
	"github.com/transcend42/pong-backend/internal/game"
	"github.com/transcend42/pong-backend/pkg/protocol"
)

type Msg interface{ isSessionMsg() }

// Attach registers a connection with the session. The session replies on the
// outbox with gameConnected and, for a reattaching seated player, resumes the
// match.
type Attach struct {
	UserID int64
	ConnID string
	Outbox chan protocol.ServerMessage
}

// Detach reports that a connection is gone. The gateway sends it on transport
// close; the session also synthesizes it when it drops a slow consumer.
type Detach struct{ ConnID string }

// ClaimSeat is the connectAsPlayer event: the connection asks for an open seat.
type ClaimSeat struct{ ConnID string }

// Ready is the playerReady event from a seated connection.
type Ready struct{ ConnID string }

// Move buffers a seat's input intent for the next tick. Last write wins
// within a tick interval.
type Move struct {
	ConnID string
	Dir    game.Direction
}

// GetView asks for a race-free copy of the session state, for tests and the
// HTTP listing.
type GetView struct{ Reply chan View }

type Shutdown struct{}

func (Attach) isSessionMsg()    {}
func (Detach) isSessionMsg()    {}
func (ClaimSeat) isSessionMsg() {}
func (Ready) isSessionMsg()     {}
func (Move) isSessionMsg()      {}
func (GetView) isSessionMsg()   {}
func (Shutdown) isSessionMsg()  {}

type SeatView struct {
	UserID   int64
	Ready    bool
	Attached bool
}

type View struct {
	Phase    Phase
	Seats    [2]*SeatView
	NumConns int
	State    game.State
	Moves    [2]game.Move
}
