package protocol

// Wire event names. The client and server exchange JSON tagged messages over a
// single WebSocket; every message carries an "event" discriminator and the
// payload fields that event uses.
const (
	// Client -> Server
	EventConnectToGame   = "connectToGame"
	EventConnectAsPlayer = "connectAsPlayer"
	EventPlayerReady     = "playerReady"
	EventGamePlayerMove  = "gamePlayerMove"

	// Server -> Client
	EventGameConnected     = "gameConnected"
	EventConnectedAsPlayer = "connectedAsPlayer"
	EventReady             = "ready"
	EventNewFrame          = "newFrame"
	EventGoal              = "goal"
	EventWaitForReconnect  = "waitForReconnect"
	EventWin               = "win"
	EventError             = "error"
)

type ClientMessage struct {
	Event     string `json:"event"`
	ID        string `json:"id,omitempty"`        // connectToGame
	Direction string `json:"direction,omitempty"` // gamePlayerMove: "up" | "down"
}

type ServerMessage struct {
	Event     string      `json:"event"`
	PlayersID []int64     `json:"playersId,omitempty"` // gameConnected
	Seat      *int        `json:"seat,omitempty"`      // ready, waitForReconnect, win
	Frame     *[6]float64 `json:"frame,omitempty"`     // newFrame: p1x,p1y,p2x,p2y,ballx,bally
	Score     *[2]int     `json:"score,omitempty"`     // goal
	Error     string      `json:"error,omitempty"`     // error
}

// SeatMsg builds a server message whose payload is a bare seat index.
func SeatMsg(event string, seat int) ServerMessage {
	return ServerMessage{Event: event, Seat: &seat}
}
