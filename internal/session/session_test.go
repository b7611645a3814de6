package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transcend42/pong-backend/internal/game"
	"github.com/transcend42/pong-backend/pkg/protocol"
)

const (
	userA int64 = 11
	userB int64 = 22
	userC int64 = 33

	tick   = 5 * time.Millisecond
	within = 2 * time.Second
)

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if cfg.TickInterval == 0 {
		cfg.TickInterval = tick
	}
	if cfg.ReconnectWindow == 0 {
		cfg.ReconnectWindow = time.Second
	}
	s := New(ctx, "42", cfg)
	return s
}

type testConn struct {
	id  string
	out chan protocol.ServerMessage
}

// attach connects a client and consumes the immediate gameConnected reply,
// which it returns for inspection.
func attach(t *testing.T, s *Session, userID int64) (testConn, protocol.ServerMessage) {
	t.Helper()
	c := testConn{id: uuid.NewString(), out: make(chan protocol.ServerMessage, 256)}
	s.Inbox() <- Attach{UserID: userID, ConnID: c.id, Outbox: c.out}
	msg := waitForEvent(t, c.out, protocol.EventGameConnected, within)
	return c, msg
}

// seatPlayer attaches and claims a seat, consuming the confirmation.
func seatPlayer(t *testing.T, s *Session, userID int64) testConn {
	t.Helper()
	c, _ := attach(t, s, userID)
	s.Inbox() <- ClaimSeat{ConnID: c.id}
	waitForEvent(t, c.out, protocol.EventConnectedAsPlayer, within)
	return c
}

// recvMsg returns the next message, failing on timeout or close.
func recvMsg(t *testing.T, ch <-chan protocol.ServerMessage, within time.Duration) protocol.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for a message")
		return protocol.ServerMessage{} // unreachable
	}
}

// waitForEvent reads messages, discarding others, until the named event
// arrives.
func waitForEvent(t *testing.T, ch <-chan protocol.ServerMessage, event string, within time.Duration) protocol.ServerMessage {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed while waiting for %q", event)
			}
			if msg.Event == event {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
		}
	}
}

// recvNoEvent fails if the named event shows up within the window.
func recvNoEvent(t *testing.T, ch <-chan protocol.ServerMessage, event string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return // closed: no further events possible
			}
			if msg.Event == event {
				t.Fatalf("expected no %q, but got: %+v", event, msg)
			}
		case <-deadline:
			return
		}
	}
}

func view(t *testing.T, s *Session) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	v, ok := s.View(ctx)
	require.True(t, ok, "session gone while fetching view")
	return v
}

func seatIdx(t *testing.T, msg protocol.ServerMessage) int {
	t.Helper()
	require.NotNil(t, msg.Seat, "message %+v is missing a seat index", msg)
	return *msg.Seat
}

func TestSession_JoinAndSeatFlow(t *testing.T) {
	s := newTestSession(t, Config{})

	a, connected := attach(t, s, userA)
	assert.Empty(t, connected.PlayersID, "first joiner sees no seated players")

	s.Inbox() <- ClaimSeat{ConnID: a.id}
	waitForEvent(t, a.out, protocol.EventConnectedAsPlayer, within)

	v := view(t, s)
	assert.Equal(t, PhaseWaitingForPlayers, v.Phase)
	require.NotNil(t, v.Seats[0])
	assert.Equal(t, userA, v.Seats[0].UserID)
	assert.Nil(t, v.Seats[1])

	b, connected := attach(t, s, userB)
	assert.Equal(t, []int64{userA}, connected.PlayersID)

	s.Inbox() <- ClaimSeat{ConnID: b.id}
	waitForEvent(t, b.out, protocol.EventConnectedAsPlayer, within)

	v = view(t, s)
	assert.Equal(t, PhaseWaitingForReady, v.Phase)
	require.NotNil(t, v.Seats[1])
	assert.Equal(t, userB, v.Seats[1].UserID)
}

func TestSession_ReadyHandshakeStartsMatch(t *testing.T) {
	s := newTestSession(t, Config{})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)

	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}

	// Every participant sees both ready signals, in seat order, before any
	// frame.
	for _, c := range []testConn{a, b} {
		first := recvMsg(t, c.out, within)
		require.Equal(t, protocol.EventReady, first.Event)
		assert.Equal(t, 0, seatIdx(t, first))

		second := recvMsg(t, c.out, within)
		require.Equal(t, protocol.EventReady, second.Event)
		assert.Equal(t, 1, seatIdx(t, second))

		frame := recvMsg(t, c.out, within)
		assert.Equal(t, protocol.EventNewFrame, frame.Event)
		require.NotNil(t, frame.Frame)
	}

	assert.Equal(t, PhaseRunning, view(t, s).Phase)
}

func TestSession_DuplicateReadyIgnored(t *testing.T) {
	s := newTestSession(t, Config{})
	a := seatPlayer(t, s, userA)
	seatPlayer(t, s, userB)

	s.Inbox() <- Ready{ConnID: a.id}
	waitForEvent(t, a.out, protocol.EventReady, within)
	s.Inbox() <- Ready{ConnID: a.id}
	recvNoEvent(t, a.out, protocol.EventReady, 100*time.Millisecond)
	assert.Equal(t, PhaseWaitingForReady, view(t, s).Phase)
}

func TestSession_MoveBuffersLastWriteWins(t *testing.T) {
	// An hour-long tick interval freezes the loop so the buffered input is
	// observable before any tick consumes it.
	s := newTestSession(t, Config{TickInterval: time.Hour})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}

	s.Inbox() <- Move{ConnID: a.id, Dir: game.DirUp}
	s.Inbox() <- Move{ConnID: a.id, Dir: game.DirDown}

	v := view(t, s)
	require.Equal(t, PhaseRunning, v.Phase)
	assert.Equal(t, game.Move{Dir: game.DirDown, Active: true}, v.Moves[0])
	assert.False(t, v.Moves[1].Active)
}

func TestSession_MoveAppliesToPaddle(t *testing.T) {
	s := newTestSession(t, Config{})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}

	first := waitForEvent(t, a.out, protocol.EventNewFrame, within)
	startY := first.Frame[1]

	s.Inbox() <- Move{ConnID: a.id, Dir: game.DirUp}

	deadline := time.After(within)
	for {
		select {
		case msg := <-a.out:
			if msg.Event != protocol.EventNewFrame {
				continue
			}
			if msg.Frame[1] != startY {
				assert.Less(t, msg.Frame[1], startY, "up input moves the paddle toward the top")
				return
			}
		case <-deadline:
			t.Fatal("paddle never moved")
		}
	}
}

func TestSession_SpectatorInputIgnored(t *testing.T) {
	s := newTestSession(t, Config{TickInterval: time.Hour})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	spec, _ := attach(t, s, userC)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}

	s.Inbox() <- Move{ConnID: spec.id, Dir: game.DirUp}

	v := view(t, s)
	require.Equal(t, PhaseRunning, v.Phase)
	assert.False(t, v.Moves[0].Active, "spectator input must not reach a seat")
	assert.False(t, v.Moves[1].Active)
}

func TestSession_ThirdJoinerSpectates(t *testing.T) {
	s := newTestSession(t, Config{})
	seatPlayer(t, s, userA)
	seatPlayer(t, s, userB)

	c, connected := attach(t, s, userC)
	assert.ElementsMatch(t, []int64{userA, userB}, connected.PlayersID)

	s.Inbox() <- ClaimSeat{ConnID: c.id}
	recvNoEvent(t, c.out, protocol.EventConnectedAsPlayer, 100*time.Millisecond)

	v := view(t, s)
	assert.Equal(t, 3, v.NumConns)
	assert.Equal(t, userA, v.Seats[0].UserID)
	assert.Equal(t, userB, v.Seats[1].UserID)
}

func TestSession_SpectatorReceivesBroadcasts(t *testing.T) {
	s := newTestSession(t, Config{})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	c, _ := attach(t, s, userC)

	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}

	waitForEvent(t, c.out, protocol.EventReady, within)
	waitForEvent(t, c.out, protocol.EventNewFrame, within)
}

func TestSession_DoubleJoinSameUserStaysSpectator(t *testing.T) {
	s := newTestSession(t, Config{})
	seatPlayer(t, s, userA)

	second, connected := attach(t, s, userA)
	assert.Equal(t, []int64{userA}, connected.PlayersID)

	s.Inbox() <- ClaimSeat{ConnID: second.id}
	recvNoEvent(t, second.out, protocol.EventConnectedAsPlayer, 100*time.Millisecond)

	v := view(t, s)
	require.NotNil(t, v.Seats[0])
	assert.Equal(t, userA, v.Seats[0].UserID)
	assert.Nil(t, v.Seats[1], "a user cannot hold both seats")
}

func TestSession_DisconnectPausesAndFreezes(t *testing.T) {
	s := newTestSession(t, Config{})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventNewFrame, within)

	s.Inbox() <- Detach{ConnID: b.id}

	paused := waitForEvent(t, a.out, protocol.EventWaitForReconnect, within)
	assert.Equal(t, 1, seatIdx(t, paused))

	// The pause broadcast follows the last pre-pause frame in channel order,
	// so from here on any frame means the loop kept ticking.
	recvNoEvent(t, a.out, protocol.EventNewFrame, 20*tick)

	v := view(t, s)
	assert.Equal(t, PhasePaused, v.Phase)
	assert.False(t, v.Seats[1].Attached)
	assert.Equal(t, userB, v.Seats[1].UserID, "the seat stays reserved for the disconnected user")
}

func TestSession_ResumeWithinWindow(t *testing.T) {
	s := newTestSession(t, Config{ReconnectWindow: 5 * time.Second})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventNewFrame, within)

	s.Inbox() <- Detach{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventWaitForReconnect, within)
	frozen := view(t, s)
	require.Equal(t, PhasePaused, frozen.Phase)

	// Same user, new connection: seat restored, match resumes.
	b2, _ := attach(t, s, userB)
	waitForEvent(t, b2.out, protocol.EventConnectedAsPlayer, within)

	frame := waitForEvent(t, a.out, protocol.EventNewFrame, within)
	assert.Equal(t, frozen.State.PaddleY[0], frame.Frame[1], "paddles resume from the frozen position")
	assert.Equal(t, frozen.State.PaddleY[1], frame.Frame[3])
	// One tick of travel from the frozen ball position, no fast-forward.
	assert.InDelta(t, frozen.State.Ball.X, frame.Frame[4], 50)

	recvNoEvent(t, a.out, protocol.EventWin, 100*time.Millisecond)
	assert.Equal(t, PhaseRunning, view(t, s).Phase)
}

func TestSession_BothSeatsReattachAfterDoubleDisconnect(t *testing.T) {
	s := newTestSession(t, Config{ReconnectWindow: 5 * time.Second})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventNewFrame, within)

	s.Inbox() <- Detach{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventWaitForReconnect, within)
	s.Inbox() <- Detach{ConnID: a.id}

	// The seat not being awaited comes back first: it is restored, but the
	// match stays paused on the other one.
	a2, _ := attach(t, s, userA)
	waitForEvent(t, a2.out, protocol.EventConnectedAsPlayer, within)
	recvNoEvent(t, a2.out, protocol.EventNewFrame, 20*tick)

	v := view(t, s)
	require.Equal(t, PhasePaused, v.Phase)
	assert.True(t, v.Seats[0].Attached)
	assert.False(t, v.Seats[1].Attached)

	b2, _ := attach(t, s, userB)
	waitForEvent(t, b2.out, protocol.EventConnectedAsPlayer, within)
	waitForEvent(t, a2.out, protocol.EventNewFrame, within)
	recvNoEvent(t, a2.out, protocol.EventWin, 100*time.Millisecond)
	assert.Equal(t, PhaseRunning, view(t, s).Phase)
}

func TestSession_PauseFlipsToOtherVacatedSeat(t *testing.T) {
	s := newTestSession(t, Config{ReconnectWindow: 5 * time.Second})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventNewFrame, within)

	s.Inbox() <- Detach{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventWaitForReconnect, within)
	s.Inbox() <- Detach{ConnID: a.id}

	// The awaited player is back but the other seat is now empty: the pause
	// flips to the other seat instead of resuming a one-sided match.
	b2, _ := attach(t, s, userB)
	waitForEvent(t, b2.out, protocol.EventConnectedAsPlayer, within)
	flipped := waitForEvent(t, b2.out, protocol.EventWaitForReconnect, within)
	assert.Equal(t, 0, seatIdx(t, flipped))
	recvNoEvent(t, b2.out, protocol.EventNewFrame, 20*tick)

	a2, _ := attach(t, s, userA)
	waitForEvent(t, a2.out, protocol.EventConnectedAsPlayer, within)
	waitForEvent(t, b2.out, protocol.EventNewFrame, within)
	recvNoEvent(t, b2.out, protocol.EventWin, 100*time.Millisecond)
	assert.Equal(t, PhaseRunning, view(t, s).Phase)
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (f *fakeRecorder) Record(_ context.Context, res Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeRecorder) all() []Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Result(nil), f.results...)
}

func TestSession_ReconnectTimeoutForfeits(t *testing.T) {
	rec := &fakeRecorder{}
	s := newTestSession(t, Config{ReconnectWindow: 100 * time.Millisecond, Recorder: rec})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventNewFrame, within)

	s.Inbox() <- Detach{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventWaitForReconnect, within)

	win := waitForEvent(t, a.out, protocol.EventWin, within)
	assert.Equal(t, 0, seatIdx(t, win), "the remaining player wins")

	// Exactly once, never duplicated.
	recvNoEvent(t, a.out, protocol.EventWin, 300*time.Millisecond)
	assert.Equal(t, PhaseFinished, view(t, s).Phase)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, within, 10*time.Millisecond)
	res := rec.all()[0]
	assert.Equal(t, "42", res.GameID)
	assert.Equal(t, [2]int64{userA, userB}, res.Players)
	assert.Equal(t, 0, res.WinnerSeat)
}

func TestSession_LateReattachDoesNotReopenMatch(t *testing.T) {
	s := newTestSession(t, Config{ReconnectWindow: 80 * time.Millisecond})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventNewFrame, within)

	s.Inbox() <- Detach{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventWin, within)

	b2, _ := attach(t, s, userB)
	recvNoEvent(t, b2.out, protocol.EventConnectedAsPlayer, 100*time.Millisecond)
	recvNoEvent(t, a.out, protocol.EventNewFrame, 100*time.Millisecond)
	assert.Equal(t, PhaseFinished, view(t, s).Phase)
}

func TestSession_PregameDisconnectReopensSeat(t *testing.T) {
	s := newTestSession(t, Config{})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, b.out, protocol.EventReady, within)

	s.Inbox() <- Detach{ConnID: a.id}

	v := view(t, s)
	assert.Equal(t, PhaseWaitingForPlayers, v.Phase)
	assert.Nil(t, v.Seats[0], "a pre-game seat is vacated, not reserved")
	require.NotNil(t, v.Seats[1])
	assert.False(t, v.Seats[1].Ready, "ready signals reset when seating reopens")

	seatPlayer(t, s, userC)
	v = view(t, s)
	require.NotNil(t, v.Seats[0])
	assert.Equal(t, userC, v.Seats[0].UserID)
	assert.Equal(t, PhaseWaitingForReady, v.Phase)
}

func TestSession_PlaysToWinScore(t *testing.T) {
	s := newTestSession(t, Config{WinScore: 1})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}

	// Park both paddles at the top so the ball can reach a goal line, and
	// watch for goal then win.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// Keep a's outbox drained so it is never dropped as a slow consumer.
		for {
			select {
			case <-stop:
				return
			case <-a.out:
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case s.inbox <- Move{ConnID: a.id, Dir: game.DirUp}:
				default:
				}
				select {
				case s.inbox <- Move{ConnID: b.id, Dir: game.DirUp}:
				default:
				}
			}
		}
	}()

	sawGoal := false
	deadline := time.After(15 * time.Second)
	for {
		select {
		case msg, ok := <-b.out:
			require.True(t, ok, "outbox closed before the match ended")
			switch msg.Event {
			case protocol.EventGoal:
				sawGoal = true
				require.NotNil(t, msg.Score)
				assert.Equal(t, 1, msg.Score[0]+msg.Score[1])
			case protocol.EventWin:
				require.True(t, sawGoal, "win must follow the goal that caused it")
				assert.Equal(t, PhaseFinished, view(t, s).Phase)
				return
			}
		case <-deadline:
			t.Fatal("match never finished")
		}
	}
}

func TestSession_IdleSessionDestroyed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	terminated := make(chan *Session, 1)
	s := New(ctx, "idle", Config{
		IdleTimeout: 50 * time.Millisecond,
		OnTerminate: func(s *Session) { terminated <- s },
	})

	select {
	case got := <-terminated:
		assert.Same(t, s, got)
	case <-time.After(within):
		t.Fatal("idle session never terminated")
	}

	select {
	case <-s.Done():
	case <-time.After(within):
		t.Fatal("Done never closed")
	}
}

func TestSession_FinishedAndEmptyDestroyed(t *testing.T) {
	s := newTestSession(t, Config{ReconnectWindow: 50 * time.Millisecond})
	a := seatPlayer(t, s, userA)
	b := seatPlayer(t, s, userB)
	s.Inbox() <- Ready{ConnID: a.id}
	s.Inbox() <- Ready{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventNewFrame, within)

	s.Inbox() <- Detach{ConnID: b.id}
	waitForEvent(t, a.out, protocol.EventWin, within)

	s.Inbox() <- Detach{ConnID: a.id}

	select {
	case <-s.Done():
	case <-time.After(within):
		t.Fatal("finished empty session never destroyed")
	}
}
