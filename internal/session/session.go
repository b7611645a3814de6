// Package session implements the authoritative per-match state machine. Each
// session is an actor: one goroutine owns every piece of match state and
// processes messages from its inbox, the tick timer, and the reconnection
// timer in a single select loop. Connection handlers never touch the state
// directly.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/transcend42/pong-backend/internal/game"
	"github.com/transcend42/pong-backend/internal/metrics"
	"github.com/transcend42/pong-backend/pkg/protocol"
)

type Phase string

const (
	PhaseWaitingForPlayers Phase = "waitingForPlayers"
	PhaseWaitingForReady   Phase = "waitingForReady"
	PhaseRunning           Phase = "running"
	PhasePaused            Phase = "paused"
	PhaseFinished          Phase = "finished"
)

// Result is the outcome of a finished match. WinnerSeat is -1 when the match
// was aborted without a winner.
type Result struct {
	GameID     string
	Players    [2]int64
	Score      [2]int
	WinnerSeat int
	StartedAt  time.Time
	Duration   time.Duration
}

// Recorder persists finished matches. Record is called off the session loop
// and may block.
type Recorder interface {
	Record(ctx context.Context, res Result) error
}

type Config struct {
	TickInterval    time.Duration // default 60 Hz
	WinScore        int           // default 10
	ReconnectWindow time.Duration // default 15s
	IdleTimeout     time.Duration // empty-session lifetime, default 60s
	Recorder        Recorder
	Logger          *zap.Logger
	// OnTerminate runs on the session goroutine right before it exits, so the
	// registry can drop its mapping. It must not send to the session inbox.
	OnTerminate func(*Session)
}

type seat struct {
	userID int64
	connID string // empty while the player is detached
	ready  bool
}

type Session struct {
	id    string
	inbox chan Msg
	cfg   Config
	log   *zap.Logger

	phase      Phase
	seats      [2]*seat
	conns      map[string]chan protocol.ServerMessage
	connUser   map[string]int64
	state      game.State
	moves      [2]game.Move
	pausedSeat int
	startedAt  time.Time
	stopping   bool

	ticker     *time.Ticker
	pauseTimer *time.Timer
	idleTimer  *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(parent context.Context, id string, cfg Config) *Session {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second / 60
	}
	if cfg.WinScore <= 0 {
		cfg.WinScore = 10
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:       id,
		inbox:    make(chan Msg, 64),
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("game_id", id)),
		phase:    PhaseWaitingForPlayers,
		conns:    make(map[string]chan protocol.ServerMessage),
		connUser: make(map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	// Nobody is attached yet; reclaim the session if nobody ever shows up.
	s.idleTimer = time.NewTimer(cfg.IdleTimeout)

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Inc()

	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the session loop has exited; senders must select on it
// to avoid blocking on a dead session.
func (s *Session) Done() <-chan struct{} { return s.done }

// View fetches a consistent snapshot of the session state, or ok=false if the
// session is gone.
func (s *Session) View(ctx context.Context) (View, bool) {
	reply := make(chan View, 1)
	select {
	case s.inbox <- GetView{Reply: reply}:
	case <-s.done:
		return View{}, false
	case <-ctx.Done():
		return View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-s.done:
		return View{}, false
	case <-ctx.Done():
		return View{}, false
	}
}

// Nil-channel guards: a select case with a nil channel never fires, so timers
// only participate in the loop while armed.

func (s *Session) tickC() <-chan time.Time {
	if s.ticker != nil {
		return s.ticker.C
	}
	return nil
}

func (s *Session) pauseC() <-chan time.Time {
	if s.pauseTimer != nil {
		return s.pauseTimer.C
	}
	return nil
}

func (s *Session) idleC() <-chan time.Time {
	if s.idleTimer != nil {
		return s.idleTimer.C
	}
	return nil
}

func (s *Session) loop() {
	defer s.shutdown()
	for {
		select {
		case <-s.ctx.Done():
			return

		case <-s.tickC():
			s.tick()

		case <-s.pauseC():
			s.pauseTimer = nil
			s.handlePauseExpired()

		case <-s.idleC():
			s.idleTimer = nil
			if len(s.conns) == 0 {
				s.log.Info("destroying idle session", zap.String("phase", string(s.phase)))
				s.stopping = true
			}

		case m := <-s.inbox:
			s.handle(m)
		}

		if s.stopping {
			return
		}
	}
}

func (s *Session) handle(m Msg) {
	switch msg := m.(type) {
	case Attach:
		s.handleAttach(msg)
	case Detach:
		s.handleDetach(msg.ConnID)
	case ClaimSeat:
		s.handleClaim(msg.ConnID)
	case Ready:
		s.handleReady(msg.ConnID)
	case Move:
		s.handleMove(msg)
	case GetView:
		msg.Reply <- s.view()
	case Shutdown:
		s.stopping = true
	}
}

func (s *Session) handleAttach(m Attach) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.conns[m.ConnID] = m.Outbox
	s.connUser[m.ConnID] = m.UserID
	s.send(m.ConnID, protocol.ServerMessage{Event: protocol.EventGameConnected, PlayersID: s.seatedUserIDs()})

	// A detached seat's owner reattaching gets the seat back. Both seats may
	// be empty during a pause; the match resumes only once the awaited one
	// returns.
	if s.phase == PhasePaused {
		for idx, st := range s.seats {
			if st == nil || st.userID != m.UserID || st.connID != "" {
				continue
			}
			st.connID = m.ConnID
			s.send(m.ConnID, protocol.ServerMessage{Event: protocol.EventConnectedAsPlayer})
			s.log.Info("player reattached", zap.Int64("user_id", m.UserID), zap.Int("seat", idx))
			metrics.Reconnects.Inc()
			if idx == s.pausedSeat {
				s.stopPauseTimer()
				s.resume()
			}
			break
		}
	}
}

func (s *Session) handleDetach(connID string) {
	if ch, ok := s.conns[connID]; ok {
		close(ch)
		delete(s.conns, connID)
		delete(s.connUser, connID)
	}

	if idx := s.seatByConn(connID); idx >= 0 {
		s.seats[idx].connID = ""
		switch s.phase {
		case PhaseRunning:
			s.pauseFor(idx)
		case PhaseWaitingForPlayers, PhaseWaitingForReady:
			// Pre-game seats are not reserved: vacate and reopen seating.
			s.seats[idx] = nil
			for _, st := range s.seats {
				if st != nil {
					st.ready = false
				}
			}
			s.phase = PhaseWaitingForPlayers
		case PhasePaused:
			// Already awaiting the other seat; this one just loses its
			// connection ref and may reattach too.
		}
	}

	if len(s.conns) == 0 {
		if s.phase == PhaseFinished {
			s.stopping = true
		} else if s.phase != PhasePaused && s.idleTimer == nil {
			// Paused sessions are bounded by the reconnection window instead.
			s.idleTimer = time.NewTimer(s.cfg.IdleTimeout)
		}
	}
}

func (s *Session) handleClaim(connID string) {
	uid, ok := s.connUser[connID]
	if !ok {
		return
	}
	// Repeated claim over the seat-holding connection: confirm again.
	if idx := s.seatByConn(connID); idx >= 0 {
		s.send(connID, protocol.ServerMessage{Event: protocol.EventConnectedAsPlayer})
		return
	}
	// The user already holds a seat through another connection; the second
	// join stays a spectator and never displaces the seat.
	for _, st := range s.seats {
		if st != nil && st.userID == uid {
			return
		}
	}
	if s.phase != PhaseWaitingForPlayers {
		// Seats full or match underway: spectator. Signal, not error.
		return
	}
	for i := range s.seats {
		if s.seats[i] == nil {
			s.seats[i] = &seat{userID: uid, connID: connID}
			s.send(connID, protocol.ServerMessage{Event: protocol.EventConnectedAsPlayer})
			s.log.Info("seat claimed", zap.Int("seat", i), zap.Int64("user_id", uid))
			break
		}
	}
	if s.seats[0] != nil && s.seats[1] != nil {
		s.phase = PhaseWaitingForReady
	}
}

func (s *Session) handleReady(connID string) {
	if s.phase != PhaseWaitingForReady {
		return
	}
	idx := s.seatByConn(connID)
	if idx < 0 || s.seats[idx].ready {
		return
	}
	s.seats[idx].ready = true
	s.broadcast(protocol.SeatMsg(protocol.EventReady, idx))
	if s.seats[0].ready && s.seats[1].ready {
		s.start()
	}
}

func (s *Session) handleMove(m Move) {
	if s.phase != PhaseRunning {
		return
	}
	idx := s.seatByConn(m.ConnID)
	if idx < 0 {
		// Spectator input is ignored, not answered.
		return
	}
	s.moves[idx] = game.Move{Dir: m.Dir, Active: true}
}

func (s *Session) start() {
	s.phase = PhaseRunning
	s.state = game.NewState()
	s.moves = [2]game.Move{}
	s.startedAt = time.Now()
	s.ticker = time.NewTicker(s.cfg.TickInterval)
	s.log.Info("match started",
		zap.Int64("player0", s.seats[0].userID),
		zap.Int64("player1", s.seats[1].userID))
}

func (s *Session) tick() {
	if s.seats[0] == nil || s.seats[1] == nil ||
		(s.seats[0].connID != "" && s.seats[0].connID == s.seats[1].connID) {
		// Invariant violation: a running match without two distinct seated
		// players is a programming error. Abort rather than keep simulating.
		s.log.Error("seat invariant violated in running match")
		s.finish(-1)
		return
	}

	next, scorer := game.Step(s.state, s.moves)
	s.moves = [2]game.Move{}
	s.state = next

	frame := s.state.Frame()
	s.broadcast(protocol.ServerMessage{Event: protocol.EventNewFrame, Frame: &frame})
	metrics.FramesBroadcast.Inc()

	if scorer >= 0 {
		metrics.Goals.Inc()
		score := s.state.Score
		s.broadcast(protocol.ServerMessage{Event: protocol.EventGoal, Score: &score})
		s.log.Info("goal", zap.Int("seat", scorer), zap.Ints("score", score[:]))
		if s.state.Score[scorer] >= s.cfg.WinScore {
			s.finish(scorer)
		}
	}
}

// pauseFor freezes the match awaiting the given seat. The tick loop stops, so
// no physics advance and no frames go out until resume or expiry.
func (s *Session) pauseFor(idx int) {
	s.phase = PhasePaused
	s.pausedSeat = idx
	s.stopTicker()
	s.moves = [2]game.Move{}
	s.stopPauseTimer()
	s.pauseTimer = time.NewTimer(s.cfg.ReconnectWindow)
	s.broadcast(protocol.SeatMsg(protocol.EventWaitForReconnect, idx))
	s.log.Info("match paused", zap.Int("awaiting_seat", idx))
}

func (s *Session) resume() {
	other := 1 - s.pausedSeat
	if s.seats[other] == nil || s.seats[other].connID == "" {
		// The opponent dropped while we were paused; now await them.
		s.pauseFor(other)
		return
	}
	s.phase = PhaseRunning
	s.ticker = time.NewTicker(s.cfg.TickInterval)
	s.log.Info("match resumed")
}

func (s *Session) handlePauseExpired() {
	if s.phase != PhasePaused {
		return
	}
	winner := 1 - s.pausedSeat
	s.log.Info("reconnection window expired", zap.Int("winner_seat", winner))
	metrics.Forfeits.Inc()
	s.finish(winner)
}

// finish ends the match. winner -1 means aborted without a winner.
func (s *Session) finish(winner int) {
	s.phase = PhaseFinished
	s.stopTicker()
	s.stopPauseTimer()
	if winner >= 0 {
		s.broadcast(protocol.SeatMsg(protocol.EventWin, winner))
	} else {
		s.broadcast(protocol.ServerMessage{Event: protocol.EventError, Error: "match aborted"})
	}
	s.record(winner)
	if len(s.conns) == 0 {
		s.stopping = true
	}
}

func (s *Session) record(winner int) {
	if s.cfg.Recorder == nil || s.startedAt.IsZero() || s.seats[0] == nil || s.seats[1] == nil {
		return
	}
	res := Result{
		GameID:     s.id,
		Players:    [2]int64{s.seats[0].userID, s.seats[1].userID},
		Score:      s.state.Score,
		WinnerSeat: winner,
		StartedAt:  s.startedAt,
		Duration:   time.Since(s.startedAt),
	}
	log := s.log
	rec := s.cfg.Recorder
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rec.Record(ctx, res); err != nil {
			log.Warn("recording match result", zap.Error(err))
		}
	}()
}

// broadcast fans a message out to every attached connection. Sends are
// non-blocking: a consumer with a full outbox is dropped so it can never stall
// the tick loop for others.
func (s *Session) broadcast(msg protocol.ServerMessage) {
	var dropped []string
	for id, ch := range s.conns {
		select {
		case ch <- msg:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		s.log.Warn("dropping slow consumer", zap.String("conn_id", id))
		s.handleDetach(id)
	}
}

func (s *Session) send(connID string, msg protocol.ServerMessage) {
	ch, ok := s.conns[connID]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		s.log.Warn("dropping slow consumer", zap.String("conn_id", connID))
		s.handleDetach(connID)
	}
}

func (s *Session) seatByConn(connID string) int {
	if connID == "" {
		return -1
	}
	for i, st := range s.seats {
		if st != nil && st.connID == connID {
			return i
		}
	}
	return -1
}

func (s *Session) seatedUserIDs() []int64 {
	ids := make([]int64, 0, 2)
	for _, st := range s.seats {
		if st != nil {
			ids = append(ids, st.userID)
		}
	}
	return ids
}

func (s *Session) view() View {
	v := View{
		Phase:    s.phase,
		NumConns: len(s.conns),
		State:    s.state,
		Moves:    s.moves,
	}
	for i, st := range s.seats {
		if st != nil {
			v.Seats[i] = &SeatView{UserID: st.userID, Ready: st.ready, Attached: st.connID != ""}
		}
	}
	return v
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Session) stopPauseTimer() {
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
}

func (s *Session) shutdown() {
	s.stopTicker()
	s.stopPauseTimer()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	for id, ch := range s.conns {
		close(ch)
		delete(s.conns, id)
	}
	clear(s.connUser)
	s.cancel()
	metrics.ActiveSessions.Dec()
	if s.cfg.OnTerminate != nil {
		s.cfg.OnTerminate(s)
	}
	close(s.done)
	s.log.Info("session destroyed")
}
