// Package registry owns the id -> session mapping. It is an actor: a single
// goroutine serializes every lookup and creation, so concurrent joinGame calls
// for the same unseen id always land on exactly one session.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/transcend42/pong-backend/internal/session"
)

type Msg interface{ isRegistryMsg() }

// Ensure resolves a game id to its live session, creating one in
// WaitingForPlayers if none exists. Create-or-attach is atomic with respect
// to the id.
type Ensure struct {
	ID    string
	Reply chan *session.Session
}

// Get looks up a session without creating one; the reply may be nil.
type Get struct {
	ID    string
	Reply chan *session.Session
}

// Remove drops the mapping for a terminated session. The pointer guards
// against removing a newer session that reused the id.
type Remove struct {
	ID      string
	Session *session.Session
}

// List replies with every live session.
type List struct {
	Reply chan []*session.Session
}

type ShutdownRegistry struct{}

func (Ensure) isRegistryMsg()           {}
func (Get) isRegistryMsg()              {}
func (Remove) isRegistryMsg()           {}
func (List) isRegistryMsg()             {}
func (ShutdownRegistry) isRegistryMsg() {}

type Registry struct {
	inbox      chan Msg
	sessions   map[string]*session.Session
	sessionCfg session.Config
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// New starts the registry loop. sessionCfg seeds every session it creates;
// its OnTerminate hook is overwritten to unmap the session.
func New(parent context.Context, sessionCfg session.Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:      make(chan Msg, 64),
		sessions:   make(map[string]*session.Session),
		sessionCfg: sessionCfg,
		log:        log.Named("registry"),
		ctx:        ctx,
		cancel:     cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

// EnsureSession is a synchronous convenience wrapper around Ensure.
func (r *Registry) EnsureSession(ctx context.Context, id string) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	select {
	case r.inbox <- Ensure{ID: id, Reply: reply}:
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sessions snapshots the live sessions, for the HTTP listing.
func (r *Registry) Sessions(ctx context.Context) ([]*session.Session, error) {
	reply := make(chan []*session.Session, 1)
	select {
	case r.inbox <- List{Reply: reply}:
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ss := <-reply:
		return ss, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Ensure:
				if s := r.sessions[msg.ID]; s != nil {
					msg.Reply <- s
					break
				}
				s := r.spawn(msg.ID)
				r.sessions[msg.ID] = s
				msg.Reply <- s

			case Get:
				msg.Reply <- r.sessions[msg.ID] // may be nil

			case Remove:
				if r.sessions[msg.ID] == msg.Session {
					delete(r.sessions, msg.ID)
				}

			case List:
				ss := make([]*session.Session, 0, len(r.sessions))
				for _, s := range r.sessions {
					ss = append(ss, s)
				}
				msg.Reply <- ss

			case ShutdownRegistry:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Registry) spawn(id string) *session.Session {
	cfg := r.sessionCfg
	cfg.OnTerminate = func(s *session.Session) {
		// Runs on the session goroutine; never block on a dying registry.
		select {
		case r.inbox <- Remove{ID: id, Session: s}:
		case <-r.ctx.Done():
		}
	}
	r.log.Info("creating session", zap.String("game_id", id))
	return session.New(r.ctx, id, cfg)
}

func (r *Registry) shutdown() {
	// Sessions inherit the registry context, so cancelling it tears them all
	// down; cancel first so their OnTerminate hooks can never block on a
	// registry that has stopped reading.
	r.cancel()
	clear(r.sessions)
}
