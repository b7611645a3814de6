// Package ws is the connection gateway: it authenticates the WebSocket
// handshake, decodes the JSON tagged-message protocol, and relays between the
// connection and its game session.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transcend42/pong-backend/internal/auth"
	"github.com/transcend42/pong-backend/internal/game"
	"github.com/transcend42/pong-backend/internal/registry"
	"github.com/transcend42/pong-backend/internal/session"
	"github.com/transcend42/pong-backend/pkg/protocol"
)

const (
	outboxSize   = 64
	writeTimeout = 3 * time.Second
	// How long a fresh connection gets to name its game.
	joinTimeout = 30 * time.Second
)

func Handler(log *zap.Logger, verifier *auth.Verifier, reg *registry.Registry) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		// Rejected credentials never reach session logic.
		userID, err := verifier.FromRequest(r)
		if err != nil {
			log.Info("rejecting connection", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		clog := log.With(zap.Int64("user_id", userID), zap.String("conn_id", connID))

		// First message must join a game.
		joinCtx, cancel := context.WithTimeout(r.Context(), joinTimeout)
		cm, err := readMessage(joinCtx, conn)
		cancel()
		if errors.Is(err, errBadJSON) {
			writeError(r.Context(), conn, errBadJSON.Error())
			return
		}
		if err != nil {
			return
		}
		if cm.Event != protocol.EventConnectToGame || cm.ID == "" {
			writeError(r.Context(), conn, "expected connectToGame")
			return
		}

		sess, err := reg.EnsureSession(r.Context(), cm.ID)
		if err != nil {
			writeError(r.Context(), conn, "game unavailable")
			return
		}
		clog = clog.With(zap.String("game_id", cm.ID))
		clog.Info("connection joined game")

		outbox := make(chan protocol.ServerMessage, outboxSize)
		if !sendToSession(sess, session.Attach{UserID: userID, ConnID: connID, Outbox: outbox}) {
			writeError(r.Context(), conn, "game unavailable")
			return
		}
		defer sendToSession(sess, session.Detach{ConnID: connID})

		// Writer: drains the outbox until the session closes it.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for msg := range outbox {
				payload, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
			// Session closed the outbox; unblock the reader.
			conn.Close(websocket.StatusGoingAway, "session closed")
		}()

		// Reader loop.
		for {
			cm, err := readMessage(r.Context(), conn)
			if errors.Is(err, errBadJSON) {
				writeError(r.Context(), conn, errBadJSON.Error())
				continue
			}
			if err != nil {
				// Clean close or transport failure either way: the deferred
				// Detach tells the session.
				return
			}

			msg, errText := toSessionMsg(cm, connID)
			if errText != "" {
				// Protocol errors are answered, never escalated.
				writeError(r.Context(), conn, errText)
				continue
			}
			if msg == nil {
				continue
			}
			if !sendToSession(sess, msg) {
				return
			}
		}
	}
}

// toSessionMsg maps a decoded client event onto a session message. A nil
// message with empty errText means the event needs no action.
func toSessionMsg(cm protocol.ClientMessage, connID string) (session.Msg, string) {
	switch cm.Event {
	case protocol.EventConnectAsPlayer:
		return session.ClaimSeat{ConnID: connID}, ""
	case protocol.EventPlayerReady:
		return session.Ready{ConnID: connID}, ""
	case protocol.EventGamePlayerMove:
		dir, ok := game.ParseDirection(cm.Direction)
		if !ok {
			return nil, "unknown direction"
		}
		return session.Move{ConnID: connID, Dir: dir}, ""
	case protocol.EventConnectToGame:
		return nil, "already in a game"
	default:
		return nil, "unknown event"
	}
}

// errBadJSON marks a frame that arrived but did not decode; the connection
// stays up and gets an error reply.
var errBadJSON = errors.New("malformed json")

func readMessage(ctx context.Context, conn *websocket.Conn) (protocol.ClientMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.ClientMessage{}, err
	}
	var cm protocol.ClientMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		return protocol.ClientMessage{}, errBadJSON
	}
	return cm, nil
}

// sendToSession enqueues a message unless the session has terminated.
func sendToSession(sess *session.Session, msg session.Msg) bool {
	select {
	case sess.Inbox() <- msg:
		return true
	case <-sess.Done():
		return false
	}
}

func writeError(ctx context.Context, conn *websocket.Conn, text string) {
	payload, _ := json.Marshal(protocol.ServerMessage{Event: protocol.EventError, Error: text})
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
