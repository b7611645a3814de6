// Package client is a thin protocol consumer for the game gateway: it dials,
// authenticates, joins a game, and turns server pushes into a channel of
// typed events. Rendering is up to the caller.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/transcend42/pong-backend/pkg/protocol"
)

type Client struct {
	conn   *websocket.Conn
	events chan protocol.ServerMessage
}

// Dial connects to the gateway with a bearer token and joins the given game.
func Dial(ctx context.Context, url, token, gameID string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{conn: conn, events: make(chan protocol.ServerMessage, 64)}
	if err := c.emit(ctx, protocol.ClientMessage{Event: protocol.EventConnectToGame, ID: gameID}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "join failed")
		return nil, err
	}
	go c.readPump()
	return c, nil
}

// Events delivers server pushes in arrival order. The channel closes when the
// connection drops.
func (c *Client) Events() <-chan protocol.ServerMessage { return c.events }

// ClaimSeat asks for an open player seat.
func (c *Client) ClaimSeat(ctx context.Context) error {
	return c.emit(ctx, protocol.ClientMessage{Event: protocol.EventConnectAsPlayer})
}

// Ready signals readiness in the pre-game phase.
func (c *Client) Ready(ctx context.Context) error {
	return c.emit(ctx, protocol.ClientMessage{Event: protocol.EventPlayerReady})
}

// Move sends a per-tick input intent: "up" or "down".
func (c *Client) Move(ctx context.Context, direction string) error {
	return c.emit(ctx, protocol.ClientMessage{Event: protocol.EventGamePlayerMove, Direction: direction})
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) emit(ctx context.Context, msg protocol.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("emit %s: %w", msg.Event, err)
	}
	return nil
}

func (c *Client) readPump() {
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case c.events <- msg:
		default:
			// Caller is not draining; drop rather than stall the socket.
		}
	}
}
