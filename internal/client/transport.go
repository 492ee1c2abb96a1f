package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulsechat/broker/internal/logging"
	"pulsechat/broker/internal/protocol"
)

// ErrDisconnected is returned by Send while no connection is live.
var ErrDisconnected = errors.New("transport disconnected")

// Transport is the client half of the WebSocket channel. It authenticates
// during the handshake by carrying the credential in the auth_token query
// parameter, mirroring what the gateway expects.
type Transport struct {
	endpoint string
	token    string
	log      *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTransport constructs a transport for the ws:// endpoint, e.g.
// "ws://localhost:8137/ws".
func NewTransport(endpoint, token string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = logging.L()
	}
	return &Transport{endpoint: endpoint, token: token, log: logger}
}

// Dial establishes the connection. Any previous connection is closed first.
func (t *Transport) Dial(ctx context.Context) error {
	if t == nil {
		return errors.New("nil transport")
	}
	target, err := url.Parse(t.endpoint)
	if err != nil {
		return err
	}
	query := target.Query()
	query.Set("auth_token", t.token)
	target.RawQuery = query.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return err
	}

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Connected reports whether a connection is currently live.
func (t *Transport) Connected() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes one event frame. Concurrent callers are serialised because
// gorilla connections allow a single writer.
func (t *Transport) Send(event string, payload any) error {
	if t == nil {
		return ErrDisconnected
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrDisconnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// SendEntry retransmits a queued offline entry under its original operation.
func (t *Transport) SendEntry(entry Entry) error {
	switch entry.Event {
	case protocol.EventMessage:
		return t.Send(protocol.EventMessage, map[string]string{"text": entry.Text, "tempId": entry.Token})
	case protocol.EventReplyToMessage:
		return t.Send(protocol.EventReplyToMessage, map[string]string{
			"parentId": entry.ParentID,
			"text":     entry.Text,
			"tempId":   entry.Token,
		})
	case protocol.EventReaction:
		return t.Send(protocol.EventReaction, map[string]string{"id": entry.TargetID, "emoji": entry.Emoji})
	default:
		return fmt.Errorf("cannot replay entry with event %q", entry.Event)
	}
}

// ReadLoop delivers inbound frames to the handler until the connection
// drops, then reports the transport error. A clean close returns nil.
func (t *Transport) ReadLoop(handler func([]byte)) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if handler != nil {
			handler(frame)
		}
	}
}

// Close tears down the connection.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
