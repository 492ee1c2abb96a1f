// Package protocol defines the JSON wire format spoken over the WebSocket.
//
// Every frame is an envelope {event, data}. Message creation is one internal
// event serialized under two wire names, "message" and "sendMessage"; older
// clients listen for one, newer clients for the other, and the receiving
// engine collapses the pair by message identifier.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pulsechat/broker/internal/chat"
)

// Outbound event names.
const (
	EventMessage          = "message"
	EventSendMessage      = "sendMessage"
	EventMessageUpdated   = "messageUpdated"
	EventMessageEdited    = "messageEdited"
	EventMessageDeleted   = "messageDeleted"
	EventReplyCreated     = "replyCreated"
	EventOnlineUsers      = "onlineUsers"
	EventUserNotification = "userNotification"
	EventRateLimit        = "rateLimit"
	EventError            = "error"
)

// Inbound event names.
const (
	EventEditMessage    = "editMessage"
	EventDeleteMessage  = "deleteMessage"
	EventReplyToMessage = "replyToMessage"
	EventReaction       = "reaction"
)

var (
	// ErrUnknownEvent signals an inbound frame with an unrecognised name.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrEmptyFrame signals an empty websocket frame.
	ErrEmptyFrame = errors.New("empty frame")
)

// Envelope is the on-wire frame shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode wraps the payload into an envelope frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeEnvelope parses a raw frame into its envelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, ErrUnknownEvent
	}
	return &env, nil
}

// OpKind enumerates the inbound operations so the router dispatches through a
// single switch instead of name-keyed reflection.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpEdit
	OpDelete
	OpReply
	OpReact
)

// Inbound is a decoded client operation.
type Inbound struct {
	Kind OpKind
	// Event keeps the wire name for rate limiting and error reporting.
	Event string

	Text     string
	TempID   string
	ID       string
	ParentID string
	Emoji    string
}

// DecodeInbound parses and shapes a client frame.
func DecodeInbound(raw []byte) (*Inbound, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Event {
	case EventMessage:
		var payload struct {
			Text   string `json:"text"`
			TempID string `json:"tempId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return &Inbound{Kind: OpCreate, Event: env.Event, Text: payload.Text, TempID: payload.TempID}, nil
	case EventEditMessage:
		var payload struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return &Inbound{Kind: OpEdit, Event: env.Event, ID: payload.ID, Text: payload.Text}, nil
	case EventDeleteMessage:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return &Inbound{Kind: OpDelete, Event: env.Event, ID: payload.ID}, nil
	case EventReplyToMessage:
		var payload struct {
			ParentID string `json:"parentId"`
			Text     string `json:"text"`
			TempID   string `json:"tempId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return &Inbound{Kind: OpReply, Event: env.Event, ParentID: payload.ParentID, Text: payload.Text, TempID: payload.TempID}, nil
	case EventReaction:
		var payload struct {
			ID    string `json:"id"`
			Emoji string `json:"emoji"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return &Inbound{Kind: OpReact, Event: env.Event, ID: payload.ID, Emoji: payload.Emoji}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// UpdatedPayload carries a reaction change. ReactionCount is the legacy flat
// field older clients still read.
type UpdatedPayload struct {
	ID            string              `json:"id"`
	Reactions     map[string][]string `json:"reactions"`
	ReactionCount int                 `json:"reactionCount"`
}

// DeletedPayload marks a soft delete.
type DeletedPayload struct {
	ID        string `json:"id"`
	IsDeleted bool   `json:"isDeleted"`
}

// NotificationPayload announces joins and leaves.
type NotificationPayload struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RateLimitPayload tells the offending connection to back off.
type RateLimitPayload struct {
	EventType  string `json:"eventType"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// ErrorPayload is returned only to the originating connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RosterEntry is one element of the onlineUsers snapshot.
type RosterEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// CreatedFrames serializes a created message under both compatibility names.
// When withToken is false the correlation token is stripped, which is the
// variant broadcast to everyone but the sender.
func CreatedFrames(msg *chat.Message, withToken bool) ([][]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	payload := msg.Clone()
	if !withToken {
		payload.CorrelationToken = ""
	}
	frames := make([][]byte, 0, 2)
	for _, event := range []string{EventMessage, EventSendMessage} {
		frame, err := Encode(event, payload)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// ReplyFrame serializes a created reply. Replies go out under a single name;
// the dual-name scheme only ever applied to top-level creates.
func ReplyFrame(msg *chat.Message, withToken bool) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	payload := msg.Clone()
	if !withToken {
		payload.CorrelationToken = ""
	}
	return Encode(EventReplyCreated, payload)
}

// UpdatedFrame serializes a reaction change.
func UpdatedFrame(msg *chat.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	return Encode(EventMessageUpdated, UpdatedPayload{
		ID:            msg.ID,
		Reactions:     msg.Clone().Reactions,
		ReactionCount: msg.ReactionCount(),
	})
}

// EditedFrame serializes a full edited message.
func EditedFrame(msg *chat.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	return Encode(EventMessageEdited, msg.Clone())
}

// DeletedFrame serializes a soft delete marker.
func DeletedFrame(id string) ([]byte, error) {
	return Encode(EventMessageDeleted, DeletedPayload{ID: id, IsDeleted: true})
}

// ErrorFrame serializes a sender-only error.
func ErrorFrame(message string) ([]byte, error) {
	return Encode(EventError, ErrorPayload{Message: message})
}

// RateLimitFrame serializes a rate-limit notice with a seconds-based hint.
func RateLimitFrame(event string, retryAfter time.Duration) ([]byte, error) {
	seconds := int64(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return Encode(EventRateLimit, RateLimitPayload{
		EventType:  event,
		Message:    fmt.Sprintf("too many %s events, retry in %ds", event, seconds),
		RetryAfter: seconds,
	})
}
