// Package client implements the gateway's counterpart: the reconciliation
// engine that keeps a local message list consistent with the live channel,
// the offline queue, and the resync fetches.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulsechat/broker/internal/auth"
	"pulsechat/broker/internal/chat"
	"pulsechat/broker/internal/logging"
	"pulsechat/broker/internal/protocol"
)

// Outcome reports how an inbound create event was absorbed.
type Outcome int

const (
	// OutcomeNew appended a previously unseen message.
	OutcomeNew Outcome = iota + 1
	// OutcomeReconciled replaced a pending optimistic entry in place.
	OutcomeReconciled
	// OutcomeDuplicate dropped an already-processed identifier. The second
	// of the two compatibility events always lands here; that is normal.
	OutcomeDuplicate
)

// Engine applies inbound events to the local message list. Messages created
// locally start as pending entries keyed by a correlation token until the
// server-confirmed copy arrives.
type Engine struct {
	self chat.Author
	log  *zap.Logger
	now  func() time.Time

	mu        sync.Mutex
	messages  []*chat.Message
	index     map[string]int
	pending   map[string]int
	processed map[string]struct{}

	// Optional observers for non-message events.
	OnRoster       func([]protocol.RosterEntry)
	OnNotification func(protocol.NotificationPayload)
	OnRateLimit    func(protocol.RateLimitPayload)
	OnError        func(string)
}

// NewEngine constructs an engine for the given local identity.
func NewEngine(self auth.Identity, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = logging.L()
	}
	return &Engine{
		self:      chat.Author{ID: self.ID, DisplayName: self.DisplayName},
		log:       logger,
		now:       time.Now,
		index:     make(map[string]int),
		pending:   make(map[string]int),
		processed: make(map[string]struct{}),
	}
}

// WithClock overrides the engine time source; primarily used in tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock != nil {
		e.now = clock
	}
}

// AddOptimistic appends a locally fabricated message and returns it together
// with its correlation token. Tokens are UUIDs, a namespace disjoint from the
// store's msg-* identifiers, so the two can never collide.
func (e *Engine) AddOptimistic(text, parentID string) (*chat.Message, string) {
	token := uuid.NewString()

	e.mu.Lock()
	defer e.mu.Unlock()

	msg := chat.NewMessage("", e.self, text, e.now())
	msg.ParentID = parentID
	msg.CorrelationToken = token
	e.messages = append(e.messages, msg)
	e.pending[token] = len(e.messages) - 1
	return msg.Clone(), token
}

// ApplyCreated absorbs a server-confirmed create event.
func (e *Engine) ApplyCreated(msg *chat.Message) Outcome {
	if msg == nil || msg.ID == "" {
		return OutcomeDuplicate
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// 1.- A matching correlation token reconciles the optimistic entry in
	// place, preserving its position in the list. If a resync merge already
	// landed the confirmed copy by identifier, the placeholder is removed
	// instead, so the same identifier can never be visible twice.
	if msg.CorrelationToken != "" {
		if pos, ok := e.pending[msg.CorrelationToken]; ok {
			delete(e.pending, msg.CorrelationToken)
			if _, seen := e.processed[msg.ID]; seen {
				e.messages = append(e.messages[:pos], e.messages[pos+1:]...)
				e.reindexLocked()
				return OutcomeDuplicate
			}
			confirmed := msg.Clone()
			confirmed.CorrelationToken = ""
			e.messages[pos] = confirmed
			e.index[msg.ID] = pos
			e.processed[msg.ID] = struct{}{}
			return OutcomeReconciled
		}
	}
	// 2.- Already-processed identifiers are dropped silently; this absorbs
	// the dual-name duplication and redelivery after reconnect.
	if _, seen := e.processed[msg.ID]; seen {
		return OutcomeDuplicate
	}
	// 3.- Everything else is a genuinely new message.
	confirmed := msg.Clone()
	confirmed.CorrelationToken = ""
	e.messages = append(e.messages, confirmed)
	e.index[msg.ID] = len(e.messages) - 1
	e.processed[msg.ID] = struct{}{}
	return OutcomeNew
}

// ApplyEdited replaces the local copy of an edited message. Unknown
// identifiers are dropped; the next resync recovers the full state.
func (e *Engine) ApplyEdited(msg *chat.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.index[msg.ID]; ok {
		updated := msg.Clone()
		updated.CorrelationToken = ""
		e.messages[pos] = updated
	}
}

// ApplyDeleted flags the local copy as soft-deleted.
func (e *Engine) ApplyDeleted(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.index[id]; ok {
		e.messages[pos].IsDeleted = true
	}
}

// ApplyReactions replaces the reaction map of the target message.
func (e *Engine) ApplyReactions(id string, reactions map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.index[id]; ok {
		cloned := make(map[string][]string, len(reactions))
		for emoji, users := range reactions {
			cloned[emoji] = append([]string(nil), users...)
		}
		e.messages[pos].Reactions = cloned
	}
}

// MergeHistory folds a resync page into the local list using the same
// identifier-dedup rule as the live channel. Known messages are refreshed in
// place so edits and deletes that happened while offline are recovered.
func (e *Engine) MergeHistory(history []*chat.Message) (added int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, msg := range history {
		if msg == nil || msg.ID == "" {
			continue
		}
		if pos, ok := e.index[msg.ID]; ok {
			e.messages[pos] = msg.Clone()
			continue
		}
		e.messages = append(e.messages, msg.Clone())
		e.index[msg.ID] = len(e.messages) - 1
		e.processed[msg.ID] = struct{}{}
		added++
	}
	return added
}

// Messages returns a deep snapshot of the visible list, pending entries
// included, in order.
func (e *Engine) Messages() []*chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*chat.Message, 0, len(e.messages))
	for _, msg := range e.messages {
		out = append(out, msg.Clone())
	}
	return out
}

// PendingCount reports how many optimistic entries await confirmation.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// HandleFrame decodes a server frame and routes it to the matching apply
// method. Socket deliveries are asynchronous; each frame is independent.
func (e *Engine) HandleFrame(raw []byte) error {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	switch env.Event {
	case protocol.EventMessage, protocol.EventSendMessage, protocol.EventReplyCreated:
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return err
		}
		e.ApplyCreated(&msg)
	case protocol.EventMessageEdited:
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return err
		}
		e.ApplyEdited(&msg)
	case protocol.EventMessageDeleted:
		var payload protocol.DeletedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		e.ApplyDeleted(payload.ID)
	case protocol.EventMessageUpdated:
		var payload protocol.UpdatedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		e.ApplyReactions(payload.ID, payload.Reactions)
	case protocol.EventOnlineUsers:
		var roster []protocol.RosterEntry
		if err := json.Unmarshal(env.Data, &roster); err != nil {
			return err
		}
		if e.OnRoster != nil {
			e.OnRoster(roster)
		}
	case protocol.EventUserNotification:
		var payload protocol.NotificationPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		if e.OnNotification != nil {
			e.OnNotification(payload)
		}
	case protocol.EventRateLimit:
		var payload protocol.RateLimitPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		if e.OnRateLimit != nil {
			e.OnRateLimit(payload)
		}
		e.log.Warn("rate limited", zap.String("event", payload.EventType), zap.Int64("retry_after", payload.RetryAfter))
	case protocol.EventError:
		var payload protocol.ErrorPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		if e.OnError != nil {
			e.OnError(payload.Message)
		}
		e.log.Warn("server error", zap.String("message", payload.Message))
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, env.Event)
	}
	return nil
}

var errNoSuchPending = errors.New("no pending entry for token")

// DropPending removes an optimistic entry, used when a queued send is
// abandoned. The visible placeholder disappears with it.
func (e *Engine) DropPending(token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.pending[token]
	if !ok {
		return errNoSuchPending
	}
	delete(e.pending, token)
	e.messages = append(e.messages[:pos], e.messages[pos+1:]...)
	e.reindexLocked()
	return nil
}

func (e *Engine) reindexLocked() {
	e.index = make(map[string]int, len(e.messages))
	for i, msg := range e.messages {
		if msg.ID != "" {
			e.index[msg.ID] = i
		}
		if msg.CorrelationToken != "" {
			e.pending[msg.CorrelationToken] = i
		}
	}
}
