package main

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"pulsechat/broker/internal/auth"
	"pulsechat/broker/internal/chat"
	"pulsechat/broker/internal/protocol"
	"pulsechat/broker/internal/store"
)

// route drives one inbound frame through the gateway pipeline:
// 1.- Decode and shape the frame into an operation.
// 2.- Charge the per-connection sliding window for the event type.
// 3.- Validate, authorize, and persist through the store.
// 4.- Fan the resulting event out; failures go back to the sender only.
func (b *Broker) route(c *Client, raw []byte) {
	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		b.metrics.Events.WithLabelValues("unknown", "malformed").Inc()
		b.sendError(c, "unrecognised event")
		return
	}

	if b.limiter != nil {
		decision := b.limiter.Check(c.id, in.Event)
		if !decision.Allowed {
			b.metrics.RateLimited.WithLabelValues(in.Event).Inc()
			if frame, err := protocol.RateLimitFrame(in.Event, decision.RetryAfter); err == nil {
				c.enqueue(frame)
			}
			return
		}
	}

	switch in.Kind {
	case protocol.OpCreate:
		err = b.handleCreate(c, in)
	case protocol.OpEdit:
		err = b.handleEdit(c, in)
	case protocol.OpDelete:
		err = b.handleDelete(c, in)
	case protocol.OpReply:
		err = b.handleReply(c, in)
	case protocol.OpReact:
		err = b.handleReaction(c, in)
	}

	outcome := "ok"
	if err != nil {
		outcome = "rejected"
		b.sendError(c, userMessage(err))
		b.log.Debug("event rejected",
			zap.String("event", in.Event),
			zap.String("conn_id", c.id),
			zap.Error(err),
		)
	}
	b.metrics.Events.WithLabelValues(in.Event, outcome).Inc()
}

// handleCreate persists a new top-level message and fans it out under both
// compatibility names. The sender's copy carries the correlation token so its
// optimistic entry can be reconciled; everyone else receives the bare message.
func (b *Broker) handleCreate(c *Client, in *protocol.Inbound) error {
	msg, err := b.store.Create(authorOf(c.identity), in.Text, "")
	if err != nil {
		return err
	}
	msg.CorrelationToken = in.TempID

	senderFrames, err := protocol.CreatedFrames(msg, true)
	if err != nil {
		return err
	}
	otherFrames, err := protocol.CreatedFrames(msg, false)
	if err != nil {
		return err
	}
	for _, frame := range senderFrames {
		c.enqueue(frame)
	}
	for _, frame := range otherFrames {
		b.broadcastExcept(c, frame)
	}
	return nil
}

func (b *Broker) handleEdit(c *Client, in *protocol.Inbound) error {
	msg, err := b.store.Update(in.ID, func(m *chat.Message) error {
		return m.ApplyEdit(c.identity.ID, in.Text, time.Now())
	})
	if err != nil {
		return err
	}
	frame, err := protocol.EditedFrame(msg)
	if err != nil {
		return err
	}
	b.broadcast(frame)
	return nil
}

func (b *Broker) handleDelete(c *Client, in *protocol.Inbound) error {
	msg, err := b.store.Update(in.ID, func(m *chat.Message) error {
		return m.MarkDeleted(c.identity.ID)
	})
	if err != nil {
		return err
	}
	frame, err := protocol.DeletedFrame(msg.ID)
	if err != nil {
		return err
	}
	b.broadcast(frame)
	return nil
}

func (b *Broker) handleReply(c *Client, in *protocol.Inbound) error {
	msg, err := b.store.Create(authorOf(c.identity), in.Text, in.ParentID)
	if err != nil {
		return err
	}
	msg.CorrelationToken = in.TempID

	senderFrame, err := protocol.ReplyFrame(msg, true)
	if err != nil {
		return err
	}
	otherFrame, err := protocol.ReplyFrame(msg, false)
	if err != nil {
		return err
	}
	c.enqueue(senderFrame)
	b.broadcastExcept(c, otherFrame)
	return nil
}

// handleReaction toggles the caller's reaction. Unlike edits and deletes any
// identity may react to any message.
func (b *Broker) handleReaction(c *Client, in *protocol.Inbound) error {
	msg, err := b.store.Update(in.ID, func(m *chat.Message) error {
		return m.ToggleReaction(in.Emoji, c.identity.ID)
	})
	if err != nil {
		return err
	}
	frame, err := protocol.UpdatedFrame(msg)
	if err != nil {
		return err
	}
	b.broadcast(frame)
	return nil
}

func (b *Broker) sendError(c *Client, message string) {
	if frame, err := protocol.ErrorFrame(message); err == nil {
		c.enqueue(frame)
	}
}

// userMessage maps internal errors to the strings surfaced on the socket.
func userMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "message not found"
	case errors.Is(err, store.ErrParentNotFound):
		return "parent message not found"
	case errors.Is(err, store.ErrParentDeleted):
		return "cannot reply to a deleted message"
	case errors.Is(err, chat.ErrNotAuthor):
		return "only the author may modify this message"
	case errors.Is(err, chat.ErrDeleted):
		return "message has been deleted"
	case errors.Is(err, chat.ErrEmptyText):
		return "message text must not be empty"
	case errors.Is(err, chat.ErrTextTooLong):
		return "message text is too long"
	default:
		return "operation failed"
	}
}

func authorOf(identity auth.Identity) chat.Author {
	return chat.Author{ID: identity.ID, DisplayName: identity.DisplayName}
}

func notificationFrame(kind string, identity auth.Identity) ([]byte, error) {
	name := identity.DisplayName
	if name == "" {
		name = identity.ID
	}
	verb := "joined"
	if kind == "leave" {
		verb = "left"
	}
	return protocol.Encode(protocol.EventUserNotification, protocol.NotificationPayload{
		Type:      kind,
		Message:   name + " " + verb + " the chat",
		Timestamp: time.Now().UTC(),
	})
}
