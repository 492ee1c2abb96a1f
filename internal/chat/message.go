// Package chat holds the message domain model shared by the gateway, the
// store, and the client engine.
package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextLength bounds message bodies after trimming.
	MaxTextLength = 500
	// MaxEditHistory caps how many prior revisions a message retains.
	MaxEditHistory = 10
)

var (
	// ErrEmptyText rejects bodies that are empty after trimming.
	ErrEmptyText = errors.New("message text must not be empty")
	// ErrTextTooLong rejects bodies above MaxTextLength runes.
	ErrTextTooLong = errors.New("message text exceeds the length limit")
	// ErrDeleted blocks mutations of soft-deleted messages.
	ErrDeleted = errors.New("message has been deleted")
	// ErrNotAuthor blocks edits and deletes by anyone but the author.
	ErrNotAuthor = errors.New("only the author may modify this message")
	// ErrEmptyEmoji rejects reaction toggles without an emoji.
	ErrEmptyEmoji = errors.New("reaction emoji must not be empty")
)

// Author identifies who wrote a message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// EditRecord captures one prior revision of a message body.
type EditRecord struct {
	Text     string    `json:"text"`
	EditedAt time.Time `json:"editedAt"`
}

// Message is the canonical chat record. CorrelationToken only exists during
// the create round-trip and is stripped before persistence.
type Message struct {
	ID          string              `json:"id"`
	Author      Author              `json:"author"`
	Text        string              `json:"text"`
	Timestamp   time.Time           `json:"timestamp"`
	IsEdited    bool                `json:"isEdited"`
	EditHistory []EditRecord        `json:"editHistory,omitempty"`
	IsDeleted   bool                `json:"isDeleted,omitempty"`
	ParentID    string              `json:"parentId,omitempty"`
	Reactions   map[string][]string `json:"reactions"`

	CorrelationToken string `json:"correlationToken,omitempty"`
}

// NormalizeText trims the body and enforces the length limit.
func NormalizeText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}

// NewMessage builds a fresh message with an empty reaction map.
func NewMessage(id string, author Author, text string, now time.Time) *Message {
	return &Message{
		ID:        id,
		Author:    author,
		Text:      text,
		Timestamp: now.UTC(),
		Reactions: map[string][]string{},
	}
}

// ApplyEdit replaces the body, recording the prior text in the bounded edit
// history. The actor must be the author and the message must not be deleted.
func (m *Message) ApplyEdit(actorID, newText string, now time.Time) error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.IsDeleted {
		return ErrDeleted
	}
	if actorID != m.Author.ID {
		return ErrNotAuthor
	}
	text, err := NormalizeText(newText)
	if err != nil {
		return err
	}
	m.EditHistory = append(m.EditHistory, EditRecord{Text: m.Text, EditedAt: now.UTC()})
	if len(m.EditHistory) > MaxEditHistory {
		m.EditHistory = m.EditHistory[len(m.EditHistory)-MaxEditHistory:]
	}
	m.Text = text
	m.IsEdited = true
	return nil
}

// MarkDeleted flags the message as soft-deleted. The text is retained so the
// record stays auditable; rendering is the client's concern.
func (m *Message) MarkDeleted(actorID string) error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.IsDeleted {
		return ErrDeleted
	}
	if actorID != m.Author.ID {
		return ErrNotAuthor
	}
	m.IsDeleted = true
	return nil
}

// ToggleReaction adds the actor to the emoji's reaction set, or removes them
// when already present. Any connected identity may react.
func (m *Message) ToggleReaction(emoji, actorID string) error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.IsDeleted {
		return ErrDeleted
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ErrEmptyEmoji
	}
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	users := m.Reactions[emoji]
	for i, id := range users {
		if id == actorID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return nil
		}
	}
	users = append(users, actorID)
	sort.Strings(users)
	m.Reactions[emoji] = users
	return nil
}

// ReactionCount sums the reacting identities across all emojis. The wire
// protocol still carries this flat count for older clients.
func (m *Message) ReactionCount() int {
	if m == nil {
		return 0
	}
	total := 0
	for _, users := range m.Reactions {
		total += len(users)
	}
	return total
}

// Clone returns a deep copy so callers can hand out messages without
// exposing shared slices or maps.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.EditHistory != nil {
		clone.EditHistory = append([]EditRecord(nil), m.EditHistory...)
	}
	if m.Reactions != nil {
		clone.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			clone.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	return &clone
}
