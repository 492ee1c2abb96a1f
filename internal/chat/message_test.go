package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2024, time.April, 2, 9, 30, 0, 0, time.UTC)

func TestNormalizeText(t *testing.T) {
	if _, err := NormalizeText("   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, err := NormalizeText(strings.Repeat("x", MaxTextLength+1)); !errors.Is(err, ErrTextTooLong) {
		t.Fatalf("expected ErrTextTooLong, got %v", err)
	}
	text, err := NormalizeText("  hello  ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if text != "hello" {
		t.Fatalf("expected trimmed text, got %q", text)
	}
	// Exactly the limit passes.
	if _, err := NormalizeText(strings.Repeat("x", MaxTextLength)); err != nil {
		t.Fatalf("text at the limit should pass: %v", err)
	}
}

func TestApplyEditRecordsHistory(t *testing.T) {
	msg := NewMessage("m1", Author{ID: "a"}, "hello", testNow)
	if err := msg.ApplyEdit("a", "hello!", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if msg.Text != "hello!" || !msg.IsEdited {
		t.Fatalf("unexpected message after edit: %+v", msg)
	}
	if len(msg.EditHistory) != 1 || msg.EditHistory[0].Text != "hello" {
		t.Fatalf("unexpected edit history: %+v", msg.EditHistory)
	}
}

func TestApplyEditBoundsHistory(t *testing.T) {
	msg := NewMessage("m1", Author{ID: "a"}, "v0", testNow)
	for i := 0; i < MaxEditHistory+5; i++ {
		if err := msg.ApplyEdit("a", "v"+strings.Repeat("x", i+1), testNow); err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
	}
	if len(msg.EditHistory) != MaxEditHistory {
		t.Fatalf("expected history capped at %d, got %d", MaxEditHistory, len(msg.EditHistory))
	}
}

func TestApplyEditRejectsNonAuthor(t *testing.T) {
	msg := NewMessage("m1", Author{ID: "a"}, "hello", testNow)
	if err := msg.ApplyEdit("b", "hijack", testNow); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}
}

func TestDeletedMessageRejectsMutations(t *testing.T) {
	msg := NewMessage("m1", Author{ID: "a"}, "hello", testNow)
	if err := msg.MarkDeleted("b"); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}
	if err := msg.MarkDeleted("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if msg.Text != "hello" {
		t.Fatal("soft delete must retain the text")
	}
	if err := msg.ApplyEdit("a", "again", testNow); !errors.Is(err, ErrDeleted) {
		t.Fatalf("expected ErrDeleted on edit, got %v", err)
	}
	if err := msg.ToggleReaction("👍", "a"); !errors.Is(err, ErrDeleted) {
		t.Fatalf("expected ErrDeleted on reaction, got %v", err)
	}
}

func TestToggleReaction(t *testing.T) {
	msg := NewMessage("m1", Author{ID: "a"}, "hello", testNow)
	if err := msg.ToggleReaction("👍", "b"); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if err := msg.ToggleReaction("👍", "c"); err != nil {
		t.Fatalf("toggle on second user: %v", err)
	}
	if got := msg.ReactionCount(); got != 2 {
		t.Fatalf("expected 2 reactions, got %d", got)
	}

	if err := msg.ToggleReaction("👍", "b"); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if users := msg.Reactions["👍"]; len(users) != 1 || users[0] != "c" {
		t.Fatalf("unexpected reaction set: %+v", msg.Reactions)
	}

	if err := msg.ToggleReaction("👍", "c"); err != nil {
		t.Fatalf("toggle last off: %v", err)
	}
	if _, ok := msg.Reactions["👍"]; ok {
		t.Fatal("empty reaction sets must be removed from the map")
	}

	if err := msg.ToggleReaction("  ", "c"); !errors.Is(err, ErrEmptyEmoji) {
		t.Fatalf("expected ErrEmptyEmoji, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	msg := NewMessage("m1", Author{ID: "a"}, "hello", testNow)
	_ = msg.ToggleReaction("👍", "b")
	_ = msg.ApplyEdit("a", "hello!", testNow)

	clone := msg.Clone()
	_ = clone.ToggleReaction("👍", "c")
	clone.EditHistory[0].Text = "mutated"

	if len(msg.Reactions["👍"]) != 1 {
		t.Fatal("clone mutation leaked into the original reactions")
	}
	if msg.EditHistory[0].Text != "hello" {
		t.Fatal("clone mutation leaked into the original edit history")
	}
}
