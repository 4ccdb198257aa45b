package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestNewMessageContentTrimsInput(t *testing.T) {
	content, err := NewMessageContent("  hello there  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.String() != "hello there" {
		t.Fatalf("expected trimmed content, got %q", content.String())
	}
}

func TestNewMessageContentRejectsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace-only", input: "   \t\n  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMessageContent(tt.input); !errors.Is(err, ErrEmptyContent) {
				t.Fatalf("expected ErrEmptyContent, got %v", err)
			}
		})
	}
}

func TestNewMessageContentRejectsOversized(t *testing.T) {
	oversized := strings.Repeat("a", MaxContentLength+1)
	_, err := NewMessageContent(oversized)

	var tooLong *ContentTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected ContentTooLongError, got %v", err)
	}
	if tooLong.Length != MaxContentLength+1 {
		t.Fatalf("expected reported length %d, got %d", MaxContentLength+1, tooLong.Length)
	}
}

func TestNewMessageContentCountsRunesNotBytes(t *testing.T) {
	// Multi-byte runes at exactly the limit must pass.
	exact := strings.Repeat("ü", MaxContentLength)
	if _, err := NewMessageContent(exact); err != nil {
		t.Fatalf("expected content at the rune limit to pass, got %v", err)
	}
}

func TestNewRoomIDRejectsNonPositive(t *testing.T) {
	for _, value := range []int64{0, -1} {
		if _, err := NewRoomID(value); !errors.Is(err, ErrInvalidRoomID) {
			t.Fatalf("expected ErrInvalidRoomID for %d, got %v", value, err)
		}
	}
}

func TestNewClientMessageIDValidation(t *testing.T) {
	if _, err := NewClientMessageID("  "); !errors.Is(err, ErrInvalidClientMessageID) {
		t.Fatalf("expected ErrInvalidClientMessageID for blank input, got %v", err)
	}
	if _, err := NewClientMessageID(strings.Repeat("k", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidClientMessageID) {
		t.Fatalf("expected ErrInvalidClientMessageID for oversized input, got nil")
	}
	id, err := NewClientMessageID(" 4c7f6a0e-91f2-4a57-a6a8-2f48c1b0a913 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "4c7f6a0e-91f2-4a57-a6a8-2f48c1b0a913" {
		t.Fatalf("expected trimmed key, got %q", id.String())
	}
}
