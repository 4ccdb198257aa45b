package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	// MaxContentLength bounds message content in runes after trimming.
	MaxContentLength = 10000
)

var (
	// ErrInvalidRoomID indicates a non-positive room identifier.
	ErrInvalidRoomID = errors.New("chat: invalid room id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("chat: invalid user id")
	// ErrInvalidClientMessageID indicates a missing or oversized idempotency key.
	ErrInvalidClientMessageID = errors.New("chat: invalid client message id")
	// ErrEmptyContent indicates message content is empty after trimming.
	ErrEmptyContent = errors.New("chat: empty content")
)

// ContentTooLongError reports content exceeding MaxContentLength runes.
type ContentTooLongError struct {
	Length int
}

func (e *ContentTooLongError) Error() string {
	return fmt.Sprintf("chat: content too long: %d runes exceeds %d", e.Length, MaxContentLength)
}

// RoomID represents a validated room identifier.
type RoomID int64

// NewRoomID validates the raw value and returns a RoomID.
func NewRoomID(value int64) (RoomID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRoomID, value)
	}
	return RoomID(value), nil
}

// Int64 exposes the raw room identifier.
func (id RoomID) Int64() int64 {
	return int64(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ClientMessageID represents a validated client-supplied idempotency key.
// The value is opaque to the server; only presence and storage bounds are checked.
type ClientMessageID string

// NewClientMessageID validates raw input and returns a ClientMessageID.
func NewClientMessageID(rawInput string) (ClientMessageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientMessageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientMessageID, maxIdentifierLength)
	}
	return ClientMessageID(trimmed), nil
}

// String returns the underlying string key.
func (id ClientMessageID) String() string {
	return string(id)
}

// MessageContent represents validated, trimmed message content.
type MessageContent string

// NewMessageContent trims raw input and enforces the content bounds.
func NewMessageContent(rawInput string) (MessageContent, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if length := utf8.RuneCountInString(trimmed); length > MaxContentLength {
		return "", &ContentTooLongError{Length: length}
	}
	return MessageContent(trimmed), nil
}

// String returns the underlying content.
func (c MessageContent) String() string {
	return string(c)
}

// Message models one persisted chat message. The store-assigned id is
// monotonic within a room and is the canonical delivery and replay order.
type Message struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID          int64     `gorm:"column:room_id;not null;uniqueIndex:idx_messages_room_client,priority:1;index:idx_messages_room_id,priority:1"`
	ClientMessageID string    `gorm:"column:client_message_id;size:190;not null;uniqueIndex:idx_messages_room_client,priority:2"`
	AuthorID        string    `gorm:"column:author_id;size:190;not null"`
	Content         string    `gorm:"column:content;type:text;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Room captures the slice of room state this engine owns: the freshness
// marker bumped on every persisted message.
type Room struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	LastMessageAt time.Time `gorm:"column:last_message_at"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}
