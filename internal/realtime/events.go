package realtime

import "github.com/parleylabs/parley/backend/internal/chat"

// EventType enumerates the outbound event kinds a connection can receive.
type EventType string

const (
	// EventTypeNewMessage carries one persisted chat message.
	EventTypeNewMessage EventType = "new_message"
	// EventTypePresenceUpdate reports a user going online or offline in a room.
	EventTypePresenceUpdate EventType = "presence_update"
	// EventTypeTypingUpdate is a thin pass-through of a typing indicator.
	EventTypeTypingUpdate EventType = "typing_update"
)

// PresenceUpdate is the payload of a presence_update event.
type PresenceUpdate struct {
	RoomID    int64  `json:"room_id"`
	UserID    string `json:"user_id"`
	IsPresent bool   `json:"is_present"`
}

// TypingUpdate is the payload of a typing_update event.
type TypingUpdate struct {
	RoomID   int64  `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// Event is one outbound frame handed to a connection's transport.
// Exactly one payload field is set, matching Type.
type Event struct {
	Type     EventType       `json:"type"`
	Message  *chat.Message   `json:"message,omitempty"`
	Presence *PresenceUpdate `json:"presence,omitempty"`
	Typing   *TypingUpdate   `json:"typing,omitempty"`
}

func newMessageEvent(message chat.Message) Event {
	return Event{Type: EventTypeNewMessage, Message: &message}
}

func newPresenceEvent(roomID int64, userID string, isPresent bool) Event {
	return Event{
		Type:     EventTypePresenceUpdate,
		Presence: &PresenceUpdate{RoomID: roomID, UserID: userID, IsPresent: isPresent},
	}
}

func newTypingEvent(roomID int64, userID string, isTyping bool) Event {
	return Event{
		Type:   EventTypeTypingUpdate,
		Typing: &TypingUpdate{RoomID: roomID, UserID: userID, IsTyping: isTyping},
	}
}
