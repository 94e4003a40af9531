package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MessageType marks whether a message is pinned as a standing role prompt.
type MessageType string

const (
	MessageNormal MessageType = "normal"
	MessageLocked MessageType = "locked"
)

// Message is a single entry of a session history.
type Message struct {
	ID       string      `json:"id"`
	Role     Role        `json:"role"`
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	DateTime time.Time   `json:"dateTime"`
}

// Locked reports whether the message survives a conversation clear.
func (m Message) Locked() bool {
	return m.Type == MessageLocked
}

// CloneMessages returns a copy of the slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
