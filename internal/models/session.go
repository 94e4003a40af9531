package models

import (
	"encoding/json"
	"time"
)

// DefaultSessionID is the home session. It has no editable title.
const DefaultSessionID = "index"

// Session groups an ordered message history with its own settings.
type Session struct {
	ID        string          `json:"id"`
	Messages  []Message       `json:"messages"`
	Settings  SessionSettings `json:"settings"`
	UpdatedAt time.Time       `json:"updatedAt"`
	// Seq increases on every mutation and orders persisted snapshots.
	Seq int64 `json:"seq"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = CloneMessages(s.Messages)
	return &out
}

// IsDefault reports whether s is the home session.
func (s *Session) IsDefault() bool {
	return s != nil && s.ID == DefaultSessionID
}

// StoredSession is the persisted form of a Session. Settings stay raw so that
// snapshots written before a field existed can be merged with current defaults.
type StoredSession struct {
	ID        string          `json:"id"`
	Messages  []Message       `json:"messages"`
	Settings  json.RawMessage `json:"settings"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Seq       int64           `json:"seq"`
}
