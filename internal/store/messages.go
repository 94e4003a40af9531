package store

import (
	"errors"

	"chatstate/internal/models"
)

// Append adds m to the end of the active session with a fresh id and timestamp.
func (s *Store) Append(m models.Message) (models.Message, error) {
	if !m.Role.Valid() {
		return models.Message{}, &models.ConfigError{Key: "role", Value: m.Role, Err: errors.New("unknown role")}
	}
	if m.Type != models.MessageLocked {
		m.Type = models.MessageNormal
	}
	s.mu.Lock()
	m.ID = s.opts.NewID()
	m.DateTime = s.opts.Now().UTC()
	a := s.active
	a.Messages = append(a.Messages, m)
	s.commitLocked()
	id := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, SessionID: id, MessageID: m.ID})
	return m, nil
}

// Edit replaces the content of message id in place.
func (s *Store) Edit(id, content string) error {
	s.mu.Lock()
	a := s.active
	i := indexOf(a.Messages, id)
	if i < 0 {
		s.mu.Unlock()
		return &models.NotFoundError{Kind: "message", ID: id}
	}
	a.Messages[i].Content = content
	s.commitLocked()
	sid := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, SessionID: sid, MessageID: id})
	return nil
}

// Delete removes message id. Deleting a missing message is not an error.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	a := s.active
	i := indexOf(a.Messages, id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	a.Messages = append(a.Messages[:i:i], a.Messages[i+1:]...)
	s.commitLocked()
	sid := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, SessionID: sid, MessageID: id})
}

// ToggleLock flips message id between normal and locked and returns the new type.
func (s *Store) ToggleLock(id string) (models.MessageType, error) {
	s.mu.Lock()
	a := s.active
	i := indexOf(a.Messages, id)
	if i < 0 {
		s.mu.Unlock()
		return "", &models.NotFoundError{Kind: "message", ID: id}
	}
	if a.Messages[i].Locked() {
		a.Messages[i].Type = models.MessageNormal
	} else {
		a.Messages[i].Type = models.MessageLocked
	}
	typ := a.Messages[i].Type
	s.commitLocked()
	sid := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, SessionID: sid, MessageID: id})
	return typ, nil
}

// ReAnswer truncates the history so the answer at id can be regenerated.
// An assistant message is dropped with everything after it. A user message is
// kept and everything after it is dropped. The remaining history is returned.
func (s *Store) ReAnswer(id string) ([]models.Message, error) {
	s.mu.Lock()
	a := s.active
	i := indexOf(a.Messages, id)
	if i < 0 {
		s.mu.Unlock()
		return nil, &models.NotFoundError{Kind: "message", ID: id}
	}
	cut := i
	if a.Messages[i].Role != models.RoleAssistant {
		cut = i + 1
	}
	a.Messages = a.Messages[:cut:cut]
	s.commitLocked()
	out := models.CloneMessages(a.Messages)
	sid := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, SessionID: sid, MessageID: id})
	return out, nil
}

// SetMessages replaces the whole history of the active session. Messages
// without an id get one; invalid roles are rejected.
func (s *Store) SetMessages(msgs []models.Message) error {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() {
			return &models.ConfigError{Key: "role", Value: m.Role, Err: errors.New("unknown role")}
		}
		if m.Type != models.MessageLocked {
			m.Type = models.MessageNormal
		}
		out = append(out, m)
	}
	s.mu.Lock()
	now := s.opts.Now().UTC()
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = s.opts.NewID()
		}
		if out[i].DateTime.IsZero() {
			out[i].DateTime = now
		}
	}
	a := s.active
	a.Messages = out
	s.commitLocked()
	sid := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, SessionID: sid})
	return nil
}

// Message returns message id of the active session.
func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOf(s.active.Messages, id)
	if i < 0 {
		return models.Message{}, false
	}
	return s.active.Messages[i], true
}

// LastUserMessage returns the newest user message of the active session.
func (s *Store) LastUserMessage() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.active.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i], true
		}
	}
	return models.Message{}, false
}

// Context returns the messages sent with the next request. Without continuous
// dialogue only locked messages and the trailing user message are sent.
func (s *Store) Context() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.active.Messages
	if s.active.Settings.ContinuousDialogue {
		return models.CloneMessages(msgs)
	}
	out := make([]models.Message, 0, len(msgs))
	last := len(msgs) - 1
	for i, m := range msgs {
		if m.Locked() || (i == last && m.Role == models.RoleUser) {
			out = append(out, m)
		}
	}
	return out
}

func indexOf(msgs []models.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
