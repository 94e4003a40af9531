package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"chatstate/internal/models"
)

// Memory keeps snapshots in process. Nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	seqs     map[string]int64
	global   json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string][]byte),
		seqs:     make(map[string]int64),
	}
}

func (m *Memory) Load(_ context.Context, id string) (*models.StoredSession, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSnapshot(data)
}

func (m *Memory) Save(_ context.Context, s *models.StoredSession) error {
	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.seqs[s.ID]; ok && cur > s.Seq {
		return nil
	}
	m.sessions[s.ID] = data
	m.seqs[s.ID] = s.Seq
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.seqs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) LoadGlobal(_ context.Context) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.global == nil {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), m.global...), nil
}

func (m *Memory) SaveGlobal(_ context.Context, raw json.RawMessage) error {
	m.mu.Lock()
	m.global = append(json.RawMessage(nil), raw...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
