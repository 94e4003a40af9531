// Package store holds the global settings, the active session and the session
// index. Persistence runs behind a per-session write queue; storage failures
// never roll back in-memory state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatstate/internal/models"
	"chatstate/internal/secret"
	"chatstate/internal/settings"
	"chatstate/internal/storage"
	"chatstate/internal/worker"
)

// globalKey is the write queue key of the global settings record. It cannot
// collide with a session id because session ids never start with a NUL byte.
const globalKey = "\x00global"

// ChangeKind names what a mutation touched.
type ChangeKind string

const (
	ChangeActive   ChangeKind = "active"
	ChangeMessages ChangeKind = "messages"
	ChangeSession  ChangeKind = "sessionSettings"
	ChangeGlobal   ChangeKind = "globalSettings"
	ChangeIndex    ChangeKind = "sessions"
	ChangeWarning  ChangeKind = "warning"
)

// Change is delivered to subscribers after every mutation.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	SessionID string     `json:"sessionId,omitempty"`
	MessageID string     `json:"messageId,omitempty"`
	Warning   string     `json:"warning,omitempty"`
}

// View is a read-only copy of the store for rendering.
type View struct {
	SessionID     string                 `json:"sessionId"`
	Global        models.GlobalSettings  `json:"global"`
	Settings      models.SessionSettings `json:"settings"`
	Messages      []models.Message       `json:"messages"`
	SessionIDs    []string               `json:"sessions"`
	TitleEditable bool                   `json:"titleEditable"`
}

// Options configures a Store.
type Options struct {
	GlobalDefaults  models.GlobalSettings
	SessionDefaults models.SessionSettings
	// MaxConcurrentWrites bounds parallel writes across sessions.
	MaxConcurrentWrites int
	Now                 func() time.Time
	NewID               func() string
	// Secrets seals APIKey and password in the stored global record. Nil
	// stores them as entered.
	Secrets Sealer
}

// Sealer protects secrets at rest. *secret.Cipher implements it.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// Store is the single owned state container of the client.
type Store struct {
	backend storage.Backend
	writer  *worker.Writer
	opts    Options

	mu     sync.RWMutex
	global models.GlobalSettings
	active *models.Session
	// volatile keeps sessions that are not saved so their state survives a
	// switch away and back within this process.
	volatile map[string]*models.Session
	index    map[string]struct{}
	seq      int64
	// stopWatch ends the cross-instance subscription, if any.
	stopWatch context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	warnMu   sync.Mutex
	lastWarn error
	warnings chan error
}

// New builds a store over backend. Call Init before use.
func New(backend storage.Backend, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.SessionDefaults.Model == "" {
		opts.SessionDefaults.Model = models.ModelGPT4oMini
	}
	s := &Store{
		backend:  backend,
		opts:     opts,
		global:   opts.GlobalDefaults,
		volatile: make(map[string]*models.Session),
		index:    make(map[string]struct{}),
		subs:     make(map[int]func(Change)),
		warnings: make(chan error, 16),
	}
	s.writer = worker.NewWriter(backend, opts.MaxConcurrentWrites, s.onWriteError)
	s.active = s.newSession(models.DefaultSessionID)
	return s
}

// Init loads global settings, the session index and the default session.
// Storage failures become warnings and the store starts from defaults.
func (s *Store) Init(ctx context.Context) {
	raw, err := s.backend.LoadGlobal(ctx)
	switch {
	case err == nil:
		g := s.decodeGlobal(raw)
		s.mu.Lock()
		s.global = g
		s.mu.Unlock()
	case !errors.Is(err, storage.ErrNotFound):
		s.warn(&models.PersistenceError{Op: "load global", Err: err})
	}

	ids, err := s.backend.ListIDs(ctx)
	if err != nil {
		s.warn(&models.PersistenceError{Op: "list", Err: err})
	}
	s.mu.Lock()
	for _, id := range ids {
		s.index[id] = struct{}{}
	}
	s.index[models.DefaultSessionID] = struct{}{}
	s.active = s.loadLocked(ctx, models.DefaultSessionID)
	s.mu.Unlock()
	s.watch()
	s.notify(Change{Kind: ChangeActive, SessionID: models.DefaultSessionID})
}

// Close drains pending writes and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.mu.Unlock()
	if err := s.writer.Close(ctx); err != nil {
		return fmt.Errorf("drain writes: %w", err)
	}
	return s.backend.Close()
}

// Flush waits for every queued write.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.FlushAll(ctx)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		SessionID:     s.active.ID,
		Global:        s.global,
		Settings:      s.active.Settings,
		Messages:      models.CloneMessages(s.active.Messages),
		SessionIDs:    s.sessionIDsLocked(),
		TitleEditable: settings.TitleEditable(s.active.ID),
	}
}

// ActiveID returns the id of the active session.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.ID
}

// Global returns the global settings, secrets included. Do not expose it to clients.
func (s *Store) Global() models.GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// SessionSettings returns the active session's settings.
func (s *Store) SessionSettings() models.SessionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Settings
}

// SessionIDs returns the known session ids, the default session first.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionIDsLocked()
}

func (s *Store) sessionIDsLocked() []string {
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		if id != models.DefaultSessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return append([]string{models.DefaultSessionID}, ids...)
}

// Subscribe registers fn for change notifications. The returned func removes it.
// fn runs outside the store lock and may call read methods.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Warnings delivers persistence failures. New warnings are dropped while the buffer is full.
func (s *Store) Warnings() <-chan error {
	return s.warnings
}

// LastWarning returns the most recent persistence failure, or nil.
func (s *Store) LastWarning() error {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	return s.lastWarn
}

func (s *Store) onWriteError(err *models.PersistenceError) {
	s.warn(err)
}

func (s *Store) warn(err error) {
	log.Printf("persistence warning: %v", err)
	s.warnMu.Lock()
	s.lastWarn = err
	s.warnMu.Unlock()
	select {
	case s.warnings <- err:
	default:
	}
	// Writer callbacks may fire while an operation holds s.mu and waits on a flush.
	go s.notify(Change{Kind: ChangeWarning, Warning: err.Error()})
}

// SwitchSession makes id the active session. Switching to the active id does nothing.
func (s *Store) SwitchSession(ctx context.Context, id string) error {
	if id == "" {
		return &models.NotFoundError{Kind: "session", ID: id}
	}
	s.mu.Lock()
	if s.active.ID == id {
		s.mu.Unlock()
		return nil
	}
	s.switchLocked(ctx, id)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeActive, SessionID: id})
	return nil
}

func (s *Store) switchLocked(ctx context.Context, id string) {
	prev := s.active
	if !prev.Settings.SaveSession {
		s.volatile[prev.ID] = prev.Clone()
	}
	if err := s.writer.Flush(ctx, prev.ID); err != nil {
		s.warn(&models.PersistenceError{Op: "flush", SessionID: prev.ID, Err: err})
	}
	s.active = s.loadLocked(ctx, id)
	s.index[id] = struct{}{}
}

// loadLocked returns the in-memory copy of an unsaved session, the stored
// snapshot, or a fresh session.
func (s *Store) loadLocked(ctx context.Context, id string) *models.Session {
	if v, ok := s.volatile[id]; ok {
		return v.Clone()
	}
	// A remove or save of id may still be queued from an earlier operation.
	if err := s.writer.Flush(ctx, id); err != nil {
		s.warn(&models.PersistenceError{Op: "flush", SessionID: id, Err: err})
	}
	stored, err := s.backend.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.warn(&models.PersistenceError{Op: "load", SessionID: id, Err: err})
		}
		return s.newSession(id)
	}
	s.observeSeq(stored.Seq)
	return s.fromStored(stored)
}

func (s *Store) newSession(id string) *models.Session {
	return &models.Session{
		ID:        id,
		Messages:  []models.Message{},
		Settings:  s.opts.SessionDefaults,
		UpdatedAt: s.opts.Now().UTC(),
	}
}

func (s *Store) fromStored(st *models.StoredSession) *models.Session {
	sess := &models.Session{
		ID:        st.ID,
		Messages:  make([]models.Message, 0, len(st.Messages)),
		Settings:  settings.MergeDefaults(s.opts.SessionDefaults, st.Settings),
		UpdatedAt: st.UpdatedAt,
		Seq:       st.Seq,
	}
	for _, m := range st.Messages {
		if m.Type != models.MessageLocked {
			m.Type = models.MessageNormal
		}
		if m.ID == "" {
			m.ID = s.opts.NewID()
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess
}

// nextSeq returns a write sequence that is larger than any seen before and
// larger than what an earlier process could have written.
func (s *Store) nextSeq() int64 {
	n := s.opts.Now().UnixNano()
	if n <= s.seq {
		n = s.seq + 1
	}
	s.seq = n
	return n
}

func (s *Store) observeSeq(seq int64) {
	if seq > s.seq {
		s.seq = seq
	}
}

// commitLocked stamps the active session and persists it when saving is on.
func (s *Store) commitLocked() {
	a := s.active
	a.Seq = s.nextSeq()
	a.UpdatedAt = s.opts.Now().UTC()
	if !a.Settings.SaveSession {
		s.volatile[a.ID] = a.Clone()
		return
	}
	delete(s.volatile, a.ID)
	raw, err := json.Marshal(a.Settings)
	if err != nil {
		s.warn(&models.PersistenceError{Op: "encode", SessionID: a.ID, Err: err})
		return
	}
	s.writer.EnqueueSave(&models.StoredSession{
		ID:        a.ID,
		Messages:  models.CloneMessages(a.Messages),
		Settings:  raw,
		UpdatedAt: a.UpdatedAt,
		Seq:       a.Seq,
	})
}

// UpdateGlobalSetting sets one global field and persists the whole record.
// An invalid value leaves the default in place and returns a ConfigError.
func (s *Store) UpdateGlobalSetting(key string, value any) error {
	s.mu.Lock()
	applyErr := settings.ApplyGlobal(&s.global, s.opts.GlobalDefaults, key, value)
	g := s.global
	seq := s.nextSeq()
	s.mu.Unlock()

	raw, err := s.encodeGlobal(g)
	if err != nil {
		s.warn(&models.PersistenceError{Op: "encode global", Err: err})
	} else {
		s.writer.Enqueue(globalKey, seq, "save global", func(ctx context.Context) error {
			return s.backend.SaveGlobal(ctx, raw)
		})
	}
	s.notify(Change{Kind: ChangeGlobal})
	return applyErr
}

func (s *Store) encodeGlobal(g models.GlobalSettings) (json.RawMessage, error) {
	if sealer := s.opts.Secrets; sealer != nil {
		var err error
		if g.APIKey, err = sealer.Seal(g.APIKey); err != nil {
			return nil, err
		}
		if g.Password, err = sealer.Seal(g.Password); err != nil {
			return nil, err
		}
	}
	return json.Marshal(g)
}

// decodeGlobal merges a stored record over the defaults and opens sealed
// secrets. A secret that cannot be opened is dropped with a warning.
func (s *Store) decodeGlobal(raw json.RawMessage) models.GlobalSettings {
	g := settings.MergeGlobalDefaults(s.opts.GlobalDefaults, raw)
	for _, f := range []*string{&g.APIKey, &g.Password} {
		if !secret.IsSealed(*f) {
			continue
		}
		if s.opts.Secrets == nil {
			s.warn(&models.PersistenceError{Op: "open secret", Err: errors.New("sealed value but no " + secret.KeyEnv)})
			*f = ""
			continue
		}
		plain, err := s.opts.Secrets.Open(*f)
		if err != nil {
			s.warn(&models.PersistenceError{Op: "open secret", Err: err})
			plain = ""
		}
		*f = plain
	}
	return g
}

// UpdateSessionSetting sets one field of the active session. Once saveSession
// is off nothing more is written, so a reload returns the last saved snapshot.
func (s *Store) UpdateSessionSetting(key string, value any) error {
	s.mu.Lock()
	a := s.active
	if key == settings.KeyTitle && !settings.TitleEditable(a.ID) {
		s.mu.Unlock()
		return &models.ConfigError{Key: key, Value: value, Err: errors.New("default session has no title")}
	}
	applyErr := settings.ApplySession(&a.Settings, s.opts.SessionDefaults, key, value)
	s.commitLocked()
	id := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSession, SessionID: id})
	return applyErr
}

// CreateSession adds a session and switches to it. An empty id gets a fresh one.
func (s *Store) CreateSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = s.opts.NewID()
	}
	s.mu.Lock()
	if _, ok := s.index[id]; ok {
		s.mu.Unlock()
		return id, s.SwitchSession(ctx, id)
	}
	if s.active.ID != id {
		s.switchLocked(ctx, id)
	}
	s.commitLocked()
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeIndex, SessionID: id})
	s.notify(Change{Kind: ChangeActive, SessionID: id})
	return id, nil
}

// DeleteSession removes a session from storage and the index. Deleting the
// active session falls back to the default session. Deleting the default
// session resets it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.index[id]; !ok {
		s.mu.Unlock()
		return &models.NotFoundError{Kind: "session", ID: id}
	}
	s.writer.EnqueueRemove(id, s.nextSeq())
	delete(s.volatile, id)
	if id != models.DefaultSessionID {
		delete(s.index, id)
	}
	wasActive := s.active.ID == id
	if wasActive {
		if err := s.writer.Flush(ctx, id); err != nil {
			s.warn(&models.PersistenceError{Op: "flush", SessionID: id, Err: err})
		}
		if id == models.DefaultSessionID {
			s.active = s.newSession(id)
		} else {
			s.active = s.loadLocked(ctx, models.DefaultSessionID)
		}
	}
	active := s.active.ID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeIndex, SessionID: id})
	if wasActive {
		s.notify(Change{Kind: ChangeActive, SessionID: active})
	}
	return nil
}

// ClearMessages drops every normal message of the active session. Locked
// messages stay in order.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	a := s.active
	kept := make([]models.Message, 0, len(a.Messages))
	for _, m := range a.Messages {
		if m.Locked() {
			kept = append(kept, m)
		}
	}
	a.Messages = kept
	s.commitLocked()
	id := a.ID
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, SessionID: id})
}
