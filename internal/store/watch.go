package store

import (
	"context"
	"errors"
	"time"

	"chatstate/internal/models"
	"chatstate/internal/storage"
)

const reloadTimeout = 5 * time.Second

// watch follows changes other instances make to a shared backend.
func (s *Store) watch() {
	w, ok := s.backend.(storage.Watcher)
	if !ok {
		return
	}
	wctx, cancel := context.WithCancel(context.Background())
	if err := w.Watch(wctx, s.applyInvalidation); err != nil {
		cancel()
		s.warn(&models.PersistenceError{Op: "watch", Err: err})
		return
	}
	s.mu.Lock()
	s.stopWatch = cancel
	s.mu.Unlock()
}

// applyInvalidation reloads whatever another instance changed. Records with
// local writes still queued are left alone; the local write wins by seq.
func (s *Store) applyInvalidation(inv storage.Invalidation) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	switch inv.Scope {
	case storage.ScopeGlobal:
		if s.writer.Pending(globalKey) {
			return
		}
		raw, err := s.backend.LoadGlobal(ctx)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.warn(&models.PersistenceError{Op: "load global", Err: err})
			}
			return
		}
		g := s.decodeGlobal(raw)
		s.mu.Lock()
		s.global = g
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeGlobal})

	case storage.ScopeSession:
		id := inv.SessionID
		if id == "" {
			return
		}
		s.mu.Lock()
		_, known := s.index[id]
		s.index[id] = struct{}{}
		reloaded := false
		if s.active.ID == id && !s.writer.Pending(id) {
			stored, err := s.backend.Load(ctx, id)
			switch {
			case err == nil && stored.Seq > s.active.Seq:
				s.observeSeq(stored.Seq)
				s.active = s.fromStored(stored)
				reloaded = true
			case err != nil && !errors.Is(err, storage.ErrNotFound):
				s.warn(&models.PersistenceError{Op: "load", SessionID: id, Err: err})
			}
		}
		s.mu.Unlock()
		if !known {
			s.notify(Change{Kind: ChangeIndex, SessionID: id})
		}
		if reloaded {
			s.notify(Change{Kind: ChangeActive, SessionID: id})
		}

	case storage.ScopeRemoved:
		id := inv.SessionID
		s.mu.Lock()
		if _, ok := s.index[id]; !ok && id != models.DefaultSessionID {
			s.mu.Unlock()
			return
		}
		delete(s.volatile, id)
		if id != models.DefaultSessionID {
			delete(s.index, id)
		}
		wasActive := s.active.ID == id
		if wasActive {
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
	}
}
