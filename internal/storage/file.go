package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"chatstate/internal/models"
)

const (
	sessionFileExt = ".json"
	globalFileName = "global.settings"
)

// File stores one JSON document per session under a directory.
type File struct {
	dir string
	// mu orders the read-compare-write of Save.
	mu sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(id string) string {
	return filepath.Join(f.dir, url.PathEscape(id)+sessionFileExt)
}

func (f *File) Load(_ context.Context, id string) (*models.StoredSession, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeSnapshot(data)
}

func (f *File) Save(_ context.Context, s *models.StoredSession) error {
	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, err := os.ReadFile(f.path(s.ID)); err == nil {
		if prev, err := decodeSnapshot(cur); err == nil && prev.Seq > s.Seq {
			return nil
		}
	}
	if err := atomicWriteFile(f.path(s.ID), data, 0o600); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (f *File) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (f *File) ListIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, sessionFileExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *File) LoadGlobal(_ context.Context) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, globalFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load global settings: %w", err)
	}
	return json.RawMessage(data), nil
}

func (f *File) SaveGlobal(_ context.Context, raw json.RawMessage) error {
	if err := atomicWriteFile(filepath.Join(f.dir, globalFileName), raw, 0o600); err != nil {
		return fmt.Errorf("save global settings: %w", err)
	}
	return nil
}

func (f *File) Close() error { return nil }

// atomicWriteFile writes to a temp file in the same directory, syncs it and
// renames it over path, so readers see either the old or the new document.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}
