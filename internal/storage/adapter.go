package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"chatstate/internal/config"
	"chatstate/internal/models"
	"chatstate/internal/redis"
)

// ErrNotFound is returned by Load and LoadGlobal when nothing is stored.
var ErrNotFound = errors.New("not found")

// Adapter persists whole session snapshots. Save writes the full state in one
// atomic step and ignores a snapshot older than the stored one.
type Adapter interface {
	Load(ctx context.Context, id string) (*models.StoredSession, error)
	Save(ctx context.Context, s *models.StoredSession) error
	Remove(ctx context.Context, id string) error
	ListIDs(ctx context.Context) ([]string, error)
}

// GlobalStore persists the single global settings object.
type GlobalStore interface {
	LoadGlobal(ctx context.Context) (json.RawMessage, error)
	SaveGlobal(ctx context.Context, raw json.RawMessage) error
}

// Backend is a complete persistence implementation.
type Backend interface {
	Adapter
	GlobalStore
	Close() error
}

// New opens the backend selected by basic_config.persistence_driver.
func New(cfg *config.Config) (Backend, error) {
	driver := strings.ToLower(cfg.BasicConfig.PersistenceDriver)
	switch driver {
	case "sqlite", "sqlite3", "mysql":
		db, err := Open(driver, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQL(db, driver), nil
	case "redis":
		client, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return NewRedis(client, cfg.Redis.KeyPrefix), nil
	case "file":
		return NewFile(filepath.Join(cfg.BasicConfig.DataDir, "sessions"))
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported persistence driver: %s", driver)
	}
}

func encodeSnapshot(s *models.StoredSession) ([]byte, error) {
	if s == nil || s.ID == "" {
		return nil, errors.New("session id is required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*models.StoredSession, error) {
	var s models.StoredSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
