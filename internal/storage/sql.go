package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatstate/internal/models"
)

const globalSettingsName = "global"

// SQL stores one row per session holding its full JSON snapshot.
type SQL struct {
	db     *sql.DB
	driver string
}

func NewSQL(db *sql.DB, driver string) *SQL {
	return &SQL{db: db, driver: strings.ToLower(driver)}
}

func (s *SQL) isMySQL() bool {
	return s.driver == "mysql"
}

// Load returns the stored snapshot of one session.
func (s *SQL) Load(ctx context.Context, id string) (*models.StoredSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM chat_sessions WHERE id = ?`, id,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeSnapshot([]byte(data))
}

// Save upserts the snapshot in a single statement. A row with a higher seq wins.
func (s *SQL) Save(ctx context.Context, session *models.StoredSession) error {
	data, err := encodeSnapshot(session)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	stmt := `INSERT INTO chat_sessions (id, seq, snapshot, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, snapshot = excluded.snapshot, updated_at = excluded.updated_at
		WHERE excluded.seq >= chat_sessions.seq`
	if s.isMySQL() {
		// Assignments run left to right, so seq must be updated last.
		stmt = `INSERT INTO chat_sessions (id, seq, snapshot, updated_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				snapshot = IF(VALUES(seq) >= seq, VALUES(snapshot), snapshot),
				updated_at = IF(VALUES(seq) >= seq, VALUES(updated_at), updated_at),
				seq = GREATEST(seq, VALUES(seq))`
	}
	if _, err := s.db.ExecContext(ctx, stmt, session.ID, session.Seq, string(data), now); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// Remove deletes a session. Removing an absent session succeeds.
func (s *SQL) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListIDs returns session ids ordered by last update.
func (s *SQL) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chat_sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQL) LoadGlobal(ctx context.Context) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM global_settings WHERE name = ?`, globalSettingsName,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load global settings: %w", err)
	}
	return json.RawMessage(value), nil
}

func (s *SQL) SaveGlobal(ctx context.Context, raw json.RawMessage) error {
	stmt := `INSERT INTO global_settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if s.isMySQL() {
		stmt = `INSERT INTO global_settings (name, value, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
	}
	if _, err := s.db.ExecContext(ctx, stmt, globalSettingsName, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("save global settings: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
