// Package sqlite is the dev/test store.Driver, backed by the pure-Go
// modernc.org/sqlite driver. It mirrors store/postgres column-for-column but
// swaps JSONB/TIMESTAMPTZ for TEXT/INTEGER columns since sqlite has neither.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/Pavilion-devs/slack-agent/store"
)

// DB is the sqlite-backed store.Driver. The connection pool is pinned to a
// single connection: sqlite serializes writers anyway, and pinning avoids
// "database is locked" errors under modernc.org/sqlite's default journal mode
// without reaching for WAL configuration this dev backend doesn't need.
type DB struct {
	db *sql.DB
}

func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	sqlDB.SetMaxOpenConns(1)
	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			surface TEXT NOT NULL,
			external_user_id TEXT NOT NULL,
			channel_key TEXT NOT NULL,
			workspace_thread_key TEXT,
			state TEXT NOT NULL,
			assigned_agent TEXT NOT NULL DEFAULT '',
			ai_disabled INTEGER NOT NULL DEFAULT 0,
			escalated_at INTEGER,
			claimed_at INTEGER,
			closed_at INTEGER,
			escalation_reason TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			pending_slots TEXT NOT NULL DEFAULT '[]',
			created_by_surface TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_user_key_uidx
			ON sessions (surface, external_user_id)
			WHERE state IN ('active_ai', 'escalated_unclaimed', 'escalated_claimed')`,
		`CREATE INDEX IF NOT EXISTS sessions_workspace_thread_idx ON sessions (workspace_thread_key)`,
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			embedding TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration statement")
		}
	}
	return nil
}

const sessionColumns = `session_id, surface, external_user_id, channel_key, workspace_thread_key,
	state, assigned_agent, ai_disabled, escalated_at, claimed_at, closed_at,
	escalation_reason, history, pending_slots, created_by_surface, created_at, updated_at`

func unixToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func timeNowUnix() int64 {
	return time.Now().Unix()
}

func scanSession(row *sql.Row) (*store.Session, error) {
	s := &store.Session{}
	var workspaceThreadKey sql.NullString
	var escalatedAt, claimedAt, closedAt sql.NullInt64
	var historyRaw, slotsRaw string
	var createdAt, updatedAt int64

	err := row.Scan(
		&s.SessionID, &s.UserKey.Surface, &s.UserKey.ExternalUserID, &s.ChannelKey, &workspaceThreadKey,
		&s.State, &s.AssignedAgent, &s.AIDisabled, &escalatedAt, &claimedAt, &closedAt,
		&s.EscalationReason, &historyRaw, &slotsRaw, &s.CreatedBySurface, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan session row")
	}
	s.WorkspaceThreadKey = workspaceThreadKey.String
	s.EscalatedAt = unixToTimePtr(escalatedAt)
	s.ClaimedAt = unixToTimePtr(claimedAt)
	s.ClosedAt = unixToTimePtr(closedAt)
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if err := json.Unmarshal([]byte(historyRaw), &s.History); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal history")
	}
	if err := json.Unmarshal([]byte(slotsRaw), &s.PendingSlots); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal pending_slots")
	}
	return s, nil
}

