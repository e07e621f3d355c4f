// Package postgres is the production store.Driver, backed by lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Pavilion-devs/slack-agent/store"
)

// DB is the postgres-backed store.Driver.
type DB struct {
	db *sql.DB
}

// NewDB opens a connection pool against dsn. It neither pings the server nor
// checks the schema; Migrate creates the schema.
func NewDB(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the sessions table and its supporting indexes/extension if
// they do not already exist. Idempotent; safe to call on every boot like the
// teacher's store.Migrate.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			surface TEXT NOT NULL,
			external_user_id TEXT NOT NULL,
			channel_key TEXT NOT NULL,
			workspace_thread_key TEXT,
			state TEXT NOT NULL,
			assigned_agent TEXT NOT NULL DEFAULT '',
			ai_disabled BOOLEAN NOT NULL DEFAULT FALSE,
			escalated_at TIMESTAMPTZ,
			claimed_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			escalation_reason TEXT NOT NULL DEFAULT '',
			history JSONB NOT NULL DEFAULT '[]',
			pending_slots JSONB NOT NULL DEFAULT '[]',
			created_by_surface TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// Invariant 1: at most one active session per user_key.
		`CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_user_key_uidx
			ON sessions (surface, external_user_id)
			WHERE state IN ('active_ai', 'escalated_unclaimed', 'escalated_claimed')`,
		`CREATE INDEX IF NOT EXISTS sessions_workspace_thread_idx ON sessions (workspace_thread_key)`,
		`CREATE TABLE IF NOT EXISTS turn_embeddings (
			session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			turn_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(1536) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, turn_index)
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			embedding vector(1536) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_embedding_idx
			ON knowledge_chunks USING ivfflat (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration statement")
		}
	}
	return nil
}

// marshalHistory/unmarshalHistory and marshalSlots/unmarshalSlots are the
// JSONB marshal/unmarshal helpers used
// by session.go; history is append-only so every write re-marshals the full
// slice (acceptable at the conversation sizes this system handles).
func marshalHistory(msgs []store.Message) ([]byte, error) {
	return json.Marshal(msgs)
}

func unmarshalHistory(b []byte) ([]store.Message, error) {
	var msgs []store.Message
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func marshalSlots(offers []store.SlotOffer) ([]byte, error) {
	return json.Marshal(offers)
}

func unmarshalSlots(b []byte) ([]store.SlotOffer, error) {
	var offers []store.SlotOffer
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}
