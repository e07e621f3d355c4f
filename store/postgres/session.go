package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Pavilion-devs/slack-agent/store"
)

const sessionColumns = `session_id, surface, external_user_id, channel_key, workspace_thread_key,
	state, assigned_agent, ai_disabled, escalated_at, claimed_at, closed_at,
	escalation_reason, history, pending_slots, created_by_surface, created_at, updated_at`

func scanSession(row *sql.Row) (*store.Session, error) {
	s := &store.Session{}
	var workspaceThreadKey sql.NullString
	var historyRaw, slotsRaw []byte

	err := row.Scan(
		&s.SessionID, &s.UserKey.Surface, &s.UserKey.ExternalUserID, &s.ChannelKey, &workspaceThreadKey,
		&s.State, &s.AssignedAgent, &s.AIDisabled, &s.EscalatedAt, &s.ClaimedAt, &s.ClosedAt,
		&s.EscalationReason, &historyRaw, &slotsRaw, &s.CreatedBySurface, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan session row")
	}
	s.WorkspaceThreadKey = workspaceThreadKey.String

	s.History, err = unmarshalHistory(historyRaw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal history")
	}
	s.PendingSlots, err = unmarshalSlots(slotsRaw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal pending_slots")
	}
	return s, nil
}

// FindOrCreateActive relies on the partial unique index from Migrate: the
// INSERT races concurrent callers, and the loser falls through to the SELECT
// of the winner's row — this is the real correctness boundary for invariant
// P1, not the in-process singleflight in store.Store.
func (d *DB) FindOrCreateActive(ctx context.Context, userKey store.UserKey, channelKey string, surface store.Surface) (*store.Session, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE surface = $1 AND external_user_id = $2
		AND state IN ('active_ai', 'escalated_unclaimed', 'escalated_claimed')`,
		userKey.Surface, userKey.ExternalUserID)
	if s, err := scanSession(row); err == nil {
		return s, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sessionID := uuid.NewString()
	emptyJSON := []byte(`[]`)
	row = d.db.QueryRowContext(ctx, `INSERT INTO sessions
		(session_id, surface, external_user_id, channel_key, state, history, pending_slots, created_by_surface)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (surface, external_user_id) WHERE state IN ('active_ai', 'escalated_unclaimed', 'escalated_claimed')
		DO NOTHING
		RETURNING `+sessionColumns,
		sessionID, userKey.Surface, userKey.ExternalUserID, channelKey, store.StateActiveAI, emptyJSON, emptyJSON, surface)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// We lost the insert race; the winner's row now exists. Re-read it.
	row = d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE surface = $1 AND external_user_id = $2
		AND state IN ('active_ai', 'escalated_unclaimed', 'escalated_claimed')`,
		userKey.Surface, userKey.ExternalUserID)
	return scanSession(row)
}

func (d *DB) AppendMessage(ctx context.Context, sessionID string, msg store.Message) (*store.Session, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1 FOR UPDATE`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	s.History = append(s.History, msg)
	historyRaw, err := marshalHistory(s.History)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal history")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET history = $1, updated_at = now() WHERE session_id = $2`, historyRaw, sessionID); err != nil {
		return nil, errors.Wrap(err, "failed to append message")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit append")
	}
	return s, nil
}

// Transition performs the CAS described in spec.md §4.1: the UPDATE's WHERE
// clause pins the current state to `from`; zero rows affected means someone
// else moved the session first, surfaced as ErrStale.
func (d *DB) Transition(ctx context.Context, sessionID string, from, to store.State, fields store.TransitionFields) (*store.Session, error) {
	row := d.db.QueryRowContext(ctx, `UPDATE sessions SET
			state = $1,
			ai_disabled = $2,
			assigned_agent = CASE WHEN $3 <> '' THEN $3 ELSE assigned_agent END,
			workspace_thread_key = CASE WHEN $4 <> '' THEN $4 ELSE workspace_thread_key END,
			escalation_reason = CASE WHEN $5 <> '' THEN $5 ELSE escalation_reason END,
			escalated_at = COALESCE(to_timestamp($6), escalated_at),
			claimed_at = COALESCE(to_timestamp($7), claimed_at),
			closed_at = COALESCE(to_timestamp($8), closed_at),
			updated_at = now()
		WHERE session_id = $9 AND state = $10
		RETURNING `+sessionColumns,
		to, to.AIDisabled(), fields.AssignedAgent, fields.WorkspaceThreadKey, fields.EscalationReason,
		nullableInt64(fields.EscalatedAt), nullableInt64(fields.ClaimedAt), nullableInt64(fields.ClosedAt),
		sessionID, from,
	)
	s, err := scanSession(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrStale
	}
	return s, err
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (d *DB) SetPendingSlots(ctx context.Context, sessionID string, offers []store.SlotOffer) error {
	raw, err := marshalSlots(offers)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pending slots")
	}
	res, err := d.db.ExecContext(ctx, `UPDATE sessions SET pending_slots = $1, updated_at = now() WHERE session_id = $2`, raw, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to set pending slots")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) ClearPendingSlots(ctx context.Context, sessionID string) error {
	return d.SetPendingSlots(ctx, sessionID, nil)
}

func (d *DB) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	return scanSession(row)
}

func (d *DB) GetByWorkspaceThread(ctx context.Context, workspaceThreadKey string) (*store.Session, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE workspace_thread_key = $1`, workspaceThreadKey)
	return scanSession(row)
}

func (d *DB) ListAbandonedUnclaimed(ctx context.Context, cutoffUnixSeconds int64) ([]*store.Session, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state = $1 AND escalated_at < to_timestamp($2)`, store.StateEscalatedUnclaimed, cutoffUnixSeconds)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list abandoned unclaimed sessions")
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		s := &store.Session{}
		var workspaceThreadKey sql.NullString
		var historyRaw, slotsRaw []byte
		if err := rows.Scan(
			&s.SessionID, &s.UserKey.Surface, &s.UserKey.ExternalUserID, &s.ChannelKey, &workspaceThreadKey,
			&s.State, &s.AssignedAgent, &s.AIDisabled, &s.EscalatedAt, &s.ClaimedAt, &s.ClosedAt,
			&s.EscalationReason, &historyRaw, &slotsRaw, &s.CreatedBySurface, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan abandoned session")
		}
		s.WorkspaceThreadKey = workspaceThreadKey.String
		s.History, _ = unmarshalHistory(historyRaw)
		s.PendingSlots, _ = unmarshalSlots(slotsRaw)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) Stats(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	row := d.db.QueryRowContext(ctx, `SELECT
		count(*) FILTER (WHERE state = 'active_ai'),
		count(*) FILTER (WHERE state = 'escalated_unclaimed'),
		count(*) FILTER (WHERE state = 'escalated_claimed'),
		count(*) FILTER (WHERE state = 'closed')
		FROM sessions`)
	if err := row.Scan(&c.ActiveAI, &c.EscalatedUnclaimed, &c.EscalatedClaimed, &c.Closed); err != nil {
		return store.Counts{}, errors.Wrap(err, "failed to gather session stats")
	}
	return c, nil
}

var _ store.Driver = (*DB)(nil)
