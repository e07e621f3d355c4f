package sqlite

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Pavilion-devs/slack-agent/store"
)

func (d *DB) FindOrCreateActive(ctx context.Context, userKey store.UserKey, channelKey string, surface store.Surface) (*store.Session, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE surface = ? AND external_user_id = ?
		AND state IN ('active_ai', 'escalated_unclaimed', 'escalated_claimed')`,
		userKey.Surface, userKey.ExternalUserID)
	if s, err := scanSession(row); err == nil {
		return s, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := timeNowUnix()
	_, err := d.db.ExecContext(ctx, `INSERT INTO sessions
		(session_id, surface, external_user_id, channel_key, state, history, pending_slots, created_by_surface, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, '[]', '[]', ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM sessions WHERE surface = ? AND external_user_id = ?
			AND state IN ('active_ai', 'escalated_unclaimed', 'escalated_claimed')
		)`,
		uuid.NewString(), userKey.Surface, userKey.ExternalUserID, channelKey, store.StateActiveAI, surface, now, now,
		userKey.Surface, userKey.ExternalUserID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert session")
	}

	row = d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE surface = ? AND external_user_id = ?
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

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	s.History = append(s.History, msg)
	historyRaw, err := json.Marshal(s.History)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal history")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET history = ?, updated_at = ? WHERE session_id = ?`, historyRaw, timeNowUnix(), sessionID); err != nil {
		return nil, errors.Wrap(err, "failed to append message")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit append")
	}
	return s, nil
}

func (d *DB) Transition(ctx context.Context, sessionID string, from, to store.State, fields store.TransitionFields) (*store.Session, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET
			state = ?,
			ai_disabled = ?,
			assigned_agent = CASE WHEN ? <> '' THEN ? ELSE assigned_agent END,
			workspace_thread_key = CASE WHEN ? <> '' THEN ? ELSE workspace_thread_key END,
			escalation_reason = CASE WHEN ? <> '' THEN ? ELSE escalation_reason END,
			escalated_at = COALESCE(?, escalated_at),
			claimed_at = COALESCE(?, claimed_at),
			closed_at = COALESCE(?, closed_at),
			updated_at = ?
		WHERE session_id = ? AND state = ?`,
		to, to.AIDisabled(),
		fields.AssignedAgent, fields.AssignedAgent,
		fields.WorkspaceThreadKey, fields.WorkspaceThreadKey,
		fields.EscalationReason, fields.EscalationReason,
		fields.EscalatedAt, fields.ClaimedAt, fields.ClosedAt,
		timeNowUnix(), sessionID, from,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to transition session")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, store.ErrStale
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transition")
	}
	return s, nil
}

func (d *DB) SetPendingSlots(ctx context.Context, sessionID string, offers []store.SlotOffer) error {
	raw, err := json.Marshal(offers)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pending slots")
	}
	res, err := d.db.ExecContext(ctx, `UPDATE sessions SET pending_slots = ?, updated_at = ? WHERE session_id = ?`, raw, timeNowUnix(), sessionID)
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
	row := d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

func (d *DB) GetByWorkspaceThread(ctx context.Context, workspaceThreadKey string) (*store.Session, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE workspace_thread_key = ?`, workspaceThreadKey)
	return scanSession(row)
}

func (d *DB) ListAbandonedUnclaimed(ctx context.Context, cutoffUnixSeconds int64) ([]*store.Session, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT session_id FROM sessions
		WHERE state = ? AND escalated_at < ?`, store.StateEscalatedUnclaimed, cutoffUnixSeconds)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list abandoned unclaimed sessions")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan abandoned session id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*store.Session, 0, len(ids))
	for _, id := range ids {
		s, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
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
