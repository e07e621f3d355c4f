// Package memdriver is an in-process store.Driver used by component tests
// that exercise the CAS/invariant machinery without a real database —
// mirroring the teacher's mock-store testing convention.
package memdriver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pavilion-devs/slack-agent/store"
)

// Driver is a mutex-guarded in-memory implementation of store.Driver. The
// mutex is the correctness boundary: it serializes Transition exactly the
// way a real driver's `UPDATE ... WHERE state = $from` does.
type Driver struct {
	mu             sync.Mutex
	byID           map[string]*store.Session
	byWorkspace    map[string]string // workspace_thread_key -> session_id
	byUser         map[string]string // user_key -> session_id, only while active
	claimRacesLost int64
}

func New() *Driver {
	return &Driver{
		byID:        make(map[string]*store.Session),
		byWorkspace: make(map[string]string),
		byUser:      make(map[string]string),
	}
}

func userKeyString(k store.UserKey) string {
	return string(k.Surface) + "\x00" + k.ExternalUserID
}

func (d *Driver) FindOrCreateActive(_ context.Context, userKey store.UserKey, channelKey string, surface store.Surface) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	uk := userKeyString(userKey)
	if sid, ok := d.byUser[uk]; ok {
		if s, ok := d.byID[sid]; ok && s.State.IsActive() {
			return cloneSession(s), nil
		}
		delete(d.byUser, uk)
	}

	now := time.Now()
	s := &store.Session{
		SessionID:        uuid.NewString(),
		UserKey:          userKey,
		ChannelKey:       channelKey,
		State:            store.StateActiveAI,
		History:          nil,
		PendingSlots:     nil,
		CreatedAt:        now,
		UpdatedAt:        now,
		CreatedBySurface: surface,
	}
	d.byID[s.SessionID] = s
	d.byUser[uk] = s.SessionID
	return cloneSession(s), nil
}

func (d *Driver) AppendMessage(_ context.Context, sessionID string, msg store.Message) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.byID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.History = append(s.History, msg)
	s.UpdatedAt = time.Now()
	return cloneSession(s), nil
}

func (d *Driver) Transition(_ context.Context, sessionID string, from, to store.State, fields store.TransitionFields) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.byID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.State != from {
		d.claimRacesLost++
		return nil, store.ErrStale
	}

	s.State = to
	s.AIDisabled = to.AIDisabled()
	if fields.AssignedAgent != "" {
		s.AssignedAgent = fields.AssignedAgent
	}
	if fields.WorkspaceThreadKey != "" {
		s.WorkspaceThreadKey = fields.WorkspaceThreadKey
		d.byWorkspace[fields.WorkspaceThreadKey] = sessionID
	}
	if fields.EscalationReason != "" {
		s.EscalationReason = fields.EscalationReason
	}
	if fields.EscalatedAt != nil {
		t := time.Unix(*fields.EscalatedAt, 0)
		s.EscalatedAt = &t
	}
	if fields.ClaimedAt != nil {
		t := time.Unix(*fields.ClaimedAt, 0)
		s.ClaimedAt = &t
	}
	if fields.ClosedAt != nil {
		t := time.Unix(*fields.ClosedAt, 0)
		s.ClosedAt = &t
	}
	s.UpdatedAt = time.Now()

	if !to.IsActive() {
		uk := userKeyString(s.UserKey)
		if d.byUser[uk] == sessionID {
			delete(d.byUser, uk)
		}
	}

	return cloneSession(s), nil
}

func (d *Driver) SetPendingSlots(_ context.Context, sessionID string, offers []store.SlotOffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byID[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.PendingSlots = append([]store.SlotOffer(nil), offers...)
	s.UpdatedAt = time.Now()
	return nil
}

func (d *Driver) ClearPendingSlots(ctx context.Context, sessionID string) error {
	return d.SetPendingSlots(ctx, sessionID, nil)
}

func (d *Driver) Get(_ context.Context, sessionID string) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(s), nil
}

func (d *Driver) GetByWorkspaceThread(_ context.Context, workspaceThreadKey string) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sid, ok := d.byWorkspace[workspaceThreadKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(d.byID[sid]), nil
}

func (d *Driver) ListAbandonedUnclaimed(_ context.Context, cutoffUnixSeconds int64) ([]*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Unix(cutoffUnixSeconds, 0)
	var out []*store.Session
	for _, s := range d.byID {
		if s.State == store.StateEscalatedUnclaimed && s.EscalatedAt != nil && s.EscalatedAt.Before(cutoff) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (d *Driver) Stats(_ context.Context) (store.Counts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var c store.Counts
	c.ClaimRacesLost = d.claimRacesLost
	for _, s := range d.byID {
		switch s.State {
		case store.StateActiveAI:
			c.ActiveAI++
		case store.StateEscalatedUnclaimed:
			c.EscalatedUnclaimed++
		case store.StateEscalatedClaimed:
			c.EscalatedClaimed++
		case store.StateClosed:
			c.Closed++
		}
	}
	return c, nil
}

func (d *Driver) Close() error { return nil }

func cloneSession(s *store.Session) *store.Session {
	cp := *s
	cp.History = append([]store.Message(nil), s.History...)
	cp.PendingSlots = append([]store.SlotOffer(nil), s.PendingSlots...)
	return &cp
}
