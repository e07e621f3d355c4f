package store

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Store is the facade every other component depends on for C1. It wraps a
// Driver and adds an in-process singleflight group so that a burst of
// concurrent first-messages from the same user collapses into one driver
// call before ever reaching the CAS layer — a latency optimization only; the
// driver's own CAS/unique-index is what actually guarantees invariant P1.
type Store struct {
	driver Driver
	group  singleflight.Group
}

// New wraps driver in a Store.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// classifyErr maps a driver-level failure onto the sentinels callers branch
// on. ErrNotFound and ErrStale are expected, meaningful outcomes, passed
// through unchanged; anything else is an unrecognized driver failure,
// surfaced as ErrUnavailable so callers treat it as spec.md §7's
// StoreUnavailable kind rather than a bare, unclassified error.
func classifyErr(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// FindOrCreateActive implements C1's find_or_create_active.
func (s *Store) FindOrCreateActive(ctx context.Context, userKey UserKey, channelKey string, surface Surface) (*Session, error) {
	key := fmt.Sprintf("%s:%s", userKey.Surface, userKey.ExternalUserID)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.driver.FindOrCreateActive(ctx, userKey, channelKey, surface)
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	return v.(*Session), nil
}

// AppendMessage implements C1's append_message.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg Message) (*Session, error) {
	session, err := s.driver.AppendMessage(ctx, sessionID, msg)
	return session, classifyErr(err)
}

// Transition implements C1's transition (CAS on State).
func (s *Store) Transition(ctx context.Context, sessionID string, from, to State, fields TransitionFields) (*Session, error) {
	session, err := s.driver.Transition(ctx, sessionID, from, to, fields)
	return session, classifyErr(err)
}

func (s *Store) SetPendingSlots(ctx context.Context, sessionID string, offers []SlotOffer) error {
	return classifyErr(s.driver.SetPendingSlots(ctx, sessionID, offers))
}

func (s *Store) ClearPendingSlots(ctx context.Context, sessionID string) error {
	return classifyErr(s.driver.ClearPendingSlots(ctx, sessionID))
}

func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.driver.Get(ctx, sessionID)
	return session, classifyErr(err)
}

func (s *Store) GetByWorkspaceThread(ctx context.Context, workspaceThreadKey string) (*Session, error) {
	session, err := s.driver.GetByWorkspaceThread(ctx, workspaceThreadKey)
	return session, classifyErr(err)
}

func (s *Store) ListAbandonedUnclaimed(ctx context.Context, cutoffUnixSeconds int64) ([]*Session, error) {
	sessions, err := s.driver.ListAbandonedUnclaimed(ctx, cutoffUnixSeconds)
	return sessions, classifyErr(err)
}

func (s *Store) Stats(ctx context.Context) (Counts, error) {
	counts, err := s.driver.Stats(ctx)
	return counts, classifyErr(err)
}
