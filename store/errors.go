package store

import "errors"

// ErrStale is returned by Transition when the session's current state does
// not match the expected from-state — the CAS failed because someone else
// moved it first. Used directly by the claim race (spec.md invariant 5).
var ErrStale = errors.New("store: session state is stale, transition rejected")

// ErrNotFound is returned by Get/GetByWorkspaceThread when no matching
// session exists.
var ErrNotFound = errors.New("store: session not found")

// ErrUnavailable wraps a driver-level failure that should surface to callers
// as the fatal-for-the-turn StoreUnavailable error kind (spec.md §7).
var ErrUnavailable = errors.New("store: backing store unavailable")
