package store

import "context"

// TransitionFields carries the fields a Transition call may set alongside
// the state change (assigned agent on claim, timestamps, escalation reason).
type TransitionFields struct {
	AssignedAgent      string
	WorkspaceThreadKey string
	EscalationReason   string
	EscalatedAt        *int64 // unix seconds; nil leaves the column untouched
	ClaimedAt          *int64
	ClosedAt           *int64
}

// Driver is implemented once per backing store (postgres, sqlite). Store
// wraps a Driver and adds the in-process race-collapsing documented on
// FindOrCreateActive; Driver itself only needs to provide the CAS primitive
// and plain reads/writes.
type Driver interface {
	// FindOrCreateActive returns the unique active session for userKey, or
	// creates one in StateActiveAI. The driver is responsible for invariant
	// P1 under concurrent callers (e.g. a unique partial index on
	// (user_key) WHERE state IN ('active_ai','escalated_unclaimed','escalated_claimed')).
	FindOrCreateActive(ctx context.Context, userKey UserKey, channelKey string, surface Surface) (*Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg Message) (*Session, error)

	// Transition performs a compare-and-set on State. If the session's
	// current state is not from, it returns ErrStale.
	Transition(ctx context.Context, sessionID string, from, to State, fields TransitionFields) (*Session, error)

	SetPendingSlots(ctx context.Context, sessionID string, offers []SlotOffer) error
	ClearPendingSlots(ctx context.Context, sessionID string) error

	Get(ctx context.Context, sessionID string) (*Session, error)
	GetByWorkspaceThread(ctx context.Context, workspaceThreadKey string) (*Session, error)

	// ListAbandonedUnclaimed returns Escalated-Unclaimed sessions whose
	// EscalatedAt predates the cutoff; used only by the optional cronsweep
	// timeout policy (spec.md §9).
	ListAbandonedUnclaimed(ctx context.Context, cutoffUnixSeconds int64) ([]*Session, error)

	Stats(ctx context.Context) (Counts, error)

	Close() error
}
