// Package workspace defines the Agent-Workspace Adapter contract (C7):
// posting tickets, editing them, relaying thread messages, and accepting
// inbound button callbacks and thread replies. Concrete transports (Slack,
// etc.) live in subpackages and satisfy Adapter.
package workspace

import (
	"context"
	"errors"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
)

// ThreadKey identifies a workspace conversation thread.
type ThreadKey string

// ButtonAction is an inbound button callback from the workspace.
type ButtonAction string

const (
	ActionAccept ButtonAction = "Accept"
	ActionClose  ButtonAction = "Close"
)

// Adapter is the outbound half of C7.
type Adapter interface {
	// PostTicket posts a new ticket, returning the thread key that
	// identifies it going forward.
	PostTicket(ctx context.Context, ticket escalation.Ticket) (ThreadKey, error)

	// EditTicket replaces an existing ticket's body and action set.
	EditTicket(ctx context.Context, thread ThreadKey, newBody string, newActions []escalation.Action) error

	// PostThreadMessage relays one message into an existing thread,
	// labeled with its originating role (e.g. "User", "AI").
	PostThreadMessage(ctx context.Context, thread ThreadKey, text, roleLabel string) error
}

// ButtonCallback is an inbound button-press event.
type ButtonCallback struct {
	Thread  ThreadKey
	AgentID string
	Action  ButtonAction
	EventID string
}

// ThreadReply is an inbound human-agent reply typed into the thread.
type ThreadReply struct {
	Thread    ThreadKey
	AgentID   string
	AgentName string
	Text      string
	EventID   string
}

// ErrDuplicateEvent is returned by an Inbox when an event with the same
// (thread, event_id) has already been processed — callers must treat this as
// a successful no-op, not a failure (spec.md §4.7 idempotency rule).
var ErrDuplicateEvent = errors.New("workspace: duplicate event")

// Inbox deduplicates inbound workspace events by (thread, event_id) before
// handing them to the Relay.
type Inbox interface {
	// Accept records (thread, eventID) as seen, returning ErrDuplicateEvent
	// if it was already recorded.
	Accept(ctx context.Context, thread ThreadKey, eventID string) error
}
