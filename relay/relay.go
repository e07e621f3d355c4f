// Package relay implements the Relay Hub (C8): the bidirectional bridge
// between user surfaces and the agent workspace. It holds no state of its
// own — every decision consults the Session Store (C1) fresh.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/surface"
	"github.com/Pavilion-devs/slack-agent/workspace"
)

// storeUnavailableMessage is the mandated reply for spec.md §7's
// StoreUnavailable error kind.
const storeUnavailableMessage = "I'm having trouble right now, please retry."

// TurnHandler is the Orchestrator's inbound entry point. Relay depends only
// on this narrow interface rather than on the orchestrator package; the
// ai_disabled check happens in Relay, and the Orchestrator never calls back
// into it.
type TurnHandler interface {
	HandleMessage(ctx context.Context, session *store.Session, text string) error
}

// Hub wires the Session Store, the outbound user-surface registry, and the
// agent-workspace adapter together.
type Hub struct {
	store     *store.Store
	senders   *surface.Registry
	workspace workspace.Adapter
	inbox     workspace.Inbox
	turns     TurnHandler
	clock     func() time.Time

	workspaceRetry retry.Policy

	// inFlight holds the cancel func of the turn currently generating for a
	// session, so a new message for that session can supersede it (spec.md
	// §5's cancellation rule). Swapped atomically under mu.
	mu       sync.Mutex
	inFlight map[string]*turnToken
}

// turnToken identifies one HandleMessage call so finish() can tell whether
// it is still the current entry for its session before clearing it —
// cancel funcs aren't comparable, so identity is tracked through the
// token's pointer instead.
type turnToken struct {
	cancel context.CancelFunc
}

// Config bundles Hub's dependencies.
type Config struct {
	Store          *store.Store
	Senders        *surface.Registry
	Workspace      workspace.Adapter
	Inbox          workspace.Inbox
	Turns          TurnHandler
	WorkspaceRetry retry.Policy
}

func New(cfg Config) *Hub {
	return &Hub{
		store:          cfg.Store,
		senders:        cfg.Senders,
		workspace:      cfg.Workspace,
		inbox:          cfg.Inbox,
		turns:          cfg.Turns,
		clock:          time.Now,
		workspaceRetry: cfg.WorkspaceRetry,
		inFlight:       make(map[string]*turnToken),
	}
}

// beginTurn cancels any turn still in flight for sessionID and registers a
// fresh cancellable context for the new one. The returned finish func must
// run when the turn completes; it clears the registry entry only if no
// later turn has already replaced it.
func (h *Hub) beginTurn(ctx context.Context, sessionID string) (context.Context, func()) {
	turnCtx, cancel := context.WithCancel(ctx)
	token := &turnToken{cancel: cancel}

	h.mu.Lock()
	if prev, ok := h.inFlight[sessionID]; ok {
		prev.cancel()
	}
	h.inFlight[sessionID] = token
	h.mu.Unlock()

	return turnCtx, func() {
		h.mu.Lock()
		if h.inFlight[sessionID] == token {
			delete(h.inFlight, sessionID)
		}
		h.mu.Unlock()
		cancel()
	}
}

// notifyIfStoreUnavailable sends the mandated user-facing reply when err is
// (or wraps) store.ErrUnavailable, then returns err unchanged so the caller
// still propagates it to the HTTP layer.
func (h *Hub) notifyIfStoreUnavailable(ctx context.Context, session *store.Session, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		if sendErr := h.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, storeUnavailableMessage); sendErr != nil {
			slog.Warn("relay: failed to notify user of store unavailability", "session_id", session.SessionID, "error", sendErr)
		}
	}
	return err
}

// HandleUserEvent implements the "User → system" directional rules of
// spec.md §4.8.
func (h *Hub) HandleUserEvent(ctx context.Context, ev surface.Event) error {
	session, err := h.store.FindOrCreateActive(ctx, ev.UserKey, ev.ChannelKey, ev.UserKey.Surface)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			if sendErr := h.senders.SendText(ctx, ev.UserKey.Surface, ev.ChannelKey, storeUnavailableMessage); sendErr != nil {
				slog.Warn("relay: failed to notify user of store unavailability", "error", sendErr)
			}
		}
		return err
	}

	updated, err := h.store.AppendMessage(ctx, session.SessionID, store.Message{
		Role:    store.RoleUser,
		Content: ev.Text,
		At:      ev.At,
		Surface: ev.UserKey.Surface,
	})
	if err != nil {
		return h.notifyIfStoreUnavailable(ctx, session, err)
	}
	session = updated

	switch session.State {
	case store.StateActiveAI:
		// A new message for a session whose previous turn is still
		// generating cancels that turn (spec.md §5); its partial output
		// must not reach history.
		turnCtx, finish := h.beginTurn(ctx, session.SessionID)
		defer finish()
		return h.turns.HandleMessage(turnCtx, session, ev.Text)
	case store.StateEscalatedUnclaimed, store.StateEscalatedClaimed:
		if session.WorkspaceThreadKey == "" {
			return errors.New("relay: escalated session has no workspace thread")
		}
		return h.workspace.PostThreadMessage(ctx, workspace.ThreadKey(session.WorkspaceThreadKey), ev.Text, "User")
	case store.StateClosed:
		// FindOrCreateActive never returns a Closed session; defensive only.
		return nil
	default:
		return nil
	}
}

// HandleButtonCallback implements the Accept/Close button rules.
func (h *Hub) HandleButtonCallback(ctx context.Context, cb workspace.ButtonCallback) error {
	if err := h.inbox.Accept(ctx, cb.Thread, cb.EventID); err != nil {
		if errors.Is(err, workspace.ErrDuplicateEvent) {
			return nil
		}
		return err
	}

	session, err := h.store.GetByWorkspaceThread(ctx, string(cb.Thread))
	if err != nil {
		return err
	}

	switch cb.Action {
	case workspace.ActionAccept:
		return h.handleAccept(ctx, session, cb)
	case workspace.ActionClose:
		return h.handleClose(ctx, session, cb)
	default:
		return nil
	}
}

func (h *Hub) handleAccept(ctx context.Context, session *store.Session, cb workspace.ButtonCallback) error {
	now := h.clock().Unix()
	updated, err := h.store.Transition(ctx, session.SessionID, store.StateEscalatedUnclaimed, store.StateEscalatedClaimed, store.TransitionFields{
		AssignedAgent: cb.AgentID,
		ClaimedAt:     &now,
	})
	if errors.Is(err, store.ErrStale) {
		return h.workspace.PostThreadMessage(ctx, cb.Thread, "Already claimed by another agent.", "System")
	}
	if err != nil {
		return h.notifyIfStoreUnavailable(ctx, session, err)
	}

	if err := retry.Do(ctx, h.workspaceRetry, nil, func(ctx context.Context) error {
		return h.workspace.EditTicket(ctx, cb.Thread, "Claimed by "+cb.AgentID, []escalation.Action{escalation.ActionClose})
	}); err != nil {
		slog.Warn("relay: edit ticket after claim failed, retries exhausted", "error", err)
	}
	return h.senders.SendText(ctx, updated.CreatedBySurface, updated.ChannelKey, "A specialist has joined.")
}

func (h *Hub) handleClose(ctx context.Context, session *store.Session, cb workspace.ButtonCallback) error {
	if cb.AgentID != session.AssignedAgent {
		return nil
	}

	now := h.clock().Unix()
	updated, err := h.store.Transition(ctx, session.SessionID, store.StateEscalatedClaimed, store.StateClosed, store.TransitionFields{
		ClosedAt: &now,
	})
	if errors.Is(err, store.ErrStale) {
		return nil
	}
	if err != nil {
		return h.notifyIfStoreUnavailable(ctx, session, err)
	}

	if err := retry.Do(ctx, h.workspaceRetry, nil, func(ctx context.Context) error {
		return h.workspace.EditTicket(ctx, cb.Thread, "Closed", nil)
	}); err != nil {
		slog.Warn("relay: edit ticket after close failed, retries exhausted", "error", err)
	}
	return h.senders.SendText(ctx, updated.CreatedBySurface, updated.ChannelKey, "This conversation has been closed.")
}

// HandleThreadReply implements the agent-thread-reply rules.
func (h *Hub) HandleThreadReply(ctx context.Context, reply workspace.ThreadReply) error {
	if err := h.inbox.Accept(ctx, reply.Thread, reply.EventID); err != nil {
		if errors.Is(err, workspace.ErrDuplicateEvent) {
			return nil
		}
		return err
	}

	session, err := h.store.GetByWorkspaceThread(ctx, string(reply.Thread))
	if err != nil {
		return err
	}

	if session.State == store.StateClosed {
		slog.Info("relay: dropped reply on closed session", "session_id", session.SessionID, "agent_id", reply.AgentID)
		return nil
	}

	if reply.AgentID != session.AssignedAgent {
		// Not the claimant; not forwarded to the user. Recorded as an
		// internal note rather than silently discarded.
		return h.workspace.PostThreadMessage(ctx, reply.Thread, reply.Text, "Internal note ("+reply.AgentName+")")
	}

	updated, err := h.store.AppendMessage(ctx, session.SessionID, store.Message{
		Role:             store.RoleAgent,
		Content:          reply.Text,
		At:               h.clock(),
		Surface:          store.SurfaceWorkspace,
		AgentDisplayName: reply.AgentName,
	})
	if err != nil {
		return h.notifyIfStoreUnavailable(ctx, session, err)
	}
	session = updated

	return h.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, reply.Text)
}
