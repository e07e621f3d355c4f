// Package orchestrator implements the Orchestrator (C9): the per-message
// gate pipeline that turns a classified intent into a concrete action —
// de-escalation, booking, slot offers, a grounded answer, or escalation to a
// human. It never mutates state itself except through the Session Store and
// the components it orchestrates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/dispatch/intent"
	"github.com/Pavilion-devs/slack-agent/dispatch/retrieval"
	"github.com/Pavilion-devs/slack-agent/dispatch/scheduling"
	"github.com/Pavilion-devs/slack-agent/internal/calendar"
	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/metrics"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/surface"
	"github.com/Pavilion-devs/slack-agent/workspace"
)

// storeUnavailableMessage is the mandated reply for spec.md §7's
// StoreUnavailable error kind.
const storeUnavailableMessage = "I'm having trouble right now, please retry."

// workspaceUnavailableMessage is the mandated reply for spec.md §7's
// WorkspacePostFailed error kind once retries are exhausted.
const workspaceUnavailableMessage = "I couldn't reach a specialist right now; please try again shortly or email support@example.com."

// Orchestrator implements relay.TurnHandler for sessions in Active-AI.
// find_or_create_active / append_message / the ai_disabled check are
// performed by the Relay before this is ever invoked (spec.md §4.9 steps
// 1-3); HandleMessage begins at step 4, intent classification.
type Orchestrator struct {
	classifier *intent.Classifier
	retrieval  *retrieval.Answerer
	slots      *scheduling.SlotProvider
	booking    *scheduling.Executor
	tickets    *escalation.Builder
	workspace  workspace.Adapter
	senders    *surface.Registry
	store      *store.Store
	categories config.Categories
	thresholds config.Thresholds
	metrics    *metrics.Exporter
	clock      func() time.Time

	workspaceRetry retry.Policy
}

// Config bundles every dependency HandleMessage needs.
type Config struct {
	Classifier     *intent.Classifier
	Retrieval      *retrieval.Answerer
	Slots          *scheduling.SlotProvider
	Booking        *scheduling.Executor
	Tickets        *escalation.Builder
	Workspace      workspace.Adapter
	Senders        *surface.Registry
	Store          *store.Store
	Categories     config.Categories
	Thresholds     config.Thresholds
	Metrics        *metrics.Exporter
	WorkspaceRetry retry.Policy
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		classifier:     cfg.Classifier,
		retrieval:      cfg.Retrieval,
		slots:          cfg.Slots,
		booking:        cfg.Booking,
		tickets:        cfg.Tickets,
		workspace:      cfg.Workspace,
		senders:        cfg.Senders,
		store:          cfg.Store,
		categories:     cfg.Categories,
		thresholds:     cfg.Thresholds,
		metrics:        cfg.Metrics,
		clock:          time.Now,
		workspaceRetry: cfg.WorkspaceRetry,
	}
}

// notifyIfStoreUnavailable sends the mandated user-facing reply when err is
// (or wraps) store.ErrUnavailable, then returns err unchanged so the caller
// still propagates it to the HTTP layer.
func (o *Orchestrator) notifyIfStoreUnavailable(ctx context.Context, session *store.Session, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		if sendErr := o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, storeUnavailableMessage); sendErr != nil {
			slog.Warn("orchestrator: failed to notify user of store unavailability", "session_id", session.SessionID, "error", sendErr)
		}
	}
	return err
}

// HandleMessage runs steps 4-9 of spec.md §4.9 for one freshly appended user
// message.
func (o *Orchestrator) HandleMessage(ctx context.Context, session *store.Session, text string) error {
	result, err := o.classifier.Classify(ctx, intent.Input{
		Utterance:    text,
		PendingSlots: len(session.PendingSlots),
	})
	if err != nil {
		slog.Warn("orchestrator: intent classification unavailable, falling back to information", "session_id", session.SessionID, "error", err)
		result = intent.Result{Intent: intent.Information}
	}

	switch {
	case result.Intent == intent.Abusive:
		return o.handleAbuse(ctx, session)
	case result.Intent == intent.SlotSelection && len(session.PendingSlots) > 0:
		return o.handleSlotSelection(ctx, session, result)
	case result.Intent == intent.Scheduling:
		return o.handleScheduling(ctx, session)
	default:
		return o.handleInformation(ctx, session, text)
	}
}

const deEscalationMessage = "I hear you're frustrated. Let's keep this constructive so I can actually help."

func (o *Orchestrator) handleAbuse(ctx context.Context, session *store.Session) error {
	repeated := countRecentAbusive(session.History, o.thresholds.AbuseRepeatWindow) >= 1

	updated, err := o.store.AppendMessage(ctx, session.SessionID, store.Message{
		Role:             store.RoleAI,
		Content:          deEscalationMessage,
		At:               o.clock(),
		ClassifierIntent: string(intent.Abusive),
	})
	if err != nil {
		return o.notifyIfStoreUnavailable(ctx, session, err)
	}
	session = updated
	if err := o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, deEscalationMessage); err != nil {
		return err
	}

	if repeated {
		return o.escalate(ctx, session, "repeated abusive messages")
	}
	return nil
}

func countRecentAbusive(history []store.Message, window int) int {
	if window <= 0 || len(history) == 0 {
		return 0
	}
	start := 0
	if len(history) > window {
		start = len(history) - window
	}
	count := 0
	for _, m := range history[start:] {
		if m.ClassifierIntent == string(intent.Abusive) {
			count++
		}
	}
	return count
}

func (o *Orchestrator) handleSlotSelection(ctx context.Context, session *store.Session, result intent.Result) error {
	idx := result.SlotIndex - 1
	if idx < 0 || idx >= len(session.PendingSlots) {
		return o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, "That's not one of the offered times; please pick a listed option.")
	}
	offer := session.PendingSlots[idx]

	booking, err := o.booking.Book(ctx, scheduling.AttemptID(session.SessionID, offer.OfferIndex), "Customer call", "", nil, offer)
	switch {
	case errors.Is(err, calendar.ErrSlotTaken):
		remaining := removeOffer(session.PendingSlots, idx)
		if err := o.store.SetPendingSlots(ctx, session.SessionID, remaining); err != nil {
			return o.notifyIfStoreUnavailable(ctx, session, err)
		}
		return o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, "That time was just taken. Here are the remaining options:\n"+formatOffers(remaining))
	case errors.Is(err, scheduling.ErrSlotProviderUnavailable):
		if err := o.escalate(ctx, session, "scheduling temporarily unavailable"); err != nil {
			return err
		}
		return o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, "Scheduling is temporarily unavailable; I've looped in a specialist.")
	case errors.Is(err, scheduling.ErrBookingFailed):
		if err := o.escalate(ctx, session, "booking failed"); err != nil {
			return err
		}
		return nil
	case err != nil:
		return err
	}

	if err := o.store.ClearPendingSlots(ctx, session.SessionID); err != nil {
		return o.notifyIfStoreUnavailable(ctx, session, err)
	}
	confirmation := fmt.Sprintf("You're booked for %s to %s (%s). Confirmation: %s",
		booking.Start.Format(time.RFC1123), booking.End.Format(time.RFC1123), offer.DisplayTimezone, booking.EventID)
	return o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, confirmation)
}

func removeOffer(offers []store.SlotOffer, idx int) []store.SlotOffer {
	out := make([]store.SlotOffer, 0, len(offers)-1)
	for i, o := range offers {
		if i == idx {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (o *Orchestrator) handleScheduling(ctx context.Context, session *store.Session) error {
	offers, err := o.slots.Offers(ctx, displayTimezoneOf(session))
	if err != nil {
		if escErr := o.escalate(ctx, session, "slot provider unavailable"); escErr != nil {
			return escErr
		}
		return o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, "Scheduling is temporarily unavailable; I've looped in a specialist.")
	}
	if err := o.store.SetPendingSlots(ctx, session.SessionID, offers); err != nil {
		return o.notifyIfStoreUnavailable(ctx, session, err)
	}

	actions := make([]surface.Action, 0, len(offers))
	for _, offer := range offers {
		actions = append(actions, surface.Action{Label: offer.Start.Format("Mon Jan 2 3:04pm"), Payload: fmt.Sprintf("%d", offer.OfferIndex)})
	}
	return o.senders.SendActions(ctx, session.CreatedBySurface, session.ChannelKey, "Here are some times that work:\n"+formatOffers(offers), actions)
}

func formatOffers(offers []store.SlotOffer) string {
	var sb strings.Builder
	for _, o := range offers {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", o.OfferIndex, o.Start.Format("Mon Jan 2 3:04pm"), o.DisplayTimezone)
	}
	return sb.String()
}

func displayTimezoneOf(session *store.Session) string {
	return "UTC"
}

func (o *Orchestrator) handleInformation(ctx context.Context, session *store.Session, text string) error {
	answer, err := o.retrieval.Answer(ctx, session.SessionID, len(session.History), text)
	if err != nil {
		slog.Warn("orchestrator: retrieval failed", "session_id", session.SessionID, "error", err)
		return o.escalate(ctx, session, "retrieval unavailable")
	}

	enterprisePricing := containsAny(strings.ToLower(text), o.categories.EnterprisePricingTerms)
	if enterprisePricing && answer.Confidence > o.thresholds.MedConfCap {
		answer.Confidence = o.thresholds.MedConfCap
	}

	urgent := containsAny(strings.ToLower(text), o.categories.UrgencyKeywords)
	high := o.thresholds.HighConfGeneral
	if answer.Category == "compliance" {
		high = o.thresholds.HighConfCompliance
	}

	if answer.Confidence >= high && !enterprisePricing && !urgent {
		if _, err := o.store.AppendMessage(ctx, session.SessionID, store.Message{
			Role:             store.RoleAI,
			Content:          answer.Text,
			At:               o.clock(),
			Confidence:       &answer.Confidence,
			ClassifierIntent: string(intent.Information),
			Citations:        toCitations(answer.Citations),
		}); err != nil {
			return o.notifyIfStoreUnavailable(ctx, session, err)
		}
		return o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, answer.Text)
	}

	reason := "low confidence answer"
	switch {
	case enterprisePricing:
		reason = "enterprise pricing inquiry"
	case urgent:
		reason = "urgent/outage keywords detected"
	}
	return o.escalate(ctx, session, reason)
}

func toCitations(cs []retrieval.Citation) []store.Citation {
	out := make([]store.Citation, 0, len(cs))
	for _, c := range cs {
		out = append(out, store.Citation{Title: c.Title, URL: c.URL, Score: c.Score})
	}
	return out
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if t != "" && strings.Contains(text, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// escalate transitions the session to Escalated-Unclaimed, builds and posts
// the ticket, and sends the user an acknowledgement (spec.md §4.9 step 9).
//
// A WorkspacePostFailed that survives retries leaves the session in
// Active-AI untouched, so the user's next message retries the whole turn
// (spec.md §7).
func (o *Orchestrator) escalate(ctx context.Context, session *store.Session, reason string) error {
	session.EscalationReason = reason
	ticket := o.tickets.Build(session)

	var threadKey workspace.ThreadKey
	err := retry.Do(ctx, o.workspaceRetry, nil, func(ctx context.Context) error {
		var postErr error
		threadKey, postErr = o.workspace.PostTicket(ctx, ticket)
		return postErr
	})
	if err != nil {
		if sendErr := o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, workspaceUnavailableMessage); sendErr != nil {
			slog.Warn("orchestrator: failed to notify user of workspace post failure", "session_id", session.SessionID, "error", sendErr)
		}
		return fmt.Errorf("orchestrator: post ticket failed after retries: %w", err)
	}

	now := o.clock().Unix()
	if _, err := o.store.Transition(ctx, session.SessionID, store.StateActiveAI, store.StateEscalatedUnclaimed, store.TransitionFields{
		WorkspaceThreadKey: string(threadKey),
		EscalationReason:   reason,
		EscalatedAt:        &now,
	}); err != nil {
		return o.notifyIfStoreUnavailable(ctx, session, err)
	}

	return o.senders.SendText(ctx, session.CreatedBySurface, session.ChannelKey, "A specialist will be with you shortly.")
}
