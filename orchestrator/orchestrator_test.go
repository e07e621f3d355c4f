package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/dispatch/intent"
	"github.com/Pavilion-devs/slack-agent/dispatch/retrieval"
	"github.com/Pavilion-devs/slack-agent/dispatch/scheduling"
	"github.com/Pavilion-devs/slack-agent/internal/calendar"
	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/llm"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/internal/vectorindex"
	"github.com/Pavilion-devs/slack-agent/orchestrator"
	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/store/memdriver"
	"github.com/Pavilion-devs/slack-agent/surface"
	"github.com/Pavilion-devs/slack-agent/workspace"
)

type fakeLLM struct {
	completion string
}

func (f *fakeLLM) Complete(_ context.Context, _, _ string, _ llm.ModelConfig) (string, error) {
	return f.completion, nil
}

func (f *fakeLLM) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	chunks []vectorindex.Chunk
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, _ int) ([]vectorindex.Chunk, error) {
	return f.chunks, nil
}

type fakeCalendar struct{}

func (fakeCalendar) FreeBusy(context.Context, time.Time, time.Time) ([]calendar.BusyInterval, error) {
	return nil, nil
}

func (fakeCalendar) CreateEvent(_ context.Context, req calendar.CreateEventRequest) (calendar.Event, error) {
	return calendar.Event{ID: "evt-1", Start: req.Start, End: req.End}, nil
}

type fakeWorkspace struct {
	tickets []escalation.Ticket
}

func (f *fakeWorkspace) PostTicket(_ context.Context, t escalation.Ticket) (workspace.ThreadKey, error) {
	f.tickets = append(f.tickets, t)
	return workspace.ThreadKey("thread-x"), nil
}

func (f *fakeWorkspace) EditTicket(context.Context, workspace.ThreadKey, string, []escalation.Action) error {
	return nil
}

func (f *fakeWorkspace) PostThreadMessage(context.Context, workspace.ThreadKey, string, string) error {
	return nil
}

type fakeSender struct {
	texts   []string
	actions [][]surface.Action
}

func (f *fakeSender) SendText(_ context.Context, _, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendActions(_ context.Context, _, promptText string, actions []surface.Action) error {
	f.texts = append(f.texts, promptText)
	f.actions = append(f.actions, actions)
	return nil
}

func newHarness(t *testing.T, completion string) (*orchestrator.Orchestrator, *store.Store, *fakeSender, *fakeWorkspace) {
	t.Helper()
	cfg := config.Default()
	cfg.Categories.AbuseLexicon = []string{"idiot", "stupid"}

	st := store.New(memdriver.New())
	senders := surface.NewRegistry()
	sender := &fakeSender{}
	senders.Register(store.SurfaceWebchat, sender)
	ws := &fakeWorkspace{}

	classifier, err := intent.New(intent.Config{Categories: cfg.Categories})
	require.NoError(t, err)

	answerer := retrieval.New(retrieval.Config{
		Index:      &fakeIndex{chunks: []vectorindex.Chunk{{ID: "c1", Content: "doc", Score: 0.9}, {ID: "c2", Content: "doc2", Score: 0.9}}},
		LLM:        &fakeLLM{completion: completion},
		Thresholds: cfg.Thresholds,
	})

	slotProvider := scheduling.NewSlotProvider(scheduling.Config{
		Calendar: fakeCalendar{},
		Rules:    cfg.Scheduling,
		Retry:    retry.NewPolicy(1, time.Millisecond, time.Millisecond, 1, 1),
	})
	booking := scheduling.NewExecutor(fakeCalendar{}, retry.NewPolicy(1, time.Millisecond, time.Millisecond, 1, 1), cfg.Scheduling.Buffer)

	orch := orchestrator.New(orchestrator.Config{
		Classifier:     classifier,
		Retrieval:      answerer,
		Slots:          slotProvider,
		Booking:        booking,
		Tickets:        escalation.New(6),
		Workspace:      ws,
		Senders:        senders,
		Store:          st,
		Categories:     cfg.Categories,
		Thresholds:     cfg.Thresholds,
		WorkspaceRetry: retry.NewPolicy(1, time.Millisecond, time.Millisecond, 1, 1),
	})

	return orch, st, sender, ws
}

func activeSession(t *testing.T, st *store.Store, externalID string) *store.Session {
	t.Helper()
	sess, err := st.FindOrCreateActive(context.Background(), store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: externalID}, "chan-"+externalID, store.SurfaceWebchat)
	require.NoError(t, err)
	return sess
}

func TestOrchestrator_HighConfidenceAnswerStaysWithAI(t *testing.T) {
	orch, st, sender, ws := newHarness(t, "Here's the answer.\nCONFIDENCE: 0.9")
	sess := activeSession(t, st, "u1")

	err := orch.HandleMessage(context.Background(), sess, "how do I reset my password?")
	require.NoError(t, err)

	assert.Contains(t, sender.texts, "Here's the answer.")
	assert.Empty(t, ws.tickets)

	updated, err := st.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StateActiveAI, updated.State)
}

func TestOrchestrator_LowConfidenceEscalates(t *testing.T) {
	orch, st, sender, ws := newHarness(t, "Not sure.\nCONFIDENCE: 0.2")
	sess := activeSession(t, st, "u2")

	err := orch.HandleMessage(context.Background(), sess, "how do I reset my password?")
	require.NoError(t, err)

	require.Len(t, ws.tickets, 1)
	assert.Contains(t, sender.texts, "A specialist will be with you shortly.")

	updated, err := st.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StateEscalatedUnclaimed, updated.State)
}

func TestOrchestrator_EnterprisePricingCapsConfidenceAndEscalates(t *testing.T) {
	orch, st, _, ws := newHarness(t, "Our enterprise pricing is tiered.\nCONFIDENCE: 0.95")
	sess := activeSession(t, st, "u3")

	err := orch.HandleMessage(context.Background(), sess, "what's your enterprise pricing for volume discount?")
	require.NoError(t, err)

	require.Len(t, ws.tickets, 1)
	assert.Equal(t, "enterprise pricing inquiry", ws.tickets[0].Reason)
}

func TestOrchestrator_AbuseGateSendsDeEscalationWithoutEscalatingOnFirstOffense(t *testing.T) {
	orch, st, sender, ws := newHarness(t, "")
	sess := activeSession(t, st, "u4")

	err := orch.HandleMessage(context.Background(), sess, "you are a stupid idiot bot")
	require.NoError(t, err)

	assert.NotEmpty(t, sender.texts)
	assert.Empty(t, ws.tickets, "first abusive message must not escalate")
}

func TestOrchestrator_SchedulingGateOffersSlotsWithActions(t *testing.T) {
	orch, st, sender, _ := newHarness(t, "")
	sess := activeSession(t, st, "u5")

	err := orch.HandleMessage(context.Background(), sess, "I'd like to book a call")
	require.NoError(t, err)

	require.NotEmpty(t, sender.actions)
	assert.NotEmpty(t, sender.actions[0])

	updated, err := st.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.PendingSlots)
}

func TestOrchestrator_SlotSelectionBooksOffer(t *testing.T) {
	orch, st, sender, _ := newHarness(t, "")
	sess := activeSession(t, st, "u6")

	require.NoError(t, orch.HandleMessage(context.Background(), sess, "I'd like to book a call"))

	withSlots, err := st.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, withSlots.PendingSlots)

	err = orch.HandleMessage(context.Background(), withSlots, "1")
	require.NoError(t, err)

	found := false
	for _, text := range sender.texts {
		if text != "" && len(text) > 10 && text[:10] == "You're boo" {
			found = true
		}
	}
	assert.True(t, found, "expected a booking confirmation message, got %v", sender.texts)

	final, err := st.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Empty(t, final.PendingSlots)
}
