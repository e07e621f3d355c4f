package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/relay"
	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/store/memdriver"
	"github.com/Pavilion-devs/slack-agent/surface"
	"github.com/Pavilion-devs/slack-agent/workspace"
)

type fakeTurnHandler struct {
	calls []string
}

func (f *fakeTurnHandler) HandleMessage(_ context.Context, session *store.Session, text string) error {
	f.calls = append(f.calls, text)
	return nil
}

type fakeSender struct {
	sent []string
}

func (f *fakeSender) SendText(_ context.Context, _, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) SendActions(_ context.Context, _, promptText string, _ []surface.Action) error {
	f.sent = append(f.sent, promptText)
	return nil
}

type fakeWorkspace struct {
	posted     []string
	editedBody []string
}

func (f *fakeWorkspace) PostTicket(_ context.Context, ticket escalation.Ticket) (workspace.ThreadKey, error) {
	return workspace.ThreadKey("thread-1"), nil
}

func (f *fakeWorkspace) EditTicket(_ context.Context, _ workspace.ThreadKey, newBody string, _ []escalation.Action) error {
	f.editedBody = append(f.editedBody, newBody)
	return nil
}

func (f *fakeWorkspace) PostThreadMessage(_ context.Context, _ workspace.ThreadKey, text, roleLabel string) error {
	f.posted = append(f.posted, roleLabel+": "+text)
	return nil
}

func setup() (*relay.Hub, *store.Store, *fakeTurnHandler, *fakeSender, *fakeWorkspace) {
	st := store.New(memdriver.New())
	senders := surface.NewRegistry()
	sender := &fakeSender{}
	senders.Register(store.SurfaceWebchat, sender)
	ws := &fakeWorkspace{}
	turns := &fakeTurnHandler{}

	hub := relay.New(relay.Config{
		Store:          st,
		Senders:        senders,
		Workspace:      ws,
		Inbox:          workspace.NewMemoryInbox(),
		Turns:          turns,
		WorkspaceRetry: retry.NewPolicy(1, time.Millisecond, time.Millisecond, 1, 1),
	})
	return hub, st, turns, sender, ws
}

func TestHub_ActiveAIHandsOffToOrchestrator(t *testing.T) {
	hub, _, turns, _, _ := setup()

	ev := surface.Event{
		UserKey:    store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u1"},
		ChannelKey: "c1",
		Text:       "hello",
	}
	err := hub.HandleUserEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, turns.calls)
}

func TestHub_EscalatedUnclaimedPostsToThreadInsteadOfOrchestrator(t *testing.T) {
	hub, st, turns, _, ws := setup()
	ctx := context.Background()

	userKey := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u2"}
	sess, err := st.FindOrCreateActive(ctx, userKey, "c2", store.SurfaceWebchat)
	require.NoError(t, err)
	_, err = st.Transition(ctx, sess.SessionID, store.StateActiveAI, store.StateEscalatedUnclaimed, store.TransitionFields{
		WorkspaceThreadKey: "thread-9",
	})
	require.NoError(t, err)

	err = hub.HandleUserEvent(ctx, surface.Event{UserKey: userKey, ChannelKey: "c2", Text: "still there?"})
	require.NoError(t, err)
	assert.Empty(t, turns.calls, "AI must stay silent once escalated")
	assert.Contains(t, ws.posted, "User: still there?")
}

func TestHub_AcceptClaimsAndNotifiesUser(t *testing.T) {
	hub, st, _, sender, ws := setup()
	ctx := context.Background()

	userKey := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u3"}
	sess, err := st.FindOrCreateActive(ctx, userKey, "c3", store.SurfaceWebchat)
	require.NoError(t, err)
	_, err = st.Transition(ctx, sess.SessionID, store.StateActiveAI, store.StateEscalatedUnclaimed, store.TransitionFields{
		WorkspaceThreadKey: "thread-claim",
	})
	require.NoError(t, err)

	err = hub.HandleButtonCallback(ctx, workspace.ButtonCallback{
		Thread: "thread-claim", AgentID: "agent-1", Action: workspace.ActionAccept, EventID: "evt-1",
	})
	require.NoError(t, err)

	updated, err := st.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StateEscalatedClaimed, updated.State)
	assert.Equal(t, "agent-1", updated.AssignedAgent)
	assert.Contains(t, sender.sent, "A specialist has joined.")
	assert.Len(t, ws.editedBody, 1)
}

func TestHub_AcceptIsIdempotentOnDuplicateEvent(t *testing.T) {
	hub, st, _, _, _ := setup()
	ctx := context.Background()

	userKey := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u4"}
	sess, err := st.FindOrCreateActive(ctx, userKey, "c4", store.SurfaceWebchat)
	require.NoError(t, err)
	_, err = st.Transition(ctx, sess.SessionID, store.StateActiveAI, store.StateEscalatedUnclaimed, store.TransitionFields{
		WorkspaceThreadKey: "thread-dup",
	})
	require.NoError(t, err)

	cb := workspace.ButtonCallback{Thread: "thread-dup", AgentID: "agent-1", Action: workspace.ActionAccept, EventID: "evt-dup"}
	require.NoError(t, hub.HandleButtonCallback(ctx, cb))
	require.NoError(t, hub.HandleButtonCallback(ctx, cb))

	updated, err := st.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", updated.AssignedAgent, "second delivery of the same event must be a no-op")
}

func TestHub_ThreadReplyFromNonAssigneeIsNotForwarded(t *testing.T) {
	hub, st, _, sender, _ := setup()
	ctx := context.Background()

	userKey := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u5"}
	sess, err := st.FindOrCreateActive(ctx, userKey, "c5", store.SurfaceWebchat)
	require.NoError(t, err)
	_, err = st.Transition(ctx, sess.SessionID, store.StateActiveAI, store.StateEscalatedUnclaimed, store.TransitionFields{
		WorkspaceThreadKey: "thread-reply",
	})
	require.NoError(t, err)
	_, err = st.Transition(ctx, sess.SessionID, store.StateEscalatedUnclaimed, store.StateEscalatedClaimed, store.TransitionFields{
		AssignedAgent: "agent-owner",
	})
	require.NoError(t, err)

	err = hub.HandleThreadReply(ctx, workspace.ThreadReply{
		Thread: "thread-reply", AgentID: "agent-bystander", AgentName: "Bystander", Text: "fyi", EventID: "evt-2",
	})
	require.NoError(t, err)
	assert.Empty(t, sender.sent, "a reply from someone other than the assigned agent must not reach the user")
}
