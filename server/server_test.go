package server_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/server"
	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/store/memdriver"
	"github.com/Pavilion-devs/slack-agent/surface"
	"github.com/Pavilion-devs/slack-agent/surface/webchat"
	"github.com/Pavilion-devs/slack-agent/workspace"

	"github.com/Pavilion-devs/slack-agent/relay"
)

const testWebchatJWTSecret = "test-webchat-secret"

type stubTurnHandler struct {
	lastText string
}

func (s *stubTurnHandler) HandleMessage(_ context.Context, _ *store.Session, text string) error {
	s.lastText = text
	return nil
}

type noopWorkspace struct{}

func (noopWorkspace) PostTicket(context.Context, escalation.Ticket) (workspace.ThreadKey, error) {
	return "", nil
}
func (noopWorkspace) EditTicket(context.Context, workspace.ThreadKey, string, []escalation.Action) error {
	return nil
}
func (noopWorkspace) PostThreadMessage(context.Context, workspace.ThreadKey, string, string) error {
	return nil
}

type stubSender struct{ texts []string }

func (s *stubSender) SendText(_ context.Context, _, text string) error {
	s.texts = append(s.texts, text)
	return nil
}
func (s *stubSender) SendActions(_ context.Context, _, promptText string, _ []surface.Action) error {
	s.texts = append(s.texts, promptText)
	return nil
}

func newTestServer(t *testing.T) (*server.Server, *stubTurnHandler) {
	t.Helper()
	st := store.New(memdriver.New())
	senders := surface.NewRegistry()
	sender := &stubSender{}
	senders.Register(store.SurfaceWebchat, sender)
	turns := &stubTurnHandler{}

	hub := relay.New(relay.Config{
		Store:          st,
		Senders:        senders,
		Workspace:      noopWorkspace{},
		Inbox:          workspace.NewMemoryInbox(),
		Turns:          turns,
		WorkspaceRetry: retry.NewPolicy(1, time.Millisecond, time.Millisecond, 1, 1),
	})

	cfg := config.Default()
	cfg.WebchatJWTSecret = testWebchatJWTSecret

	s := server.NewServer(server.Config{
		Profile: cfg,
		Hub:     hub,
		Store:   st,
	})
	return s, turns
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_WebchatEventReachesOrchestratorHandler(t *testing.T) {
	s, turns := newTestServer(t)

	token, err := webchat.IssueToken(testWebchatJWTSecret, "u1", "c1", time.Hour)
	require.NoError(t, err)

	body := []byte(`{"text":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/user/events/webchat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "hello", turns.lastText)
}

func TestServer_WebchatEventRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"text":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/user/events/webchat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_PublicAPIEventRejectsBadSecret(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"external_user_id":"u2","channel_key":"c2","text":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/user/events/public", bytes.NewReader(body))
	req.Header.Set("Authorization", "wrong-secret")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
