// Package server wires the dispatcher's HTTP surface: the public webhook
// endpoints for every inbound transport (webchat, public API, Telegram,
// Slack), health and metrics probes, grounded on the teacher's echo.Echo
// server assembly (server/router/api/v1.RegisterGateway) but narrowed to
// plain REST handlers instead of a Connect/grpc-gateway bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/metrics"
	"github.com/Pavilion-devs/slack-agent/relay"
	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/surface"
	"github.com/Pavilion-devs/slack-agent/surface/publicapi"
	"github.com/Pavilion-devs/slack-agent/surface/telegram"
	"github.com/Pavilion-devs/slack-agent/surface/webchat"
	"github.com/Pavilion-devs/slack-agent/workspace/slack"
)

// Server owns the echo instance and every transport-facing dependency the
// HTTP handlers need.
type Server struct {
	echo *echo.Echo
	cfg  config.Config

	hub     *relay.Hub
	store   *store.Store
	metrics *metrics.Exporter

	telegram *telegram.Adapter
	slack    *slack.Adapter
}

// Config bundles Server's dependencies.
type Config struct {
	Profile  config.Config
	Hub      *relay.Hub
	Store    *store.Store
	Metrics  *metrics.Exporter
	Telegram *telegram.Adapter // nil when Telegram is not configured
	Slack    *slack.Adapter    // nil when Slack is not configured
}

func NewServer(cfg Config) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg.Profile,
		hub:      cfg.Hub,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		telegram: cfg.Telegram,
		slack:    cfg.Slack,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.Logger())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	userGroup := s.echo.Group("/user")
	userGroup.POST("/events/webchat", s.handleWebchatEvent)
	userGroup.POST("/events/public", s.handlePublicAPIEvent)
	userGroup.POST("/events/telegram", s.handleTelegramEvent)

	workspaceGroup := s.echo.Group("/workspace")
	workspaceGroup.POST("/events", s.handleWorkspaceEvent)
	workspaceGroup.POST("/actions", s.handleWorkspaceAction)
}

func (s *Server) handleHealthz(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":              "ok",
		"active_ai":           stats.ActiveAI,
		"escalated_unclaimed": stats.EscalatedUnclaimed,
		"escalated_claimed":   stats.EscalatedClaimed,
	})
}

type webchatEventPayload struct {
	Text string `json:"text"`
}

func (s *Server) handleWebchatEvent(c echo.Context) error {
	token := bearerToken(c.Request().Header.Get("Authorization"))
	claims, err := webchat.VerifyToken(token, s.cfg.WebchatJWTSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid session token")
	}

	var payload webchatEventPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	ev := surface.Event{
		UserKey:    store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: claims.Subject},
		ChannelKey: claims.ChannelKey,
		Text:       payload.Text,
		At:         time.Now(),
	}
	if err := s.dispatch(c, ev); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

type publicAPIEventPayload struct {
	ExternalUserID string `json:"external_user_id"`
	ChannelKey     string `json:"channel_key"`
	Text           string `json:"text"`
}

func (s *Server) handlePublicAPIEvent(c echo.Context) error {
	provided := c.Request().Header.Get("Authorization")
	if !publicapi.VerifySharedSecret(provided, s.cfg.PublicAPISecret) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid shared secret")
	}

	var payload publicAPIEventPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	ev := surface.Event{
		UserKey:    store.UserKey{Surface: store.SurfacePublicAPI, ExternalUserID: payload.ExternalUserID},
		ChannelKey: payload.ChannelKey,
		Text:       payload.Text,
		At:         time.Now(),
	}
	if err := s.dispatch(c, ev); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleTelegramEvent(c echo.Context) error {
	if s.telegram == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "telegram surface not configured")
	}

	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	ev, err := telegram.ParseUpdate(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if ev == nil {
		return c.NoContent(http.StatusOK) // non-message update (edits, etc.); nothing to do
	}

	if err := s.dispatch(c, *ev); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) dispatch(c echo.Context, ev surface.Event) error {
	if err := s.hub.HandleUserEvent(c.Request().Context(), ev); err != nil {
		slog.Error("server: handle user event failed", "surface", ev.UserKey.Surface, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process event")
	}
	return nil
}

func (s *Server) handleWorkspaceEvent(c echo.Context) error {
	if s.slack == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workspace adapter not configured")
	}

	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if err := slack.VerifySignature(s.cfg.SlackSigningSecret, c.Request().Header, body); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	// Slack's URL verification handshake short-circuits before ParseEventBody
	// since the challenge payload has no inner event.
	if challenge, ok := urlVerificationChallenge(body); ok {
		return c.String(http.StatusOK, challenge)
	}

	reply, err := slack.ParseEventBody(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if reply == nil {
		return c.NoContent(http.StatusOK)
	}

	if err := s.hub.HandleThreadReply(c.Request().Context(), *reply); err != nil {
		slog.Error("server: handle thread reply failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process event")
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleWorkspaceAction(c echo.Context) error {
	if s.slack == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workspace adapter not configured")
	}

	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if err := slack.VerifySignature(s.cfg.SlackSigningSecret, c.Request().Header, body); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	cb, err := slack.ParseActionBody(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	if err := s.hub.HandleButtonCallback(c.Request().Context(), *cb); err != nil {
		slog.Error("server: handle button callback failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process action")
	}
	return c.NoContent(http.StatusOK)
}

type urlVerificationPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

func urlVerificationChallenge(body []byte) (string, bool) {
	var p urlVerificationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", false
	}
	if p.Type != "url_verification" {
		return "", false
	}
	return p.Challenge, true
}

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("server: read request body: %w", err)
	}
	return body, nil
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

// Start begins serving HTTP traffic on addr:port (or a unix socket when
// sock is non-empty), blocking until the listener fails or is closed.
func (s *Server) Start(ctx context.Context, addr string, port int, sock string) error {
	var listener net.Listener
	var err error
	if sock != "" {
		listener, err = net.Listen("unix", sock)
	} else {
		listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	}
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.echo.Listener = listener

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			slog.Error("server: shutdown error", "error", err)
		}
	}()

	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Echo exposes the underlying echo.Echo, primarily for tests that need to
// issue requests directly against the router without a live listener.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
