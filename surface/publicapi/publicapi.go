// Package publicapi implements the C10 surface for server-to-server
// integrations: inbound requests authenticate via a shared-secret header,
// outbound replies are POSTed back to a per-channel callback URL.
package publicapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Pavilion-devs/slack-agent/surface"
)

// VerifySharedSecret does a constant-time comparison of the request's
// bearer token against the configured secret.
func VerifySharedSecret(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// CallbackResolver maps a channel key to the URL replies for that channel
// should be POSTed to.
type CallbackResolver func(channelKey string) (string, bool)

// replyPayload is the outbound wire shape POSTed to a caller's callback URL.
type replyPayload struct {
	ChannelKey string            `json:"channel_key"`
	Text       string            `json:"text"`
	Actions    []surface.Action  `json:"actions,omitempty"`
}

// Sender delivers replies by POSTing to the caller-registered callback URL
// for each channel.
type Sender struct {
	client   *http.Client
	resolver CallbackResolver
}

func NewSender(client *http.Client, resolver CallbackResolver) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return &Sender{client: client, resolver: resolver}
}

func (s *Sender) SendText(ctx context.Context, channelKey, text string) error {
	return s.post(ctx, replyPayload{ChannelKey: channelKey, Text: text})
}

func (s *Sender) SendActions(ctx context.Context, channelKey, promptText string, actions []surface.Action) error {
	return s.post(ctx, replyPayload{ChannelKey: channelKey, Text: promptText, Actions: actions})
}

func (s *Sender) post(ctx context.Context, payload replyPayload) error {
	url, ok := s.resolver(payload.ChannelKey)
	if !ok {
		return fmt.Errorf("publicapi: no callback url registered for channel %q", payload.ChannelKey)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("publicapi: callback returned status %d", resp.StatusCode)
	}
	return nil
}

var _ surface.Sender = (*Sender)(nil)
