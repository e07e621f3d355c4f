package slack

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/Pavilion-devs/slack-agent/workspace"
)

// VerifySignature checks Slack's request-signing scheme (timestamp + HMAC
// over the raw body) before the body is trusted, grounded on the teacher's
// HMAC webhook-verification pattern (plugin/chat_apps/channels/dingtalk).
func VerifySignature(signingSecret string, header http.Header, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return fmt.Errorf("slack: build signature verifier: %w", err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("slack: hash request body: %w", err)
	}
	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("slack: signature mismatch: %w", err)
	}
	return nil
}

// eventEnvelope extracts the outer Events API fields slackevents.ParseEvent
// does not surface directly (it decodes InnerEvent but drops the envelope's
// own event_id, which is what the idempotency rule in spec.md §4.7 keys on).
type eventEnvelope struct {
	EventID string `json:"event_id"`
}

// ParseEventBody parses a `POST /workspace/events` body (Slack's Events API
// envelope) into a workspace.ThreadReply, or (nil, nil) when the event is
// not a thread message worth relaying (e.g. a bot's own echo).
func ParseEventBody(body []byte) (*workspace.ThreadReply, error) {
	event, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("slack: parse event: %w", err)
	}
	if event.Type != slackevents.CallbackEvent {
		return nil, nil
	}

	inner, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner.BotID != "" || inner.ThreadTimeStamp == "" {
		return nil, nil
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("slack: decode event envelope: %w", err)
	}

	return &workspace.ThreadReply{
		Thread:  threadKey(inner.Channel, inner.ThreadTimeStamp),
		AgentID: inner.User,
		Text:    inner.Text,
		EventID: envelope.EventID,
	}, nil
}

// ParseActionBody parses a `POST /workspace/actions` body (Slack's
// interaction payload, URL-encoded with a `payload` field) into a
// workspace.ButtonCallback.
func ParseActionBody(body []byte) (*workspace.ButtonCallback, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("slack: parse action body: %w", err)
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(values.Get("payload")), &callback); err != nil {
		return nil, fmt.Errorf("slack: decode interaction payload: %w", err)
	}
	if len(callback.ActionCallback.BlockActions) == 0 {
		return nil, fmt.Errorf("slack: interaction payload has no block actions")
	}

	action := callback.ActionCallback.BlockActions[0]
	return &workspace.ButtonCallback{
		Thread:  threadKey(callback.Channel.ID, callback.MessageTs),
		AgentID: callback.User.ID,
		Action:  workspace.ButtonAction(action.Value),
		EventID: callback.TriggerID,
	}, nil
}
