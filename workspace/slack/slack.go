// Package slack implements workspace.Adapter against a Slack channel using
// slack-go/slack, grounded on the teacher's ChatChannel transport shape
// (plugin/chat_apps/channels) but re-targeted at Slack's Block Kit message
// and interaction APIs instead of a generic chat-bot webhook.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/workspace"
)

// Adapter posts tickets and thread messages to a single Slack channel.
type Adapter struct {
	client    *slack.Client
	channelID string
}

// New builds an Adapter. botToken is the bot's OAuth token; channelID is the
// Slack channel tickets are posted into.
func New(botToken, channelID string) *Adapter {
	return &Adapter{client: slack.New(botToken), channelID: channelID}
}

// threadKey encodes Slack's (channel, timestamp) pair, since Slack threads
// are identified by the parent message's ts rather than a dedicated ID.
func threadKey(channelID, ts string) workspace.ThreadKey {
	return workspace.ThreadKey(channelID + ":" + ts)
}

func splitThreadKey(k workspace.ThreadKey) (channelID, ts string) {
	parts := strings.SplitN(string(k), ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func (a *Adapter) PostTicket(ctx context.Context, ticket escalation.Ticket) (workspace.ThreadKey, error) {
	channel, ts, err := a.client.PostMessageContext(ctx, a.channelID,
		slack.MsgOptionText(ticket.Title, false),
		slack.MsgOptionBlocks(ticketBlocks(ticket)...),
	)
	if err != nil {
		return "", fmt.Errorf("slack: post ticket: %w", err)
	}
	return threadKey(channel, ts), nil
}

func (a *Adapter) EditTicket(ctx context.Context, thread workspace.ThreadKey, newBody string, newActions []escalation.Action) error {
	channelID, ts := splitThreadKey(thread)
	if channelID == "" {
		return fmt.Errorf("slack: invalid thread key %q", thread)
	}
	ticket := escalation.Ticket{Body: newBody, Actions: newActions}
	_, _, _, err := a.client.UpdateMessageContext(ctx, channelID, ts,
		slack.MsgOptionText(newBody, false),
		slack.MsgOptionBlocks(ticketBlocks(ticket)...),
	)
	if err != nil {
		return fmt.Errorf("slack: edit ticket: %w", err)
	}
	return nil
}

func (a *Adapter) PostThreadMessage(ctx context.Context, thread workspace.ThreadKey, text, roleLabel string) error {
	channelID, ts := splitThreadKey(thread)
	if channelID == "" {
		return fmt.Errorf("slack: invalid thread key %q", thread)
	}
	_, _, err := a.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(fmt.Sprintf("*%s:* %s", roleLabel, text), false),
		slack.MsgOptionTS(ts),
	)
	if err != nil {
		return fmt.Errorf("slack: post thread message: %w", err)
	}
	return nil
}

func ticketBlocks(ticket escalation.Ticket) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, ticket.Body, false, false), nil, nil),
	}
	if len(ticket.Actions) == 0 {
		return blocks
	}

	var elements []slack.BlockElement
	for _, action := range ticket.Actions {
		elements = append(elements, slack.NewButtonBlockElement(
			string(action),
			string(action),
			slack.NewTextBlockObject(slack.PlainTextType, string(action), false, false),
		))
	}
	blocks = append(blocks, slack.NewActionBlock("ticket_actions", elements...))
	return blocks
}

var _ workspace.Adapter = (*Adapter)(nil)
