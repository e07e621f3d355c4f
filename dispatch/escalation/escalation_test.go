package escalation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/store"
)

func TestBuilder_BuildIsDeterministic(t *testing.T) {
	sess := &store.Session{
		SessionID:        "sess-1",
		EscalationReason: "low confidence answer",
		History: []store.Message{
			{Role: store.RoleUser, Content: "what is your SOC2 status"},
			{Role: store.RoleAI, Content: "we are SOC2 type II certified"},
			{Role: store.RoleUser, Content: "can I get the report"},
		},
	}

	b := escalation.New(6)
	first := b.Build(sess)
	second := b.Build(sess)

	require.Equal(t, first, second, "identical input must produce byte-identical tickets")
	assert.Contains(t, first.Title, "what is your SOC2 status")
	assert.Contains(t, first.Body, "Reason: low confidence answer")
	assert.Contains(t, first.Body, "**User**: can I get the report")
	assert.Equal(t, []escalation.Action{escalation.ActionAccept, escalation.ActionClose}, first.Actions)
	assert.NotEmpty(t, first.BodyHTML)
}

func TestBuilder_TruncatesToHistoryDepth(t *testing.T) {
	var history []store.Message
	for i := 0; i < 10; i++ {
		history = append(history, store.Message{Role: store.RoleUser, Content: "msg"})
	}
	sess := &store.Session{SessionID: "sess-2", History: history}

	b := escalation.New(3)
	ticket := b.Build(sess)

	assert.Contains(t, ticket.Body, "Recent exchange:")
	lines := 0
	for _, line := range splitLines(ticket.Body) {
		if len(line) > 2 && line[0] == '-' {
			lines++
		}
	}
	assert.Equal(t, 3, lines)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
