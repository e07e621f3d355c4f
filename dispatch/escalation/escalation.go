// Package escalation implements the Escalation Builder (C6): deterministic
// Markdown formatting of a session snapshot into a ticket body, grounded on
// the teacher's channels.ChannelError-style error taxonomy and goldmark's
// Markdown-to-HTML rendering for admin/debug previews.
package escalation

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/Pavilion-devs/slack-agent/store"
)

// Action is one button offered on a freshly built ticket.
type Action string

const (
	ActionAccept Action = "Accept"
	ActionClose  Action = "Close"
)

// Ticket is C6's output: a deterministic snapshot of a session suitable for
// posting to the agent workspace.
type Ticket struct {
	Title    string
	Reason   string
	Body     string // Markdown: bulleted summary of the last K exchanges
	BodyHTML string // goldmark-rendered preview, best-effort
	Actions  []Action
}

// Builder produces Tickets from Sessions.
type Builder struct {
	historyDepth int
}

// New builds a Builder that summarises the last historyDepth exchanges.
func New(historyDepth int) *Builder {
	if historyDepth <= 0 {
		historyDepth = 6
	}
	return &Builder{historyDepth: historyDepth}
}

// Build renders sess into a Ticket. Formatting is deterministic: identical
// input always produces byte-identical output, so the result is suitable
// for snapshot testing.
func (b *Builder) Build(sess *store.Session) Ticket {
	title := title(sess)
	reason := sess.EscalationReason
	if reason == "" {
		reason = "escalated"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n\n", title)
	fmt.Fprintf(&sb, "Reason: %s\n\n", reason)
	sb.WriteString("Recent exchange:\n")
	for _, m := range lastN(sess.History, b.historyDepth) {
		fmt.Fprintf(&sb, "- **%s**: %s\n", roleLabel(m.Role), oneLine(m.Content))
	}
	body := sb.String()

	var html string
	var buf strings.Builder
	if err := goldmark.Convert([]byte(body), &buf); err == nil {
		html = buf.String()
	}

	return Ticket{
		Title:    title,
		Reason:   reason,
		Body:     body,
		BodyHTML: html,
		Actions:  []Action{ActionAccept, ActionClose},
	}
}

// title derives a short one-line ticket title from the session's first user
// message, falling back to a generic label.
func title(sess *store.Session) string {
	for _, m := range sess.History {
		if m.Role == store.RoleUser {
			return fmt.Sprintf("Escalation: %s", truncate(oneLine(m.Content), 72))
		}
	}
	return fmt.Sprintf("Escalation: session %s", sess.SessionID)
}

func roleLabel(r store.Role) string {
	switch r {
	case store.RoleUser:
		return "User"
	case store.RoleAI:
		return "AI"
	case store.RoleAgent:
		return "Agent"
	default:
		return "System"
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func lastN(history []store.Message, n int) []store.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
