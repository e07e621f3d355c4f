// Package surface implements the User-Surface Inbound Adapter contract
// (C10): normalising inbound events from any user-facing transport into a
// single shape, and the outbound half every surface must support. Grounded
// on the teacher's ChatChannel/ChannelRouter transport abstraction
// (plugin/chat_apps/channels/base.go), re-keyed to the dispatcher's
// surface-agnostic event shape instead of a chat-bot-specific one.
package surface

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Pavilion-devs/slack-agent/store"
)

// Event is C10's normalised output: {user_key, channel_key, text, at, surface}.
type Event struct {
	UserKey    store.UserKey
	ChannelKey string
	Text       string
	At         time.Time
}

// Action is one button a surface may render alongside a prompt, where the
// surface supports interactive replies.
type Action struct {
	Label   string
	Payload string
}

// Sender is the outbound half of C10: every concrete surface must be able
// to deliver plain text, and may optionally support action buttons.
type Sender interface {
	SendText(ctx context.Context, channelKey, text string) error

	// SendActions sends text accompanied by buttons. Surfaces without native
	// button support should fall back to rendering the choices as plain text.
	SendActions(ctx context.Context, channelKey, promptText string, actions []Action) error
}

// ErrNoSenderForSurface is returned when a Registry has no Sender for a
// surface a session was created on.
var ErrNoSenderForSurface = errors.New("surface: no sender registered")

// Registry routes outbound replies to the sender for a session's surface,
// concurrent-safe per the teacher's ChannelRouter (RWMutex-guarded map).
type Registry struct {
	mu      sync.RWMutex
	senders map[store.Surface]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[store.Surface]Sender)}
}

func (r *Registry) Register(surface store.Surface, sender Sender) {
	r.mu.Lock()
	r.senders[surface] = sender
	r.mu.Unlock()
}

func (r *Registry) Get(surface store.Surface) (Sender, error) {
	r.mu.RLock()
	sender, ok := r.senders[surface]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoSenderForSurface
	}
	return sender, nil
}

func (r *Registry) SendText(ctx context.Context, surface store.Surface, channelKey, text string) error {
	sender, err := r.Get(surface)
	if err != nil {
		return err
	}
	return sender.SendText(ctx, channelKey, text)
}

func (r *Registry) SendActions(ctx context.Context, surface store.Surface, channelKey, promptText string, actions []Action) error {
	sender, err := r.Get(surface)
	if err != nil {
		return err
	}
	return sender.SendActions(ctx, channelKey, promptText, actions)
}
