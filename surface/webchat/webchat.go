// Package webchat implements the C10 surface for the embedded web-chat
// widget: inbound requests authenticate via a JWT bearer token, outbound
// replies are delivered over a per-channel buffered queue a long-poll or SSE
// handler drains.
package webchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Pavilion-devs/slack-agent/surface"
)

// Claims is the expected shape of a webchat session token.
type Claims struct {
	jwt.RegisteredClaims
	ChannelKey string `json:"channel_key"`
}

// ErrInvalidToken is returned by VerifyToken for any malformed, expired, or
// mis-signed token.
var ErrInvalidToken = errors.New("webchat: invalid token")

// VerifyToken validates tokenString against secret and returns the claims
// identifying the requesting user and channel.
func VerifyToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken mints a webchat session token, used by the surface's
// connection-bootstrap endpoint.
func IssueToken(secret, externalUserID, channelKey string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   externalUserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		ChannelKey: channelKey,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// outboundEvent is one queued reply awaiting delivery to a webchat client.
type outboundEvent struct {
	Text    string
	Actions []surface.Action
}

// Sender delivers replies to per-channel buffered queues that an HTTP
// long-poll/SSE handler drains.
type Sender struct {
	mu    sync.Mutex
	queue map[string]chan outboundEvent
}

func NewSender() *Sender {
	return &Sender{queue: make(map[string]chan outboundEvent)}
}

// Subscribe returns the delivery channel for channelKey, creating it if
// this is the first subscriber.
func (s *Sender) Subscribe(channelKey string) <-chan outboundEvent {
	return s.channelFor(channelKey)
}

func (s *Sender) channelFor(channelKey string) chan outboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.queue[channelKey]
	if !ok {
		ch = make(chan outboundEvent, 32)
		s.queue[channelKey] = ch
	}
	return ch
}

func (s *Sender) SendText(ctx context.Context, channelKey, text string) error {
	return s.enqueue(ctx, channelKey, outboundEvent{Text: text})
}

func (s *Sender) SendActions(ctx context.Context, channelKey, promptText string, actions []surface.Action) error {
	return s.enqueue(ctx, channelKey, outboundEvent{Text: promptText, Actions: actions})
}

func (s *Sender) enqueue(ctx context.Context, channelKey string, ev outboundEvent) error {
	ch := s.channelFor(channelKey)
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ surface.Sender = (*Sender)(nil)
