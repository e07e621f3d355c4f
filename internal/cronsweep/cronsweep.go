// Package cronsweep runs the optional abandoned-ticket timeout sweep: when
// enabled, it periodically lists sessions stuck in Escalated-Unclaimed past
// UnclaimedTimeout and invokes a callback so the caller can re-notify the
// workspace or escalate further. Off by default.
package cronsweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/Pavilion-devs/slack-agent/store"
)

// Lister is the subset of store.Store the sweep needs.
type Lister interface {
	ListAbandonedUnclaimed(ctx context.Context, cutoffUnixSeconds int64) ([]*store.Session, error)
}

// Handler is invoked once per sweep tick with the sessions found stuck.
type Handler func(ctx context.Context, sessions []*store.Session)

// Sweeper evaluates a cron expression once a minute and fires Handler when
// due, grounded on adhocore/gronx's expression-evaluation contract rather
// than a long-lived scheduler goroutine per job.
type Sweeper struct {
	expr    string
	timeout time.Duration
	lister  Lister
	handler Handler
	gron    gronx.Gronx
}

// New builds a Sweeper. expr is a standard 5-field cron expression.
func New(expr string, timeout time.Duration, lister Lister, handler Handler) *Sweeper {
	return &Sweeper{
		expr:    expr,
		timeout: timeout,
		lister:  lister,
		handler: handler,
		gron:    gronx.New(),
	}
}

// Run blocks, ticking every minute and firing the sweep whenever expr is due,
// until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context, at time.Time) {
	due, err := s.gron.IsDue(s.expr, at)
	if err != nil {
		slog.Warn("cronsweep: invalid cron expression", "expr", s.expr, "error", err)
		return
	}
	if !due {
		return
	}

	cutoff := at.Add(-s.timeout).Unix()
	sessions, err := s.lister.ListAbandonedUnclaimed(ctx, cutoff)
	if err != nil {
		slog.Warn("cronsweep: list abandoned unclaimed failed", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}
	s.handler(ctx, sessions)
}
