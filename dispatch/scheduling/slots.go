// Package scheduling implements the Slot Provider (C4) and Booking Executor
// (C5), grounded on the teacher's schedule.Service business-logic contract
// (server/service/schedule/interface.go) but re-keyed against a calendar
// provider's freebusy/create_event primitives instead of a local store.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Pavilion-devs/slack-agent/internal/calendar"
	"github.com/Pavilion-devs/slack-agent/internal/clock"
	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/store"
)

// SlotProvider derives bookable slots from the organiser calendar's
// freebusy, honoring spec.md §4.4's business rules.
type SlotProvider struct {
	calendar calendar.Provider
	cfg      config.Scheduling
	clock    clock.Clock
	retry    retry.Policy
}

// Config bundles SlotProvider's dependencies.
type Config struct {
	Calendar calendar.Provider
	Rules    config.Scheduling
	Clock    clock.Clock
	Retry    retry.Policy
}

func NewSlotProvider(cfg Config) *SlotProvider {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &SlotProvider{calendar: cfg.Calendar, cfg: cfg.Rules, clock: c, retry: cfg.Retry}
}

// Offers returns up to cfg.MaxOffers bookable SlotOffers, 1-based in
// presentation order. The window is the rest of today plus the next
// cfg.LookaheadDays calendar days with Saturdays and Sundays skipped, so a
// window that spans a weekend holds fewer than cfg.LookaheadDays business
// days after today.
func (p *SlotProvider) Offers(ctx context.Context, displayTimezone string) ([]store.SlotOffer, error) {
	loc, err := time.LoadLocation(displayTimezone)
	if err != nil {
		loc = time.UTC
	}

	now := p.clock.Now().In(loc)
	windowStart := now
	windowEnd := now.AddDate(0, 0, p.cfg.LookaheadDays+1)

	var busy []calendar.BusyInterval
	err = retry.Do(ctx, p.retry, isRetryableCalendarError, func(ctx context.Context) error {
		b, err := p.calendar.FreeBusy(ctx, windowStart, windowEnd)
		if err != nil {
			return err
		}
		busy = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling: freebusy lookup failed: %w", err)
	}

	candidates := candidateStarts(now, p.cfg, loc)

	var offers []store.SlotOffer
	for _, start := range candidates {
		if len(offers) >= p.cfg.MaxOffers {
			break
		}
		end := start.Add(p.cfg.SlotDuration)
		if overlapsBusy(start, end, busy, p.cfg.Buffer) {
			continue
		}
		offers = append(offers, store.SlotOffer{
			OfferIndex:      len(offers) + 1,
			Start:           start,
			End:             end,
			DisplayTimezone: displayTimezone,
		})
	}
	return offers, nil
}

// candidateStarts enumerates every quarter-hour slot start on weekdays over
// the lookahead window whose slot lies entirely within business hours, in
// chronological order.
func candidateStarts(now time.Time, cfg config.Scheduling, loc *time.Location) []time.Time {
	var out []time.Time
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	for d := 0; d <= cfg.LookaheadDays; d++ {
		date := day.AddDate(0, 0, d)
		if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
			continue
		}
		dayStart := time.Date(date.Year(), date.Month(), date.Day(), cfg.BusinessHourStart, 0, 0, 0, loc)
		dayEnd := time.Date(date.Year(), date.Month(), date.Day(), cfg.BusinessHourEnd, 0, 0, 0, loc)
		for t := dayStart; !t.Add(cfg.SlotDuration).After(dayEnd); t = t.Add(15 * time.Minute) {
			if t.Before(now) {
				continue
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// overlapsBusy reports whether [start, end) falls within buffer of any busy
// interval, inclusive of the buffer both before and after the existing
// event (spec.md §4.4).
func overlapsBusy(start, end time.Time, busy []calendar.BusyInterval, buffer time.Duration) bool {
	for _, b := range busy {
		bufferedStart := b.Start.Add(-buffer)
		bufferedEnd := b.End.Add(buffer)
		if start.Before(bufferedEnd) && end.After(bufferedStart) {
			return true
		}
	}
	return false
}

// isRetryableCalendarError retries any transport failure except
// ErrSlotTaken, which is a definitive outcome, not a transient one.
func isRetryableCalendarError(err error) bool {
	return err != nil && !errors.Is(err, calendar.ErrSlotTaken)
}
