package scheduling_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/scheduling"
	"github.com/Pavilion-devs/slack-agent/internal/calendar"
	"github.com/Pavilion-devs/slack-agent/internal/clock"
	"github.com/Pavilion-devs/slack-agent/internal/config"
)

type fakeCalendar struct {
	busy       []calendar.BusyInterval
	created    []calendar.CreateEventRequest
	slotTaken  bool
	freeBusyErr error
}

func (f *fakeCalendar) FreeBusy(context.Context, time.Time, time.Time) ([]calendar.BusyInterval, error) {
	if f.freeBusyErr != nil {
		return nil, f.freeBusyErr
	}
	return f.busy, nil
}

func (f *fakeCalendar) CreateEvent(_ context.Context, req calendar.CreateEventRequest) (calendar.Event, error) {
	if f.slotTaken {
		return calendar.Event{}, calendar.ErrSlotTaken
	}
	f.created = append(f.created, req)
	return calendar.Event{ID: "evt-1", Start: req.Start, End: req.End}, nil
}

func mondayNineAM(loc *time.Location) time.Time {
	// 2026-08-03 is a Monday.
	return time.Date(2026, 8, 3, 9, 0, 0, 0, loc)
}

func TestSlotProvider_RespectsBusinessHoursAndBuffer(t *testing.T) {
	loc := time.UTC
	now := mondayNineAM(loc)
	cal := &fakeCalendar{busy: []calendar.BusyInterval{
		{Start: now.Add(1 * time.Hour), End: now.Add(90 * time.Minute)},
	}}

	p := scheduling.NewSlotProvider(scheduling.Config{
		Calendar: cal,
		Rules:    config.Default().Scheduling,
		Clock:    clock.Fixed{At: now},
	})

	offers, err := p.Offers(context.Background(), "UTC")
	require.NoError(t, err)
	require.NotEmpty(t, offers)

	for _, o := range offers {
		assert.True(t, o.Start.Hour() >= 9 && o.Start.Hour() < 17)
		assert.NotEqual(t, time.Saturday, o.Start.Weekday())
		assert.NotEqual(t, time.Sunday, o.Start.Weekday())
		assert.Equal(t, 0, o.Start.Minute()%15, "slots must begin on a quarter hour")
	}

	// No offer should overlap the buffered busy interval.
	busyStart := now.Add(1 * time.Hour).Add(-15 * time.Minute)
	busyEnd := now.Add(90 * time.Minute).Add(15 * time.Minute)
	for _, o := range offers {
		overlaps := o.Start.Before(busyEnd) && o.End.After(busyStart)
		assert.False(t, overlaps, "offer %v must honor the 15-minute buffer", o)
	}
}

func TestSlotProvider_CapsAtMaxOffers(t *testing.T) {
	loc := time.UTC
	now := mondayNineAM(loc)
	cal := &fakeCalendar{}

	rules := config.Default().Scheduling
	rules.MaxOffers = 3
	p := scheduling.NewSlotProvider(scheduling.Config{
		Calendar: cal,
		Rules:    rules,
		Clock:    clock.Fixed{At: now},
	})

	offers, err := p.Offers(context.Background(), "UTC")
	require.NoError(t, err)
	assert.Len(t, offers, 3)
	assert.Equal(t, 1, offers[0].OfferIndex)
	assert.Equal(t, 3, offers[2].OfferIndex)
}
