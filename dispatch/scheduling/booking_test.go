package scheduling_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/scheduling"
	"github.com/Pavilion-devs/slack-agent/internal/calendar"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/store"
)

func noRetryPolicy() retry.Policy {
	return retry.NewPolicy(1, time.Millisecond, time.Millisecond, 1000, 1)
}

func TestExecutor_BooksWhenSlotStillFree(t *testing.T) {
	cal := &fakeCalendar{}
	e := scheduling.NewExecutor(cal, noRetryPolicy(), 15*time.Minute)

	offer := store.SlotOffer{OfferIndex: 1, Start: time.Now(), End: time.Now().Add(30 * time.Minute), DisplayTimezone: "UTC"}
	booking, err := e.Book(context.Background(), scheduling.AttemptID("sess-1", 1), "Demo call", "", []string{"a@b.com"}, offer)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", booking.EventID)
	require.Len(t, cal.created, 1)
	assert.Equal(t, scheduling.AttemptID("sess-1", 1), cal.created[0].AttemptID)
}

func TestExecutor_FailsWithSlotTakenWhenReCheckFindsConflict(t *testing.T) {
	offerStart := time.Now()
	cal := &fakeCalendar{busy: []calendar.BusyInterval{
		{Start: offerStart, End: offerStart.Add(30 * time.Minute)},
	}}
	e := scheduling.NewExecutor(cal, noRetryPolicy(), 15*time.Minute)

	offer := store.SlotOffer{OfferIndex: 1, Start: offerStart, End: offerStart.Add(30 * time.Minute), DisplayTimezone: "UTC"}
	_, err := e.Book(context.Background(), scheduling.AttemptID("sess-1", 1), "Demo call", "", nil, offer)
	assert.ErrorIs(t, err, calendar.ErrSlotTaken)
	assert.Empty(t, cal.created, "create_event must not be called once the re-check finds a conflict")
}

func TestExecutor_FailsWithSlotTakenWhenCreateEventConflicts(t *testing.T) {
	cal := &fakeCalendar{slotTaken: true}
	e := scheduling.NewExecutor(cal, noRetryPolicy(), 15*time.Minute)

	offer := store.SlotOffer{OfferIndex: 1, Start: time.Now(), End: time.Now().Add(30 * time.Minute), DisplayTimezone: "UTC"}
	_, err := e.Book(context.Background(), scheduling.AttemptID("sess-1", 1), "Demo call", "", nil, offer)
	assert.ErrorIs(t, err, calendar.ErrSlotTaken)
}

func TestExecutor_WrapsTransientFreeBusyFailure(t *testing.T) {
	cal := &fakeCalendar{freeBusyErr: errors.New("timeout")}
	e := scheduling.NewExecutor(cal, noRetryPolicy(), 15*time.Minute)

	offer := store.SlotOffer{OfferIndex: 1, Start: time.Now(), End: time.Now().Add(30 * time.Minute), DisplayTimezone: "UTC"}
	_, err := e.Book(context.Background(), scheduling.AttemptID("sess-1", 1), "Demo call", "", nil, offer)
	assert.ErrorIs(t, err, scheduling.ErrSlotProviderUnavailable)
}
