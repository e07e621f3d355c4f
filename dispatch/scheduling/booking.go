package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Pavilion-devs/slack-agent/internal/calendar"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/store"
)

// Booking is C5's successful output.
type Booking struct {
	EventID string
	Start   time.Time
	End     time.Time
}

// ErrSlotProviderUnavailable wraps a freebusy lookup failure at booking time.
var ErrSlotProviderUnavailable = errors.New("scheduling: slot provider unavailable")

// ErrBookingFailed wraps any create_event failure other than ErrSlotTaken.
var ErrBookingFailed = errors.New("scheduling: booking failed")

// Executor books a chosen SlotOffer, re-checking availability immediately
// before the write (spec.md §4.5).
type Executor struct {
	calendar calendar.Provider
	retry    retry.Policy
	buffer   time.Duration
}

func NewExecutor(cal calendar.Provider, retryPolicy retry.Policy, buffer time.Duration) *Executor {
	return &Executor{calendar: cal, retry: retryPolicy, buffer: buffer}
}

// Book attempts to create the calendar event for offer. attemptID must be
// deterministic per (session, offer) so a retried create_event call cannot
// double-book; callers derive it from the session ID and offer index.
func (e *Executor) Book(ctx context.Context, attemptID, title, description string, attendees []string, offer store.SlotOffer) (Booking, error) {
	var busy []calendar.BusyInterval
	err := retry.Do(ctx, e.retry, isRetryableCalendarError, func(ctx context.Context) error {
		b, err := e.calendar.FreeBusy(ctx, offer.Start, offer.End)
		if err != nil {
			return err
		}
		busy = b
		return nil
	})
	if err != nil {
		return Booking{}, fmt.Errorf("%w: %v", ErrSlotProviderUnavailable, err)
	}
	if overlapsBusy(offer.Start, offer.End, busy, e.buffer) {
		return Booking{}, calendar.ErrSlotTaken
	}

	var event calendar.Event
	err = retry.Do(ctx, e.retry, isRetryableCalendarError, func(ctx context.Context) error {
		ev, err := e.calendar.CreateEvent(ctx, calendar.CreateEventRequest{
			AttemptID:   attemptID,
			Title:       title,
			Description: description,
			Start:       offer.Start,
			End:         offer.End,
			Attendees:   attendees,
			Timezone:    offer.DisplayTimezone,
		})
		if err != nil {
			return err
		}
		event = ev
		return nil
	})
	if errors.Is(err, calendar.ErrSlotTaken) {
		return Booking{}, calendar.ErrSlotTaken
	}
	if err != nil {
		return Booking{}, fmt.Errorf("%w: %v", ErrBookingFailed, err)
	}

	return Booking{EventID: event.ID, Start: event.Start, End: event.End}, nil
}

// AttemptID derives a deterministic idempotency key for a booking attempt.
func AttemptID(sessionID string, offerIndex int) string {
	return fmt.Sprintf("%s-offer-%d", sessionID, offerIndex)
}
