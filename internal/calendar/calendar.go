// Package calendar defines the organiser calendar provider contract used by
// the Slot Provider (C4) and Booking Executor (C5). Credentials are never
// handled directly: a golang.org/x/oauth2 TokenSource backs every call, so
// callers only ever see a provider-scoped *http.Client.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// BusyInterval is one existing event's occupied span, as reported by the
// provider's freebusy query. Buffering and business-hour filtering happen in
// dispatch/scheduling, not here.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// CreateEventRequest describes the event the Booking Executor wants created.
// AttemptID is a deterministic idempotency key (derived from session ID and
// offer index) so a retried create_event call cannot double-book.
type CreateEventRequest struct {
	AttemptID   string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
	Timezone    string
}

// Event is the provider's confirmation of a created booking.
type Event struct {
	ID    string
	Start time.Time
	End   time.Time
}

// ErrSlotTaken is returned by CreateEvent when the requested interval has
// been consumed by another booking since it was offered (spec.md §4.5).
var ErrSlotTaken = errors.New("calendar: slot no longer available")

// Provider is the organiser calendar contract. Only this interface and its
// OAuth2 plumbing are owned here; the concrete wire protocol a real
// organiser calendar speaks is external to this repository.
type Provider interface {
	// FreeBusy returns busy intervals overlapping [from, to).
	FreeBusy(ctx context.Context, from, to time.Time) ([]BusyInterval, error)

	// CreateEvent books an event, or returns ErrSlotTaken if the interval was
	// claimed between offer and booking. Idempotent when retried with the
	// same req.AttemptID.
	CreateEvent(ctx context.Context, req CreateEventRequest) (Event, error)
}

// NewAuthorizedClient returns an *http.Client that injects and refreshes an
// OAuth2 bearer token from src on every request, per the teacher's
// provider-scoped-client convention (credentials never reach callers
// directly).
func NewAuthorizedClient(ctx context.Context, src oauth2.TokenSource) *http.Client {
	return oauth2.NewClient(ctx, src)
}

// HTTPProvider is a generic JSON/REST Provider implementation. The concrete
// wire shape (endpoint paths, payload fields) is necessarily a placeholder
// since no organiser calendar protocol is specified; it exists so the
// OAuth2 + retry plumbing has a real call site to exercise.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a Provider against baseURL using an OAuth2-backed
// client (see NewAuthorizedClient).
func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	return &HTTPProvider{baseURL: baseURL, client: client}
}

type freeBusyResponse struct {
	Busy []struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"busy"`
}

func (p *HTTPProvider) FreeBusy(ctx context.Context, from, to time.Time) ([]BusyInterval, error) {
	url := fmt.Sprintf("%s/freebusy?from=%s&to=%s", p.baseURL, from.Format(time.RFC3339), to.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar: freebusy request failed with status %d", resp.StatusCode)
	}

	var parsed freeBusyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("calendar: decode freebusy response: %w", err)
	}

	out := make([]BusyInterval, 0, len(parsed.Busy))
	for _, b := range parsed.Busy {
		out = append(out, BusyInterval{Start: b.Start, End: b.End})
	}
	return out, nil
}

type createEventPayload struct {
	AttemptID   string   `json:"attempt_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string `json:"attendees"`
	Timezone    string   `json:"timezone"`
}

type createEventResponse struct {
	EventID string    `json:"event_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

func (p *HTTPProvider) CreateEvent(ctx context.Context, r CreateEventRequest) (Event, error) {
	body, err := json.Marshal(createEventPayload{
		AttemptID:   r.AttemptID,
		Title:       r.Title,
		Description: r.Description,
		Start:       r.Start,
		End:         r.End,
		Attendees:   r.Attendees,
		Timezone:    r.Timezone,
	})
	if err != nil {
		return Event{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return Event{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Event{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return Event{}, ErrSlotTaken
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Event{}, fmt.Errorf("calendar: create_event failed with status %d", resp.StatusCode)
	}

	var parsed createEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Event{}, fmt.Errorf("calendar: decode create_event response: %w", err)
	}
	return Event{ID: parsed.EventID, Start: parsed.Start, End: parsed.End}, nil
}

var _ Provider = (*HTTPProvider)(nil)
