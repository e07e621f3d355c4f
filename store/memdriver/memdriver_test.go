package memdriver_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/store/memdriver"
)

func TestFindOrCreateActive_SingleSessionPerUser(t *testing.T) {
	d := memdriver.New()
	ctx := context.Background()
	uk := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u1"}

	s1, err := d.FindOrCreateActive(ctx, uk, "chan-1", store.SurfaceWebchat)
	require.NoError(t, err)

	s2, err := d.FindOrCreateActive(ctx, uk, "chan-1", store.SurfaceWebchat)
	require.NoError(t, err)

	assert.Equal(t, s1.SessionID, s2.SessionID, "P1: at most one active session per user_key")
}

func TestFindOrCreateActive_NewSessionAfterClose(t *testing.T) {
	d := memdriver.New()
	ctx := context.Background()
	uk := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u1"}

	s1, err := d.FindOrCreateActive(ctx, uk, "chan-1", store.SurfaceWebchat)
	require.NoError(t, err)

	_, err = d.Transition(ctx, s1.SessionID, store.StateActiveAI, store.StateClosed, store.TransitionFields{})
	require.NoError(t, err)

	s2, err := d.FindOrCreateActive(ctx, uk, "chan-1", store.SurfaceWebchat)
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s2.SessionID, "a message after Closed creates a new session")
}

func TestTransition_MonotonicDAG(t *testing.T) {
	d := memdriver.New()
	ctx := context.Background()
	uk := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u2"}
	s, err := d.FindOrCreateActive(ctx, uk, "chan", store.SurfaceWebchat)
	require.NoError(t, err)

	_, err = d.Transition(ctx, s.SessionID, store.StateActiveAI, store.StateEscalatedUnclaimed, store.TransitionFields{})
	require.NoError(t, err)

	// Skipping a state in the DAG fails because the CAS from-state no longer matches.
	_, err = d.Transition(ctx, s.SessionID, store.StateActiveAI, store.StateClosed, store.TransitionFields{})
	assert.ErrorIs(t, err, store.ErrStale)

	_, err = d.Transition(ctx, s.SessionID, store.StateEscalatedUnclaimed, store.StateEscalatedClaimed, store.TransitionFields{AssignedAgent: "agent-1"})
	require.NoError(t, err)
}

func TestTransition_ClaimRaceExactlyOneWinner(t *testing.T) {
	d := memdriver.New()
	ctx := context.Background()
	uk := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u3"}
	s, err := d.FindOrCreateActive(ctx, uk, "chan", store.SurfaceWebchat)
	require.NoError(t, err)
	_, err = d.Transition(ctx, s.SessionID, store.StateActiveAI, store.StateEscalatedUnclaimed, store.TransitionFields{})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Transition(ctx, s.SessionID, store.StateEscalatedUnclaimed, store.StateEscalatedClaimed, store.TransitionFields{AssignedAgent: "agent"})
			wins[i] = err == nil
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount, "P6: exactly one concurrent claim attempt succeeds")

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n-1), stats.ClaimRacesLost)
}

func TestAppendMessage_HistoryMonotonicallyGrows(t *testing.T) {
	d := memdriver.New()
	ctx := context.Background()
	uk := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u4"}
	s, err := d.FindOrCreateActive(ctx, uk, "chan", store.SurfaceWebchat)
	require.NoError(t, err)

	prevLen := len(s.History)
	for i := 0; i < 5; i++ {
		s, err = d.AppendMessage(ctx, s.SessionID, store.Message{Role: store.RoleUser, Content: "hi"})
		require.NoError(t, err)
		assert.Greater(t, len(s.History), prevLen, "P4: history length is monotonically non-decreasing")
		prevLen = len(s.History)
	}
}

func TestSetPendingSlots_ConsumedOnClear(t *testing.T) {
	d := memdriver.New()
	ctx := context.Background()
	uk := store.UserKey{Surface: store.SurfaceWebchat, ExternalUserID: "u5"}
	s, err := d.FindOrCreateActive(ctx, uk, "chan", store.SurfaceWebchat)
	require.NoError(t, err)

	require.NoError(t, d.SetPendingSlots(ctx, s.SessionID, []store.SlotOffer{{OfferIndex: 1}}))
	s, err = d.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Len(t, s.PendingSlots, 1)

	require.NoError(t, d.ClearPendingSlots(ctx, s.SessionID))
	s, err = d.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, s.PendingSlots, "P5: slot consumption empties pending_slots")
}
