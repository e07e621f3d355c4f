package intent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/dispatch/intent"
)

func testCategories() config.Categories {
	return config.Default().Categories
}

func TestPatternMatcher_SlotSelectionByDigit(t *testing.T) {
	m := intent.NewPatternMatcher(testCategories())
	result, matched := m.Match(intent.Input{Utterance: "2", PendingSlots: 3})
	require.True(t, matched)
	assert.Equal(t, intent.SlotSelection, result.Intent)
	assert.Equal(t, 2, result.SlotIndex)
}

func TestPatternMatcher_SlotSelectionByOptionN(t *testing.T) {
	m := intent.NewPatternMatcher(testCategories())
	result, matched := m.Match(intent.Input{Utterance: "Option 3", PendingSlots: 3})
	require.True(t, matched)
	assert.Equal(t, intent.SlotSelection, result.Intent)
	assert.Equal(t, 3, result.SlotIndex)
}

func TestPatternMatcher_DigitsIgnoredWithoutPendingSlots(t *testing.T) {
	m := intent.NewPatternMatcher(testCategories())
	_, matched := m.Match(intent.Input{Utterance: "2", PendingSlots: 0})
	assert.False(t, matched, "a bare number means nothing when nothing was offered")
}

func TestPatternMatcher_DisambiguationOverridesSchedulingVerb(t *testing.T) {
	m := intent.NewPatternMatcher(testCategories())
	result, matched := m.Match(intent.Input{Utterance: "What is a demo?"})
	require.True(t, matched)
	assert.Equal(t, intent.Information, result.Intent, "descriptive question about a demo must not resolve to Scheduling")
}

func TestPatternMatcher_SchedulingVerb(t *testing.T) {
	m := intent.NewPatternMatcher(testCategories())
	result, matched := m.Match(intent.Input{Utterance: "I'd like to book a demo"})
	require.True(t, matched)
	assert.Equal(t, intent.Scheduling, result.Intent)
}

func TestPatternMatcher_ErrorKeyword(t *testing.T) {
	m := intent.NewPatternMatcher(testCategories())
	result, matched := m.Match(intent.Input{Utterance: "our integration is failing with a 500 error"})
	require.True(t, matched)
	assert.Equal(t, intent.TechnicalSupport, result.Intent)
}

func TestPatternMatcher_AmbiguousFallsThrough(t *testing.T) {
	m := intent.NewPatternMatcher(testCategories())
	_, matched := m.Match(intent.Input{Utterance: "hey there, quick question"})
	assert.False(t, matched)
}
