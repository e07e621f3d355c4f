package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Pavilion-devs/slack-agent/internal/config"
)

var optionNRe = regexp.MustCompile(`(?i)^\s*option\s+(\d+)\s*$`)
var digitsOnlyRe = regexp.MustCompile(`^\s*(\d+)\s*$`)

// PatternMatcher is the deterministic, high-precision first layer of
// classification. It never calls an LLM.
type PatternMatcher struct {
	categories config.Categories
}

func NewPatternMatcher(categories config.Categories) *PatternMatcher {
	return &PatternMatcher{categories: categories}
}

// Match runs the pattern pass described in spec.md §4.2. The second return
// value reports whether the pattern pass reached a confident conclusion; a
// false means the semantic pass should run.
func (m *PatternMatcher) Match(in Input) (Result, bool) {
	text := strings.TrimSpace(in.Utterance)
	lower := strings.ToLower(text)

	if in.PendingSlots > 0 {
		if idx, ok := parseSlotSelection(text); ok {
			return Result{Intent: SlotSelection, Confidence: 0.99, SlotIndex: idx, Layer: "pattern"}, true
		}
	}

	if containsAny(lower, m.categories.AbuseLexicon) {
		return Result{Intent: Abusive, Confidence: 0.95, Layer: "pattern"}, true
	}

	// Disambiguation rule: descriptive/interrogative qualifiers override
	// scheduling verbs. "what is a demo" must resolve to Information, never
	// Scheduling, even though it contains "demo".
	if containsAny(lower, m.categories.DisambiguationQualifiers) {
		return Result{Intent: Information, Confidence: 0.85, Layer: "pattern", Reason: "disambiguation qualifier"}, true
	}

	if containsAny(lower, m.categories.SchedulingVerbs) {
		return Result{Intent: Scheduling, Confidence: 0.85, Layer: "pattern"}, true
	}

	if containsAny(lower, m.categories.ErrorKeywords) {
		return Result{Intent: TechnicalSupport, Confidence: 0.8, Layer: "pattern"}, true
	}

	return Result{}, false
}

func parseSlotSelection(text string) (int, bool) {
	if m := digitsOnlyRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n, true
		}
	}
	if m := optionNRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// containsAny reports whether s contains any of patterns. Callers pass an
// already-lowercased s; each pattern is lowercased here before matching.
func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
