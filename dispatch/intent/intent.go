// Package intent implements the Intent Classifier (C2): a layered
// pattern -> semantic(LLM) -> disambiguation pipeline, grounded on the
// teacher's ai/router three-layer cache -> rule -> LLM design but
// restructured around spec.md §4.2's exact rule set.
package intent


// Intent is one of the six categories the classifier resolves an utterance
// to.
type Intent string

const (
	Information      Intent = "information"
	Scheduling       Intent = "scheduling"
	TechnicalSupport Intent = "technical_support"
	SlotSelection    Intent = "slot_selection"
	Abusive          Intent = "abusive"
	Unknown          Intent = "unknown"
)

// Result is the classifier's report. It never makes a routing decision —
// that is the Orchestrator's job (C9).
type Result struct {
	Intent     Intent
	Confidence float32
	// SlotIndex is set only when Intent == SlotSelection, the 1-based
	// offer the user selected.
	SlotIndex int
	// Layer names which pass resolved the result ("pattern" or
	// "semantic"; a cache hit keeps the layer of the stored result), for
	// observability only.
	Layer  string
	Reason string
}

// Input is everything the classifier may use to resolve one utterance.
type Input struct {
	Utterance    string
	PendingSlots int // len(session.PendingSlots); 0 means none offered
	// RecentHistory is an optional short window of recent turns, newest
	// last, passed through to the semantic pass as context.
	RecentHistory []string
}
