package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Pavilion-devs/slack-agent/internal/llm"
)

const semanticSystemPrompt = `You classify a customer support message into exactly one of:
information, scheduling, technical_support, slot_selection, abusive, unknown.
Respond with JSON only: {"intent": "...", "confidence": 0.0-1.0, "reason": "..."}.
"what is a demo" or any descriptive question about a product/feature is information, never scheduling.`

type semanticResponse struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// semanticClassify invokes the LLM fallback layer, asking for one of the
// enumerated intents with a confidence and brief reason (spec.md §4.2 layer 2).
func semanticClassify(ctx context.Context, client llm.Client, model llm.ModelConfig, in Input) (Result, error) {
	var historyBlock string
	if len(in.RecentHistory) > 0 {
		historyBlock = "Recent context:\n" + strings.Join(in.RecentHistory, "\n") + "\n\n"
	}
	userPrompt := fmt.Sprintf("%sMessage: %s", historyBlock, in.Utterance)

	raw, err := client.Complete(ctx, semanticSystemPrompt, userPrompt, model)
	if err != nil {
		return Result{}, fmt.Errorf("semantic classification request failed: %w", err)
	}

	return parseSemanticResponse(raw), nil
}

func parseSemanticResponse(raw string) Result {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var resp semanticResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Result{Intent: Unknown, Confidence: 0, Layer: "semantic", Reason: "unparseable LLM response"}
	}

	confidence := float32(resp.Confidence)
	if confidence <= 0 || confidence > 1 {
		confidence = 0.6
	}
	return Result{
		Intent:     stringToIntent(resp.Intent),
		Confidence: confidence,
		Layer:      "semantic",
		Reason:     resp.Reason,
	}
}

func stringToIntent(s string) Intent {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, `"'`+"`")
	switch s {
	case "information":
		return Information
	case "scheduling":
		return Scheduling
	case "technical_support", "technicalsupport":
		return TechnicalSupport
	case "slot_selection", "slotselection":
		return SlotSelection
	case "abusive":
		return Abusive
	default:
		return Unknown
	}
}
