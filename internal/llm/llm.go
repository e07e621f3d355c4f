// Package llm defines the provider-agnostic LLM contract consumed by the
// Intent Classifier and Retrieval Answerer, mirroring the teacher's
// router.LLMClient shape: a single Complete call parameterized by a
// ModelConfig, so every OpenAI-protocol-compatible provider (openai,
// deepseek, siliconflow, dashscope, openrouter, ollama, zai) shares one
// client implementation.
package llm

import "context"

// ModelConfig selects the model and sampling parameters for one call.
type ModelConfig struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// Client is implemented once against the OpenAI-compatible wire protocol
// and reused across every provider the dispatcher talks to.
type Client interface {
	// Complete sends a single-turn completion request and returns the raw
	// text response.
	Complete(ctx context.Context, systemPrompt, userPrompt string, cfg ModelConfig) (string, error)

	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}
