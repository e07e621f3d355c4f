package retrieval_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/retrieval"
	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/llm"
	"github.com/Pavilion-devs/slack-agent/internal/vectorindex"
)

type fakeIndex struct {
	chunks []vectorindex.Chunk
}

func (f *fakeIndex) Search(context.Context, []float32, int) ([]vectorindex.Chunk, error) {
	return f.chunks, nil
}

type fakeLLM struct {
	completeResponse string
}

func (f *fakeLLM) Complete(context.Context, string, string, llm.ModelConfig) (string, error) {
	return f.completeResponse, nil
}

func (f *fakeLLM) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func TestAnswerer_ParsesConfidenceFromResponse(t *testing.T) {
	idx := &fakeIndex{chunks: []vectorindex.Chunk{
		{ID: "doc-1", Content: "Our SLA guarantees 99.9% uptime.", Embedding: []float32{0.1, 0.2, 0.3}, Score: 0.9},
		{ID: "doc-2", Content: "Uptime is measured monthly.", Embedding: []float32{0.2, 0.1, 0.4}, Score: 0.8},
	}}
	llmClient := &fakeLLM{completeResponse: "We guarantee 99.9% uptime. [1]\nCONFIDENCE: 0.82"}

	thresholds := config.Default().Thresholds
	a := retrieval.New(retrieval.Config{Index: idx, LLM: llmClient, Thresholds: thresholds})

	answer, err := a.Answer(context.Background(), "sess-1", 0, "what is your uptime SLA?")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, answer.Confidence, 0.001)
	assert.Contains(t, answer.Text, "99.9%")
	assert.Len(t, answer.Citations, 2)
}

func TestAnswerer_ForcesLowConfidenceBelowKmin(t *testing.T) {
	idx := &fakeIndex{chunks: []vectorindex.Chunk{
		{ID: "doc-1", Content: "loosely related content", Embedding: []float32{0.1, 0.2, 0.3}, Score: 0.1},
	}}
	llmClient := &fakeLLM{completeResponse: "I think this might help.\nCONFIDENCE: 0.95"}

	thresholds := config.Default().Thresholds
	a := retrieval.New(retrieval.Config{Index: idx, LLM: llmClient, Thresholds: thresholds})

	answer, err := a.Answer(context.Background(), "sess-1", 0, "obscure question")
	require.NoError(t, err)
	assert.LessOrEqual(t, answer.Confidence, thresholds.LowConfidenceCeil, "fewer than Kmin chunks above the floor must cap confidence to force escalation")
}

func TestAnswerer_MissingConfidenceLineDefaultsToMid(t *testing.T) {
	idx := &fakeIndex{chunks: []vectorindex.Chunk{
		{ID: "doc-1", Content: "some evidence", Embedding: []float32{0.1, 0.2, 0.3}, Score: 0.9},
	}}
	llmClient := &fakeLLM{completeResponse: "An answer with no confidence line."}

	thresholds := config.Default().Thresholds
	a := retrieval.New(retrieval.Config{Index: idx, LLM: llmClient, Thresholds: thresholds})

	answer, err := a.Answer(context.Background(), "sess-1", 0, "question")
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), answer.Confidence)
}
