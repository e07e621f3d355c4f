package intent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavilion-devs/slack-agent/dispatch/intent"
	"github.com/Pavilion-devs/slack-agent/internal/llm"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(_ context.Context, _, _ string, _ llm.ModelConfig) (string, error) {
	f.calls++
	return f.response, f.err
}

func (f *fakeLLM) Embed(context.Context, string) ([]float32, error) {
	return nil, nil
}

func TestClassifier_PatternPassShortCircuitsLLM(t *testing.T) {
	fake := &fakeLLM{}
	c, err := intent.New(intent.Config{
		Categories:  testCategories(),
		LLM:         fake,
		CacheConfig: intent.DefaultCacheConfig(),
	})
	require.NoError(t, err)

	result, err := c.Classify(context.Background(), intent.Input{Utterance: "what is a demo"})
	require.NoError(t, err)
	assert.Equal(t, intent.Information, result.Intent)
	assert.Equal(t, 0, fake.calls, "pattern pass resolved it; LLM should never be called")
}

func TestClassifier_FallsBackToSemanticPass(t *testing.T) {
	fake := &fakeLLM{response: `{"intent": "information", "confidence": 0.8, "reason": "general question"}`}
	c, err := intent.New(intent.Config{
		Categories:  testCategories(),
		LLM:         fake,
		CacheConfig: intent.DefaultCacheConfig(),
	})
	require.NoError(t, err)

	result, err := c.Classify(context.Background(), intent.Input{Utterance: "hey there, quick question"})
	require.NoError(t, err)
	assert.Equal(t, intent.Information, result.Intent)
	assert.Equal(t, float32(0.8), result.Confidence)
	assert.Equal(t, 1, fake.calls)
}

func TestClassifier_CachesSemanticResult(t *testing.T) {
	fake := &fakeLLM{response: `{"intent": "scheduling", "confidence": 0.9}`}
	c, err := intent.New(intent.Config{
		Categories:  testCategories(),
		LLM:         fake,
		CacheConfig: intent.DefaultCacheConfig(),
	})
	require.NoError(t, err)

	in := intent.Input{Utterance: "hmm, not sure what I need"}
	_, err = c.Classify(context.Background(), in)
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.calls, "second classification of the same utterance should hit the cache")
}

func TestClassifier_DisambiguationQualifierResolvesBeforeSemanticPass(t *testing.T) {
	fake := &fakeLLM{response: `{"intent": "scheduling", "confidence": 0.7}`}
	c, err := intent.New(intent.Config{
		Categories:  testCategories(),
		LLM:         fake,
		CacheConfig: intent.DefaultCacheConfig(),
	})
	require.NoError(t, err)

	result, err := c.Classify(context.Background(), intent.Input{Utterance: "tell me about your demo thing, not sure"})
	require.NoError(t, err)
	assert.Equal(t, intent.Information, result.Intent, "disambiguation qualifier should resolve to Information in the pattern pass")
	assert.Equal(t, 0, fake.calls, "the Scheduling-leaning LLM should never be consulted")
}
