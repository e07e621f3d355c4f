package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Pavilion-devs/slack-agent/internal/retry"
)

// OpenAIClient implements Client against any OpenAI-protocol-compatible
// endpoint by pointing the SDK's BaseURL at the configured provider.
type OpenAIClient struct {
	client         *openai.Client
	embeddingModel openai.EmbeddingModel
	retryPolicy    retry.Policy
}

// NewOpenAIClient builds a Client for baseURL (empty means the real OpenAI
// API) using apiKey, with embeddingModel used for every Embed call.
func NewOpenAIClient(apiKey, baseURL, embeddingModel string, retryPolicy retry.Policy) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: openai.EmbeddingModel(embeddingModel),
		retryPolicy:    retryPolicy,
	}
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return true
}

func asAPIError(err error, target **openai.APIError) bool {
	apiErr, ok := err.(*openai.APIError)
	if ok {
		*target = apiErr
	}
	return ok
}

func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string, mc ModelConfig) (string, error) {
	var result string
	err := retry.Do(ctx, c.retryPolicy, isRetryableOpenAIError, func(ctx context.Context) error {
		messages := []openai.ChatCompletionMessage{}
		if systemPrompt != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: userPrompt,
		})

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       mc.Model,
			Messages:    messages,
			MaxTokens:   mc.MaxTokens,
			Temperature: mc.Temperature,
		})
		if err != nil {
			return fmt.Errorf("chat completion request failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("chat completion returned no choices")
		}
		result = resp.Choices[0].Message.Content
		return nil
	})
	return result, err
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	err := retry.Do(ctx, c.retryPolicy, isRetryableOpenAIError, func(ctx context.Context) error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: c.embeddingModel,
		})
		if err != nil {
			return fmt.Errorf("embedding request failed: %w", err)
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("embedding request returned no data")
		}
		result = resp.Data[0].Embedding
		return nil
	})
	return result, err
}

var _ Client = (*OpenAIClient)(nil)
