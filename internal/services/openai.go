package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/finquill/finquill/internal/models"
)

// OpenAI streams chat completions from OpenAI's API, or from any OpenAI-compatible
// endpoint when a base URL is configured.
type OpenAI struct {
	model  string
	params Parameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key and model name.
// A non-empty baseURL points the client at a compatible third-party endpoint.
func NewOpenAI(apiKey, baseURL, model string, params Parameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// EstimateTokens approximates the token count of the assembled input.
func (o OpenAI) EstimateTokens(messages []models.PromptMessage) int {
	return estimateTokens(messages)
}

func openAIMessages(messages []models.PromptMessage) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

// Stream streams one model response for the assembled input. Tool-call deltas are
// yielded as non-text chunks so the consumer decides how to treat them.
func (o OpenAI) Stream(ctx context.Context, messages []models.PromptMessage) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		req := o.chatRequest(openAIMessages(messages), true)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			if delta.Content != "" {
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: delta.Content}, nil) {
					return
				}
			}
			if len(delta.ToolCalls) > 0 {
				if !yield(models.Chunk{Type: models.ChunkTypeOther}, nil) {
					return
				}
			}
		}
	}
}

// Invoke performs one non-streaming completion and returns the full response text.
func (o OpenAI) Invoke(ctx context.Context, messages []models.PromptMessage) (string, error) {
	req := o.chatRequest(openAIMessages(messages), false)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
