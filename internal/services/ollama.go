package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/finquill/finquill/internal/models"
)

// Ollama streams chat completions from a local Ollama server.
type Ollama struct {
	host  string
	model string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name.
// If the provided host URL is invalid, the function will panic.
func NewOllama(host, model string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
	}
}

// EstimateTokens approximates the token count of the assembled input.
func (o Ollama) EstimateTokens(messages []models.PromptMessage) int {
	return estimateTokens(messages)
}

func ollamaMessages(messages []models.PromptMessage) []api.Message {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

// Stream streams one model response for the assembled input. The response arrives
// through the client's callback and is forwarded chunk by chunk to the iterator.
func (o Ollama) Stream(ctx context.Context, messages []models.PromptMessage) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(messages),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if !yield(models.Chunk{Type: models.ChunkTypeText, Text: res.Message.Content}, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

// Invoke performs one non-streaming completion and returns the full response text.
func (o Ollama) Invoke(ctx context.Context, messages []models.PromptMessage) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: ollamaMessages(messages),
		Stream:   &f,
	}

	var content string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		content = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return content, nil
}
