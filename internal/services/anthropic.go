package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"github.com/finquill/finquill/internal/models"
)

// Anthropic streams chat completions from the Anthropic messages API using Claude
// models.
type Anthropic struct {
	apiKey string
	model  string
	params Parameters

	client *http.Client
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const anthropicAPIEndpoint = "https://api.anthropic.com/v1"

// NewAnthropic creates a new Anthropic instance with the specified API key and model
// name.
func NewAnthropic(apiKey, model string, params Parameters) Anthropic {
	return Anthropic{
		apiKey: apiKey,
		model:  model,
		params: params,
		client: &http.Client{},
	}
}

// EstimateTokens approximates the token count of the assembled input.
func (a Anthropic) EstimateTokens(messages []models.PromptMessage) int {
	return estimateTokens(messages)
}

// The messages API takes system instructions in a dedicated field; fold every system
// entry of the assembled input into it.
func anthropicMessages(messages []models.PromptMessage) (string, []anthropicMessage) {
	var system string
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return system, msgs
}

func (a Anthropic) request(ctx context.Context, messages []models.PromptMessage, stream bool) (*http.Response, error) {
	system, msgs := anthropicMessages(messages)
	reqBody := anthropicChatRequest{
		Model:       a.model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   a.params.maxTokens(),
		Temperature: a.params.Temperature,
		Stream:      stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	return a.client.Do(req)
}

// Stream streams one model response for the assembled input over the API's SSE wire.
func (a Anthropic) Stream(ctx context.Context, messages []models.PromptMessage) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := a.request(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Chunk{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: res.Delta.Text}, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// Invoke performs one non-streaming completion and returns the full response text.
func (a Anthropic) Invoke(ctx context.Context, messages []models.PromptMessage) (string, error) {
	resp, err := a.request(ctx, messages, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e anthropicError
		if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
			return "", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
		}
		return "", fmt.Errorf("anthropic error: status %d", resp.StatusCode)
	}

	var res anthropicResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("error unmarshaling response: %w", err)
	}
	var content string
	for _, block := range res.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return content, nil
}
