package services

import (
	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/ratelimit"
)

// Parameters holds optional model sampling parameters. Nil fields are left at the
// provider's defaults.
type Parameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

const defaultMaxTokens = 4096

func (p Parameters) maxTokens() int {
	if p.MaxTokens != nil {
		return *p.MaxTokens
	}
	return defaultMaxTokens
}

func estimateTokens(messages []models.PromptMessage) int {
	contents := make([]string, len(messages))
	for i, msg := range messages {
		contents[i] = msg.Content
	}
	return ratelimit.EstimateTokens(contents)
}
