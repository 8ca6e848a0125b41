package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/ratelimit"
)

// ReportJob is the payload of a generate_report job.
type ReportJob struct {
	MessageID uuid.UUID `json:"message_id"`
	Prompt    string    `json:"prompt"`
}

// SectionPrompt is one aspect of a report group.
type SectionPrompt struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// SectionGroup is a named group of report sections generated sequentially.
type SectionGroup struct {
	Name    string          `yaml:"name"`
	Prompts []SectionPrompt `yaml:"prompts"`
}

// ReportTemplate describes the structure of a generated report. Groups run
// concurrently; the sections within a group run in order.
type ReportTemplate struct {
	SystemPrompt string         `yaml:"system_prompt"`
	Groups       []SectionGroup `yaml:"groups"`
}

// DefaultReportTemplate is the built-in short company memo structure, used when the
// config does not point at a template file.
func DefaultReportTemplate() ReportTemplate {
	return ReportTemplate{
		SystemPrompt: systemPrompt,
		Groups: []SectionGroup{
			{
				Name: "Business Overview",
				Prompts: []SectionPrompt{
					{Name: "Company Profile", Prompt: "Summarize the company's business model, main segments, and geographic footprint."},
					{Name: "Strategy", Prompt: "Summarize the company's stated strategy and recent strategic initiatives."},
				},
			},
			{
				Name: "Financial Performance",
				Prompts: []SectionPrompt{
					{Name: "Revenue", Prompt: "Analyze revenue development by segment with exact figures and growth rates."},
					{Name: "Profitability", Prompt: "Analyze margins and profitability drivers with exact figures."},
					{Name: "Cash Flow", Prompt: "Analyze operating, investing, and financing cash flows."},
				},
			},
			{
				Name: "Risks",
				Prompts: []SectionPrompt{
					{Name: "Key Risks", Prompt: "List the key risks the documents disclose, with the disclosed mitigations."},
				},
			},
		},
	}
}

// Report generates a structured report instead of a conversational reply. It is the
// delegation target of the chat pipeline's classification branch and publishes no chat
// stream; sections become persisted report messages.
type Report struct {
	store     ChatStore
	retriever Retriever
	provider  Provider
	limiter   *ratelimit.Limiter
	template  ReportTemplate

	logger *slog.Logger
}

// NewReport creates the report generation pipeline.
func NewReport(
	store ChatStore,
	retriever Retriever,
	provider Provider,
	limiter *ratelimit.Limiter,
	template ReportTemplate,
	logger *slog.Logger,
) *Report {
	return &Report{
		store:     store,
		retriever: retriever,
		provider:  provider,
		limiter:   limiter,
		template:  template,
		logger:    logger.With(slog.String("module", "pipeline.report")),
	}
}

// Process generates every template section for the chat the triggering message belongs
// to. Groups run concurrently on their own goroutines; a failed group does not stop the
// others, and the combined error is returned for the worker's retry policy.
func (r *Report) Process(ctx context.Context, messageID uuid.UUID) error {
	message, err := r.store.ChatMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	documentIDs, err := r.store.ChatDocumentIDs(ctx, message.ChatID)
	if err != nil {
		return fmt.Errorf("failed to get chat documents: %w", err)
	}
	if len(documentIDs) == 0 {
		return errors.New("no documents attached to chat")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(r.template.Groups))
	for i, group := range r.template.Groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.generateGroup(ctx, message, documentIDs, group)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Report) generateGroup(
	ctx context.Context,
	message models.ChatMessage,
	documentIDs []uuid.UUID,
	group SectionGroup,
) error {
	for _, section := range group.Prompts {
		entries, err := r.retriever.GetContext(ctx, documentIDs, message.UserID, section.Prompt)
		if err != nil {
			return fmt.Errorf("failed to get context for %q: %w", section.Name, err)
		}
		if len(entries) == 0 {
			r.logger.Info("No context for section, skipping",
				slog.String("group", group.Name),
				slog.String("section", section.Name))
			continue
		}

		prompt := []models.PromptMessage{
			{Role: models.RoleSystem, Content: r.template.SystemPrompt},
			{Role: models.RoleUser, Content: renderContextBlock(entries)},
			{Role: models.RoleUser, Content: section.Prompt},
		}
		if err := r.limiter.Acquire(ctx, r.provider.EstimateTokens(prompt)); err != nil {
			return fmt.Errorf("failed to acquire rate limit: %w", err)
		}
		content, err := r.provider.Invoke(ctx, prompt)
		if err != nil {
			return fmt.Errorf("failed to generate section %q: %w", section.Name, err)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "## %s | %s\n\n%s", group.Name, section.Name, content)
		if _, err := r.store.AddChatMessage(ctx, models.ChatMessage{
			ChatID:      message.ChatID,
			UserID:      message.UserID,
			Role:        models.RoleAssistant,
			Content:     sb.String(),
			MessageType: models.MessageTypeReport,
		}); err != nil {
			return fmt.Errorf("failed to persist section %q: %w", section.Name, err)
		}
	}
	return nil
}
