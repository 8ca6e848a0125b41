// Package pipeline contains the background jobs driving chat turns, report
// generation, and document ingestion. Jobs are enqueued fire-and-forget and executed by
// the worker; redelivery on failure is the worker's concern, not the pipelines'.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/bus"
	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/ratelimit"
)

// Job types consumed by the worker.
const (
	JobProcessChatMessage = "process_chat_message"
	JobGenerateReport     = "generate_report"
	JobProcessDocument    = "process_document"
)

// ChatMessageJob is the payload of a process_chat_message job, keyed by the triggering
// user message.
type ChatMessageJob struct {
	MessageID uuid.UUID `json:"message_id"`
}

// historyLimit caps how many prior turns are folded into the model input.
const historyLimit = 15

// ErrMessageNotFound marks a structural failure: the job references a message that
// does not exist. Not retried at this layer.
var ErrMessageNotFound = errors.New("message not found")

// Provider is the model-call collaborator. Non-text and empty chunks are permitted in
// the stream and must be skippable.
type Provider interface {
	EstimateTokens(messages []models.PromptMessage) int
	Stream(ctx context.Context, messages []models.PromptMessage) iter.Seq2[models.Chunk, error]
	Invoke(ctx context.Context, messages []models.PromptMessage) (string, error)
}

// Retriever is the retrieval collaborator producing grounding context for a query. It
// may return nothing.
type Retriever interface {
	GetContext(ctx context.Context, documentIDs []uuid.UUID, userID uuid.UUID, query string) ([]models.ContextEntry, error)
}

// ChatStore is the persistence surface the chat pipeline depends on.
type ChatStore interface {
	Chat(ctx context.Context, id uuid.UUID) (models.Chat, error)
	ChatMessage(ctx context.Context, id uuid.UUID) (models.ChatMessage, error)
	ChatHistory(ctx context.Context, chatID uuid.UUID, before time.Time, limit int) ([]models.ChatMessage, error)
	ChatDocumentIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
	AddChatMessage(ctx context.Context, message models.ChatMessage) (models.ChatMessage, error)
	// SetChatTitle persists the title and reports whether it was applied. When
	// overwrite is false the still-untitled check runs inside the same transaction
	// that writes the title.
	SetChatTitle(ctx context.Context, chatID uuid.UUID, title string, overwrite bool) (bool, error)
}

// Delegator hands a turn off to the long-running report path.
type Delegator interface {
	Delegate(ctx context.Context, messageID uuid.UUID, prompt string) error
}

// Chat orchestrates one chat turn end to end: context assembly, guarded model call,
// chunk fan-out, persistence, and title derivation.
type Chat struct {
	store     ChatStore
	bus       bus.Bus
	retriever Retriever
	provider  Provider
	limiter   *ratelimit.Limiter
	delegator Delegator

	allowTitleRewrite bool

	logger *slog.Logger
}

// ChatConfig wires a chat pipeline. Delegator may be nil, which disables the report
// classification branch.
type ChatConfig struct {
	Store     ChatStore
	Bus       bus.Bus
	Retriever Retriever
	Provider  Provider
	Limiter   *ratelimit.Limiter
	Delegator Delegator

	// AllowTitleRewrite permits replacing an existing chat title after every turn.
	AllowTitleRewrite bool

	Logger *slog.Logger
}

// NewChat creates the chat turn pipeline.
func NewChat(cfg ChatConfig) *Chat {
	return &Chat{
		store:             cfg.Store,
		bus:               cfg.Bus,
		retriever:         cfg.Retriever,
		provider:          cfg.Provider,
		limiter:           cfg.Limiter,
		delegator:         cfg.Delegator,
		allowTitleRewrite: cfg.AllowTitleRewrite,
		logger:            cfg.Logger.With(slog.String("module", "pipeline.chat")),
	}
}

// Process runs one chat turn for the given user message. On any failure after the
// stream started, no assistant message is persisted and no message_end is published;
// clients detect the abandoned stream with their own timeout.
func (c *Chat) Process(ctx context.Context, messageID uuid.UUID) error {
	message, err := c.store.ChatMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if message.Content == "" {
		// Nothing to reply to.
		return nil
	}

	if c.delegator != nil {
		wantsReport, err := c.classify(ctx, message)
		if err != nil {
			return fmt.Errorf("failed to classify message: %w", err)
		}
		if wantsReport {
			c.logger.Info("Delegating turn to report generation",
				slog.String("messageID", messageID.String()))
			return c.delegator.Delegate(ctx, messageID, message.Content)
		}
	}

	// Announce before any model call so the client can render a thinking indicator
	// with zero added latency.
	streamID := uuid.New()
	topic := bus.ChatMessageTopic(message.UserID, message.ChatID, message.ID)
	if err := c.bus.Publish(ctx, topic, models.NewMessageStartEnvelope(streamID)); err != nil {
		return fmt.Errorf("failed to publish message_start: %w", err)
	}

	prompt, err := c.assembleContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to assemble context: %w", err)
	}

	if err := c.limiter.Acquire(ctx, c.provider.EstimateTokens(prompt)); err != nil {
		return fmt.Errorf("failed to acquire rate limit: %w", err)
	}

	content, err := c.streamReply(ctx, topic, streamID, prompt)
	if err != nil {
		return err
	}

	reply, err := c.store.AddChatMessage(ctx, models.ChatMessage{
		ChatID:      message.ChatID,
		UserID:      message.UserID,
		Role:        models.RoleAssistant,
		Content:     content,
		MessageType: models.MessageTypeChat,
	})
	if err != nil {
		return fmt.Errorf("failed to persist assistant message: %w", err)
	}

	if err := c.deriveTitle(ctx, message); err != nil {
		return fmt.Errorf("failed to derive chat title: %w", err)
	}

	if err := c.bus.Publish(ctx, topic, models.NewMessageEndEnvelope(streamID, reply)); err != nil {
		return fmt.Errorf("failed to publish message_end: %w", err)
	}
	return nil
}

// streamReply consumes the provider stream, fans every text chunk out verbatim, and
// returns the accumulated content. Leading whitespace is stripped from the first text
// chunk only, so a stray leading newline never reaches the persisted message while
// interior whitespace stays untouched.
func (c *Chat) streamReply(
	ctx context.Context,
	topic string,
	streamID uuid.UUID,
	prompt []models.PromptMessage,
) (string, error) {
	var sb strings.Builder
	first := true

	for chunk, err := range c.provider.Stream(ctx, prompt) {
		if err != nil {
			return "", fmt.Errorf("stream failed: %w", err)
		}
		if chunk.Type != models.ChunkTypeText {
			c.logger.Error("Skipping non-text chunk", slog.String("type", string(chunk.Type)))
			continue
		}
		if chunk.Text == "" {
			continue
		}

		if first {
			sb.WriteString(strings.TrimLeft(chunk.Text, " \t\r\n"))
			first = false
		} else {
			sb.WriteString(chunk.Text)
		}

		if err := c.bus.Publish(ctx, topic, models.NewMessageEnvelope(streamID, chunk.Text)); err != nil {
			return "", fmt.Errorf("failed to publish chunk: %w", err)
		}
	}
	return sb.String(), nil
}

// assembleContext builds the ordered model input: system instruction, retrieval
// context (or an explicit insufficient-data instruction when retrieval comes back
// empty), prior turns, and the triggering message.
func (c *Chat) assembleContext(ctx context.Context, message models.ChatMessage) ([]models.PromptMessage, error) {
	documentIDs, err := c.store.ChatDocumentIDs(ctx, message.ChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat documents: %w", err)
	}

	entries, err := c.retriever.GetContext(ctx, documentIDs, message.UserID, message.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to get retrieval context: %w", err)
	}

	prompt := []models.PromptMessage{{Role: models.RoleSystem, Content: systemPrompt}}
	if len(entries) == 0 {
		c.logger.Info("No retrieval context", slog.String("chatID", message.ChatID.String()))
		prompt = append(prompt, models.PromptMessage{Role: models.RoleSystem, Content: insufficientDataPrompt})
	} else {
		prompt = append(prompt, models.PromptMessage{Role: models.RoleUser, Content: renderContextBlock(entries)})
	}

	history, err := c.store.ChatHistory(ctx, message.ChatID, message.CreatedAt, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}
	for _, h := range history {
		prompt = append(prompt, models.PromptMessage{Role: h.Role, Content: h.Content})
	}

	return append(prompt, models.PromptMessage{Role: models.RoleUser, Content: message.Content}), nil
}

// classify asks the model whether the user requests a structured report rather than a
// conversational reply.
func (c *Chat) classify(ctx context.Context, message models.ChatMessage) (bool, error) {
	prompt := []models.PromptMessage{
		{Role: models.RoleSystem, Content: classifyPrompt},
		{Role: models.RoleUser, Content: message.Content},
	}
	if err := c.limiter.Acquire(ctx, c.provider.EstimateTokens(prompt)); err != nil {
		return false, err
	}
	answer, err := c.provider.Invoke(ctx, prompt)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes"), nil
}

// deriveTitle issues one non-streaming model call to title the chat after its first
// turn. If another turn titled the chat in the meantime, the write is skipped and no
// envelope is published.
func (c *Chat) deriveTitle(ctx context.Context, message models.ChatMessage) error {
	chat, err := c.store.Chat(ctx, message.ChatID)
	if err != nil {
		return err
	}
	if chat.Title != "" && !c.allowTitleRewrite {
		return nil
	}

	prompt := []models.PromptMessage{
		{Role: models.RoleSystem, Content: titlePrompt},
		{Role: models.RoleUser, Content: message.Content},
	}
	if err := c.limiter.Acquire(ctx, c.provider.EstimateTokens(prompt)); err != nil {
		return err
	}
	title, err := c.provider.Invoke(ctx, prompt)
	if err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}

	applied, err := c.store.SetChatTitle(ctx, chat.ID, title, c.allowTitleRewrite)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	return c.bus.Publish(ctx, bus.ChatTopic(message.UserID, chat.ID),
		models.NewChatTitleUpdatedEnvelope(chat.ID, title))
}

func renderContextBlock(entries []models.ContextEntry) string {
	var sb strings.Builder
	sb.WriteString("# RAG Context\n")
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("## id: %s\n%s\n", entry.ID, entry.Text))
	}
	return sb.String()
}
