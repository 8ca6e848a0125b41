package models

import (
	"time"

	"github.com/google/uuid"
)

// Chat represents a conversation container owned by a single user. The title is empty
// until the first assistant turn derives one.
type Chat struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Title     string
	CreatedAt time.Time
}

// ChatMessage represents an individual communication entry within a chat. Messages are
// immutable once persisted; an assistant message is inserted only after its full stream
// completes.
type ChatMessage struct {
	ID          uuid.UUID
	ChatID      uuid.UUID
	UserID      uuid.UUID
	Role        Role
	Content     string
	MessageType MessageType
	CreatedAt   time.Time
}

// PromptMessage is one entry of the assembled model input.
type PromptMessage struct {
	Role    Role
	Content string
}

// Chunk is a single streamed piece of a model response. Providers may yield non-text
// chunks; consumers skip those without failing the turn.
type Chunk struct {
	Type ChunkType
	Text string
}

// ContextEntry is one retrieval hit handed to the model as grounding context.
type ContextEntry struct {
	ID   uuid.UUID
	Text string
}

// Role represents the role of a message participant.
type Role string

// MessageType distinguishes conversational replies from delegated report sections.
type MessageType string

// ChunkType represents the type of a streamed chunk.
type ChunkType string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction message assembled into the model input.
	RoleSystem Role = "system"

	// MessageTypeChat marks a regular conversational message.
	MessageTypeChat MessageType = "chat"
	// MessageTypeReport marks a message belonging to a delegated report generation.
	MessageTypeReport MessageType = "report"

	// ChunkTypeText represents plain text content.
	ChunkTypeText ChunkType = "text"
	// ChunkTypeOther represents any non-text chunk a provider may emit.
	ChunkTypeOther ChunkType = "other"
)
