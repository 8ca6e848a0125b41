package models

import (
	"time"

	"github.com/google/uuid"
)

// Envelope type discriminators. Every envelope published on the notification bus carries
// one of these in its "type" field.
const (
	EnvelopeMessageStart     = "message_start"
	EnvelopeMessage          = "message"
	EnvelopeMessageEnd       = "message_end"
	EnvelopeDocumentStatus   = "document_status"
	EnvelopeChatTitleUpdated = "chat_title_updated"
)

// MessageStartEnvelope announces a new assistant turn before any model call, so clients
// can render a thinking indicator with no added latency. The id is a transient stream id,
// distinct from the persisted message id assigned only at message_end.
type MessageStartEnvelope struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// NewMessageStartEnvelope returns a message_start envelope for the given stream id.
func NewMessageStartEnvelope(streamID uuid.UUID) MessageStartEnvelope {
	return MessageStartEnvelope{Type: EnvelopeMessageStart, ID: streamID}
}

// MessageEnvelope carries one streamed chunk verbatim.
type MessageEnvelope struct {
	Type    string    `json:"type"`
	ID      uuid.UUID `json:"id"`
	Content string    `json:"content"`
}

// NewMessageEnvelope returns a message envelope for one chunk of the given stream.
func NewMessageEnvelope(streamID uuid.UUID, content string) MessageEnvelope {
	return MessageEnvelope{Type: EnvelopeMessage, ID: streamID, Content: content}
}

// MessageEndEnvelope terminates a stream, carrying the persisted message id and the full
// content, redundant with the accumulated chunks, for clients that only render the end
// event.
type MessageEndEnvelope struct {
	Type      string    `json:"type"`
	ID        uuid.UUID `json:"id"`
	NewID     uuid.UUID `json:"new_id"`
	CreatedAt time.Time `json:"created_at"`
	Content   string    `json:"content"`
}

// NewMessageEndEnvelope returns a message_end envelope for the given stream and the
// persisted assistant message.
func NewMessageEndEnvelope(streamID uuid.UUID, message ChatMessage) MessageEndEnvelope {
	return MessageEndEnvelope{
		Type:      EnvelopeMessageEnd,
		ID:        streamID,
		NewID:     message.ID,
		CreatedAt: message.CreatedAt,
		Content:   message.Content,
	}
}

// DocumentStatusEnvelope reports a document lifecycle transition or error annotation.
type DocumentStatusEnvelope struct {
	Type      string         `json:"type"`
	ID        uuid.UUID      `json:"id"`
	Status    DocumentStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
	Error     *DocumentError `json:"error"`
	ErroredAt *time.Time     `json:"errored_at"`
}

// NewDocumentStatusEnvelope returns a document_status envelope for the document's
// current state.
func NewDocumentStatusEnvelope(doc Document) DocumentStatusEnvelope {
	return DocumentStatusEnvelope{
		Type:      EnvelopeDocumentStatus,
		ID:        doc.ID,
		Status:    doc.Status,
		UpdatedAt: doc.UpdatedAt,
		Error:     doc.Error,
		ErroredAt: doc.ErroredAt,
	}
}

// EnvelopeType returns the type discriminator.
func (e MessageStartEnvelope) EnvelopeType() string { return e.Type }

// EnvelopeType returns the type discriminator.
func (e MessageEnvelope) EnvelopeType() string { return e.Type }

// EnvelopeType returns the type discriminator.
func (e MessageEndEnvelope) EnvelopeType() string { return e.Type }

// EnvelopeType returns the type discriminator.
func (e DocumentStatusEnvelope) EnvelopeType() string { return e.Type }

// ChatTitleUpdatedEnvelope reports a derived chat title.
type ChatTitleUpdatedEnvelope struct {
	Type    string    `json:"type"`
	ID      uuid.UUID `json:"id"`
	Content string    `json:"content"`
}

// NewChatTitleUpdatedEnvelope returns a chat_title_updated envelope for the chat.
func NewChatTitleUpdatedEnvelope(chatID uuid.UUID, title string) ChatTitleUpdatedEnvelope {
	return ChatTitleUpdatedEnvelope{Type: EnvelopeChatTitleUpdated, ID: chatID, Content: title}
}

// EnvelopeType returns the type discriminator.
func (e ChatTitleUpdatedEnvelope) EnvelopeType() string { return e.Type }
