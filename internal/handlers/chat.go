package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/bus"
	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/pipeline"
	"github.com/finquill/finquill/internal/services"
)

type chatView struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type messageView struct {
	ID        uuid.UUID `json:"id"`
	ChatID    uuid.UUID `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// StreamTopic is where the client should expect the reply envelopes.
	StreamTopic string `json:"stream_topic"`
}

type sendMessageRequest struct {
	ChatID  *uuid.UUID `json:"chat_id"`
	Message string     `json:"message"`
}

// HandleChats lists the user's chats on GET and accepts a new user message on POST.
// A POST without a chat_id opens a new chat. The reply is produced asynchronously: the
// handler persists the message, enqueues the processing job, and returns immediately;
// the client follows the stream over SSE.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		http.Error(w, "user id is required", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		m.listChats(w, r, uid)
	case http.MethodPost:
		m.sendMessage(w, r, uid)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) listChats(w http.ResponseWriter, r *http.Request, uid uuid.UUID) {
	chats, err := m.store.Chats(r.Context(), uid)
	if err != nil {
		m.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]chatView, len(chats))
	for i, chat := range chats {
		views[i] = chatView{ID: chat.ID, Title: chat.Title, CreatedAt: chat.CreatedAt}
	}
	m.respondJSON(w, http.StatusOK, views)
}

func (m Main) sendMessage(w http.ResponseWriter, r *http.Request, uid uuid.UUID) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	var chatID uuid.UUID
	if req.ChatID == nil {
		chat, err := m.store.CreateChat(r.Context(), uid)
		if err != nil {
			m.logger.Error("Failed to create chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		chatID = chat.ID
	} else {
		chat, err := m.store.Chat(r.Context(), *req.ChatID)
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, "chat not found", http.StatusNotFound)
			return
		}
		if err != nil {
			m.logger.Error("Failed to get chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if chat.UserID != uid {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		chatID = chat.ID
	}

	message, err := m.store.AddChatMessage(r.Context(), models.ChatMessage{
		ChatID:      chatID,
		UserID:      uid,
		Role:        models.RoleUser,
		Content:     req.Message,
		MessageType: models.MessageTypeChat,
	})
	if err != nil {
		m.logger.Error("Failed to add message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.queue.Enqueue(r.Context(), pipeline.JobProcessChatMessage,
		pipeline.ChatMessageJob{MessageID: message.ID}); err != nil {
		m.logger.Error("Failed to enqueue chat job", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.respondJSON(w, http.StatusAccepted, messageView{
		ID:          message.ID,
		ChatID:      message.ChatID,
		Role:        string(message.Role),
		Content:     message.Content,
		CreatedAt:   message.CreatedAt,
		StreamTopic: bus.ChatMessageTopic(uid, message.ChatID, message.ID),
	})
}
