// Package handlers is the thin HTTP surface: JSON endpoints that enqueue background
// jobs, and the SSE endpoint bridging the notification bus to connected clients.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/finquill/finquill/internal/bus"
	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/pipeline"
)

const errLoggerKey = "err"

// Store defines the persistence surface the HTTP handlers depend on.
type Store interface {
	CreateChat(ctx context.Context, userID uuid.UUID) (models.Chat, error)
	Chat(ctx context.Context, id uuid.UUID) (models.Chat, error)
	Chats(ctx context.Context, userID uuid.UUID) ([]models.Chat, error)
	AddChatMessage(ctx context.Context, message models.ChatMessage) (models.ChatMessage, error)
	CreateDocument(ctx context.Context, chatID, userID uuid.UUID, filename, storagePath string) (models.Document, error)
}

// Enqueuer triggers fire-and-forget background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) error
}

// Main holds the handler dependencies and the SSE server fanning envelopes out to
// connected clients.
type Main struct {
	sseSrv *sse.Server

	bus       bus.Bus
	store     Store
	queue     Enqueuer
	documents *pipeline.Documents

	storageDir string

	logger *slog.Logger
}

type connIDKey struct{}

// NewMain creates the handler set. Uploaded files are written under storageDir.
func NewMain(
	b bus.Bus,
	store Store,
	queue Enqueuer,
	documents *pipeline.Documents,
	storageDir string,
	logger *slog.Logger,
) Main {
	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				// Each connection listens on its own topic; the bridge in
				// HandleSSE feeds it from the connection's bus subscription.
				if connID, ok := s.Req.Context().Value(connIDKey{}).(uuid.UUID); ok {
					topics = append(topics, connTopic(connID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		bus:        b,
		store:      store,
		queue:      queue,
		documents:  documents,
		storageDir: storageDir,
		logger:     logger.With(slog.String("module", "handlers")),
	}
}

func connTopic(connID uuid.UUID) string {
	return "conn-" + connID.String()
}

// Shutdown gracefully terminates the SSE server. A close event is broadcast so
// clients stop reconnecting, then connections get up to 5 seconds to drain.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// userID extracts the authenticated user from the request. Authentication itself is
// terminated upstream; the proxy injects the id.
func userID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	return uuid.Parse(raw)
}

func (m Main) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
