package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/finquill/finquill/internal/bus"
)

// HandleSSE subscribes the connection to every notification topic of the requesting
// user and streams matching envelopes as SSE events, payloads forwarded verbatim.
// There is no replay: an envelope published while the client is disconnected is gone.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		http.Error(w, "user id is required", http.StatusUnauthorized)
		return
	}

	sub, err := m.bus.Subscribe(r.Context(), bus.UserPattern(uid))
	if err != nil {
		m.logger.Error("Failed to subscribe", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "failed to subscribe", http.StatusBadGateway)
		return
	}
	defer sub.Close()

	connID := uuid.New()
	go func() {
		for payload := range sub.Envelopes() {
			e := &sse.Message{}
			e.AppendData(string(payload))
			if err := m.sseSrv.Publish(e, connTopic(connID)); err != nil {
				m.logger.Error("Failed to forward envelope", slog.String(errLoggerKey, err.Error()))
			}
		}
	}()

	m.logger.Info("SSE client connected", slog.String("userID", uid.String()))
	m.sseSrv.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), connIDKey{}, connID)))
}
