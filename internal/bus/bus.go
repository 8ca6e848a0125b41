// Package bus provides best-effort fan-out of JSON-serializable envelopes to zero or
// more live subscribers of a topic. Delivery is at-most-once: if no subscriber is
// attached when an envelope is published, it is dropped, and there is no backlog or
// replay for reconnecting clients.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/metrics"
)

// Bus is the notification fan-out used for both chat-chunk streaming and document
// status events.
type Bus interface {
	// Publish hands the envelope to the transport and returns without waiting for,
	// or guaranteeing, delivery.
	Publish(ctx context.Context, topic string, envelope any) error
	// Subscribe yields a live sequence of raw envelope payloads for every topic
	// matching the pattern. The sequence is infinite; the caller must Close the
	// subscription.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
}

// Subscription is one live pattern subscription.
type Subscription interface {
	// Envelopes returns the channel of raw JSON payloads. It is closed when the
	// subscription is closed or its context ends.
	Envelopes() <-chan []byte
	Close() error
}

// ChatMessageTopic is the per-turn streaming topic.
func ChatMessageTopic(userID, chatID, messageID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", userID, chatID, messageID)
}

// ChatTopic is the coarser per-chat topic used for title updates.
func ChatTopic(userID, chatID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", userID, chatID)
}

// DocumentTopic is the per-document status topic.
func DocumentTopic(userID, documentID uuid.UUID) string {
	return fmt.Sprintf("%s:documents:%s", userID, documentID)
}

// UserPattern matches every topic belonging to one user, chat and document alike.
func UserPattern(userID uuid.UUID) string {
	return fmt.Sprintf("%s:*", userID)
}

// Matches reports whether a topic matches a subscription pattern. Patterns are either
// exact topics or trailing-* prefixes.
func Matches(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

func countEnvelope(envelope any) {
	if te, ok := envelope.(interface{ EnvelopeType() string }); ok {
		metrics.EnvelopesPublished.WithLabelValues(te.EnvelopeType()).Inc()
	}
}
