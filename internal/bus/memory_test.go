package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finquill/finquill/internal/bus"
	"github.com/finquill/finquill/internal/models"
)

func TestMatches(t *testing.T) {
	userID := uuid.New()
	chatID := uuid.New()
	messageID := uuid.New()
	documentID := uuid.New()

	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{
			name:    "user pattern matches chat stream topic",
			pattern: bus.UserPattern(userID),
			topic:   bus.ChatMessageTopic(userID, chatID, messageID),
			want:    true,
		},
		{
			name:    "user pattern matches document topic",
			pattern: bus.UserPattern(userID),
			topic:   bus.DocumentTopic(userID, documentID),
			want:    true,
		},
		{
			name:    "user pattern does not match another user",
			pattern: bus.UserPattern(userID),
			topic:   bus.ChatTopic(uuid.New(), chatID),
			want:    false,
		},
		{
			name:    "exact topic matches itself",
			pattern: bus.ChatTopic(userID, chatID),
			topic:   bus.ChatTopic(userID, chatID),
			want:    true,
		},
		{
			name:    "exact topic does not match sub-topic",
			pattern: bus.ChatTopic(userID, chatID),
			topic:   bus.ChatMessageTopic(userID, chatID, messageID),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bus.Matches(tt.pattern, tt.topic))
		})
	}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := bus.NewMemory()
	userID := uuid.New()
	chatID := uuid.New()

	sub, err := m.Subscribe(context.Background(), bus.UserPattern(userID))
	require.NoError(t, err)
	defer sub.Close()

	streamID := uuid.New()
	require.NoError(t, m.Publish(context.Background(),
		bus.ChatTopic(userID, chatID), models.NewMessageStartEnvelope(streamID)))
	// An envelope for another user must not be delivered.
	require.NoError(t, m.Publish(context.Background(),
		bus.ChatTopic(uuid.New(), chatID), models.NewMessageStartEnvelope(uuid.New())))

	select {
	case payload := <-sub.Envelopes():
		var env models.MessageStartEnvelope
		require.NoError(t, json.Unmarshal(payload, &env))
		assert.Equal(t, models.EnvelopeMessageStart, env.Type)
		assert.Equal(t, streamID, env.ID)
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
	}

	select {
	case payload, ok := <-sub.Envelopes():
		if ok {
			t.Fatalf("unexpected envelope: %s", payload)
		}
	default:
	}
}

func TestMemoryDropsWithoutSubscriber(t *testing.T) {
	m := bus.NewMemory()
	// No subscriber attached; publish must succeed and the envelope is simply gone.
	require.NoError(t, m.Publish(context.Background(), "nobody:listening",
		models.NewMessageEnvelope(uuid.New(), "hello")))
}

func TestMemorySubscriptionCloseOnContext(t *testing.T) {
	m := bus.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := m.Subscribe(ctx, "user:*")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Envelopes():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed after context cancellation")
	}
}
