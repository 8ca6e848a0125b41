package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const memorySubscriptionBuffer = 64

// Memory is an in-process Bus. It serves single-process deployments and tests; worker
// fleets use the Redis transport so envelopes cross process boundaries.
type Memory struct {
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySubscription]struct{})}
}

// Publish marshals the envelope and hands it to every matching subscriber. A
// subscriber whose buffer is full misses the envelope; delivery is best-effort.
func (m *Memory) Publish(_ context.Context, topic string, envelope any) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	countEnvelope(envelope)

	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		if !Matches(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a pattern subscription. The subscription is removed when Close
// is called or the context ends.
func (m *Memory) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	sub := &memorySubscription{
		bus:     m,
		pattern: pattern,
		ch:      make(chan []byte, memorySubscriptionBuffer),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

type memorySubscription struct {
	bus     *Memory
	pattern string
	ch      chan []byte

	closeOnce sync.Once
}

func (s *memorySubscription) Envelopes() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
