package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, tpm, rpm int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New("gpt-4o", tpm, rpm, slog.Default())
	l.now = clock.Now
	l.tick = time.Millisecond
	return l, clock
}

// checkConservation asserts remaining capacity plus in-window debits equals the
// configured budget.
func checkConservation(t *testing.T, l *Limiter) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()

	tokens, requests := 0, 0
	for _, s := range l.window {
		tokens += s.tokens
		requests += s.requests
	}
	assert.InDelta(t, float64(l.tpm), l.tpmCapacity+float64(tokens), 0)
	assert.InDelta(t, float64(l.rpm), l.rpmCapacity+float64(requests), 0)
}

func TestLimiterAdmitsWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, 1000, 10)

	require.NoError(t, l.Acquire(context.Background(), 400))
	require.NoError(t, l.Acquire(context.Background(), 400))
	checkConservation(t, l)
}

func TestLimiterBlocksUntilRetentionElapsed(t *testing.T) {
	l, clock := newTestLimiter(t, 1000, 10)

	require.NoError(t, l.Acquire(context.Background(), 400))
	require.NoError(t, l.Acquire(context.Background(), 400))

	// Third 400-token acquire exceeds the 1000 TPM budget until the first slots age
	// out of the retention window.
	require.False(t, l.consume(400, 1))
	checkConservation(t, l)

	clock.Advance(l.retention)
	require.False(t, l.consume(400, 1), "slots exactly at retention age must not be evicted")

	clock.Advance(time.Second)
	// The sweep frees capacity but admission happens on the next poll attempt.
	require.False(t, l.consume(400, 1))
	require.True(t, l.consume(400, 1))
	checkConservation(t, l)
}

func TestLimiterBlockingAcquireWakesUp(t *testing.T) {
	l, clock := newTestLimiter(t, 1000, 10)

	require.NoError(t, l.Acquire(context.Background(), 600))
	require.NoError(t, l.Acquire(context.Background(), 400))

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(context.Background(), 500)
	}()

	select {
	case err := <-done:
		t.Fatalf("acquire admitted while budget exhausted: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(l.retention + time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not admit after retention elapsed")
	}
	checkConservation(t, l)
}

func TestLimiterRequestBudget(t *testing.T) {
	l, _ := newTestLimiter(t, 0, 2)

	require.NoError(t, l.Acquire(context.Background(), 100))
	require.NoError(t, l.Acquire(context.Background(), 100))
	require.False(t, l.consume(100, 1), "RPM ceiling must hold even with unlimited TPM")
}

func TestLimiterEvictsInAgeOrder(t *testing.T) {
	l, clock := newTestLimiter(t, 300, 0)

	require.NoError(t, l.Acquire(context.Background(), 100))
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), 100))
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), 100))

	// 61s later the first slot is 121s old, the second 91s, the third 61s. Only the
	// first two are past retention.
	clock.Advance(61 * time.Second)
	require.False(t, l.consume(300, 1))

	l.mu.Lock()
	require.Len(t, l.window, 1)
	assert.Equal(t, 100.0+100.0, l.tpmCapacity)
	l.mu.Unlock()
}

func TestUnconfiguredLimiterIsNoop(t *testing.T) {
	l := New("llama3-70b", 0, 0, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Admits immediately even with a cancelled context and an absurd estimate.
	require.NoError(t, l.Acquire(ctx, 1<<40))

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Acquire(context.Background(), 10))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l, _ := newTestLimiter(t, 100, 0)
	require.NoError(t, l.Acquire(context.Background(), 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(ctx, 100)
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestCapacityConservationUnderRandomOps(t *testing.T) {
	l, clock := newTestLimiter(t, 5000, 50)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		l.consume(rng.Intn(800)+1, 1)
		if rng.Intn(4) == 0 {
			clock.Advance(time.Duration(rng.Intn(40)) * time.Second)
		}
		checkConservation(t, l)
	}
}

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry(map[string]Budget{
		"gpt-4o": {TPM: 450_000, RPM: 5000},
	}, slog.Default())

	require.NoError(t, r.For("unknown-model").Acquire(context.Background(), 1<<40))

	l := r.For("gpt-4o")
	require.True(t, l.configured)
	require.NoError(t, l.Acquire(context.Background(), 1000))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, tokensPerMessage, EstimateTokens([]string{""}))
	assert.Equal(t, 25+tokensPerMessage, EstimateTokens([]string{string(make([]byte, 100))}))
}
