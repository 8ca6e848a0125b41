// Package ratelimit admits or delays model calls so that cumulative token and request
// usage over a trailing window never exceeds the configured per-model ceilings.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/finquill/finquill/internal/metrics"
)

const (
	// tick is the poll interval used while waiting for capacity.
	tick = 100 * time.Millisecond

	// retention is how long an admitted slot keeps its capacity debited. It is
	// intentionally longer than the nominal 60-second provider window to avoid
	// premature readmission.
	retention = 90 * time.Second

	// tokensPerMessage is the fixed per-message overhead added to token estimates.
	tokensPerMessage = 3
)

// slot is one admitted unit of work, tracked for eventual capacity release. A slot is
// owned exclusively by the limiter that admitted it and removed only by that limiter's
// eviction sweep.
type slot struct {
	tokens    int
	requests  int
	createdAt time.Time
}

// Limiter tracks a per-model sliding-window budget. It is safe for use from many
// concurrent goroutines; the capacity state is protected by a single mutex held only
// for debit-or-evict work, never across a sleep.
type Limiter struct {
	model      string
	tpm        int
	rpm        int
	configured bool

	mu          sync.Mutex
	tpmCapacity float64
	rpmCapacity float64
	// window is ordered by createdAt ascending; eviction only ever removes from the
	// front.
	window []slot

	tick      time.Duration
	retention time.Duration
	now       func() time.Time

	logger *slog.Logger
}

// New creates a limiter for the given model. A tpm or rpm of zero means that dimension
// is unlimited; when both are zero the limiter is unconfigured and Acquire is a no-op.
// That no-op behavior is an explicit simplification for provider families without
// published budgets, not an omission.
func New(model string, tpm, rpm int, logger *slog.Logger) *Limiter {
	tpmCapacity := math.Inf(1)
	if tpm > 0 {
		tpmCapacity = float64(tpm)
	}
	rpmCapacity := math.Inf(1)
	if rpm > 0 {
		rpmCapacity = float64(rpm)
	}

	return &Limiter{
		model:       model,
		tpm:         tpm,
		rpm:         rpm,
		configured:  tpm > 0 || rpm > 0,
		tpmCapacity: tpmCapacity,
		rpmCapacity: rpmCapacity,
		tick:        tick,
		retention:   retention,
		now:         time.Now,
		logger:      logger.With(slog.String("module", "ratelimit"), slog.String("model", model)),
	}
}

// Acquire blocks the calling goroutine, never the whole process, until capacity for the
// estimated token count is available, then atomically debits it. Capacity exhaustion is
// never an error, only a delay; the only early exit is context cancellation. There is
// no fairness between waiters: admission order is first goroutine to win the lock when
// capacity exists, which can starve a large request behind many small ones.
func (l *Limiter) Acquire(ctx context.Context, tokens int) error {
	return l.AcquireN(ctx, tokens, 1)
}

// AcquireN is Acquire for a given request count.
func (l *Limiter) AcquireN(ctx context.Context, tokens, requests int) error {
	if l == nil || !l.configured {
		return nil
	}

	var blockedAt time.Time
	for !l.consume(tokens, requests) {
		if blockedAt.IsZero() {
			blockedAt = l.now()
			l.logger.Debug("limiter blocked", slog.Int("tokens", tokens))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.tick):
		}
	}
	if !blockedAt.IsZero() {
		waited := l.now().Sub(blockedAt)
		metrics.LimiterWaitSeconds.WithLabelValues(l.model).Observe(waited.Seconds())
		l.logger.Debug("limiter unblocked",
			slog.Duration("waited", waited),
			slog.Int("tokens", tokens))
	}
	return nil
}

// consume attempts a debit. When it cannot be satisfied it sweeps expired slots from
// the front of the window instead; the sweep runs only while contention exists, not on
// a timer. The freed capacity is picked up on a later attempt.
func (l *Limiter) consume(tokens, requests int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.tpmCapacity >= float64(tokens) && l.rpmCapacity >= float64(requests) {
		l.window = append(l.window, slot{tokens: tokens, requests: requests, createdAt: now})
		l.tpmCapacity -= float64(tokens)
		l.rpmCapacity -= float64(requests)
		return true
	}

	for len(l.window) > 0 && now.Sub(l.window[0].createdAt) > l.retention {
		s := l.window[0]
		l.window = l.window[1:]
		l.tpmCapacity += float64(s.tokens)
		l.rpmCapacity += float64(s.requests)
	}
	return false
}

// EstimateTokens approximates the token cost of a prompt. Counts are estimates; parity
// with any specific provider's tokenizer is a non-goal.
func EstimateTokens(contents []string) int {
	tokens := 0
	for _, c := range contents {
		tokens += len(c)/4 + tokensPerMessage
	}
	return tokens
}
