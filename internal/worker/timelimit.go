// Package worker runs background jobs pulled one at a time from a shared Redis queue
// and provides the wall-clock deadline guard wrapping long-running work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeLimit is the distinguished signal for work stopped by its deadline. Callers
// can tell it apart from a generic cancellation such as process shutdown.
var ErrTimeLimit = errors.New("time limit exceeded")

// RunWithDeadline races work against a timer. If the timer fires first, the work's
// context is cancelled with ErrTimeLimit as the cause and RunWithDeadline returns the
// deadline error without waiting for the work to notice. Cancellation is cooperative:
// work that never reaches a suspension point cannot be preempted, but the caller still
// observes the deadline within d plus scheduling slack. On normal completion the timer
// is stopped so no wakeup leaks.
func RunWithDeadline(ctx context.Context, d time.Duration, work func(context.Context) error) error {
	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	done := make(chan error, 1)
	go func() {
		done <- work(workCtx)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		cancel(ErrTimeLimit)
		return fmt.Errorf("%w after %s", ErrTimeLimit, formatElapsed(d))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// formatElapsed formats time as `xm ys` if over a minute, otherwise in seconds.
func formatElapsed(d time.Duration) string {
	seconds := d.Seconds()
	if seconds >= 60 {
		return fmt.Sprintf("%dm %.1fs", int(seconds)/60, seconds-float64(int(seconds)/60*60))
	}
	return fmt.Sprintf("%.1fs", seconds)
}
