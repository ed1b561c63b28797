package sop

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether err is a transient condition worth retrying: a sop.Error
// tagged RetriableSameChunk/RetriableSmallerChunk, or any error that isn't a context
// cancellation and isn't tagged with one of the permanent build error codes.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch CodeOf(err) {
	case RetriableSameChunk, RetriableSmallerChunk:
		return true
	case RangeAlreadyBuilt, SessionLost, SessionLocked, ValidationFailure, MaxRetriesExceeded, StateMismatch:
		return false
	}

	// Untagged errors (e.g. from the consumed store) are assumed transient by default. The
	// Throttled Runner does not use ShouldRetry: it returns untagged errors without retrying.
	return true
}
