package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// IsTransientError classifies whether an error is worth retrying.
// Transient: store busy/locked conditions, concurrency conflicts, transient
// I/O. Not transient: validation faults, not-found, cancelled contexts, and
// every structural fault code.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch schema.ErrorCode(err) {
	case schema.ErrCodeConcurrency, schema.ErrCodeStore:
		return true
	case "":
		// Untyped error: fall through to string heuristics.
	default:
		return false
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"database is locked",
		"database table is locked",
		"busy",
		"connection refused",
		"connection reset",
		"i/o timeout",
		"temporary failure",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff calculates the exponential backoff delay for an attempt,
// capped at maxDelay.
func ComputeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn, retrying transient failures with bounded exponential
// backoff. The last error is returned when attempts run out.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := WaitForBackoff(ctx, ComputeBackoff(attempt-1, base, 30*time.Second)); werr != nil {
				return werr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return err
		}
	}
	return err
}
