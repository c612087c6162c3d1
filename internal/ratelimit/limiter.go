// Package ratelimit bounds attempt counts per key within a fixed window.
// Keys compose an identity and an action, e.g. "ack:<alarmID>" or
// "send-code:<phone>".
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result reports the outcome of one counted attempt.
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Limiter counts an attempt against key and reports whether it is within
// max attempts per window. The attempt is counted even when denied.
type Limiter interface {
	Check(ctx context.Context, key string, max int, window time.Duration) (Result, error)
}

// RateLimitedError rejects a request with a wait hint.
type RateLimitedError struct {
	ResetIn time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts, retry in %s", e.ResetIn.Round(time.Second))
}
