package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a process-local fixed-window counter for deployments
// without Redis. Expiry is lazy: a window is reset when its key is next
// checked, and expired keys are swept opportunistically to bound the map.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	checks  int
	now     func() time.Time
}

type memoryEntry struct {
	count   int
	resetAt time.Time
}

// sweepEvery controls how often a Check also scans for expired keys.
const sweepEvery = 256

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string, max int, window time.Duration) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	l.checks++
	if l.checks%sweepEvery == 0 {
		for k, e := range l.entries {
			if e.resetAt.Before(now) {
				delete(l.entries, k)
			}
		}
	}

	e, ok := l.entries[key]
	if !ok || e.resetAt.Before(now) {
		e = &memoryEntry{resetAt: now.Add(window)}
		l.entries[key] = e
	}
	e.count++

	remaining := max - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   e.count <= max,
		Remaining: remaining,
		ResetIn:   e.resetAt.Sub(now),
	}, nil
}
