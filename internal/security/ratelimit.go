// Package security wraps the connector's settlement-sensitive operations:
// sliding-window rate limiting, suspicious-activity detection, and the
// append-only audit log.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/meshpay/connector/internal/clock"
)

const (
	// Window is the sliding rate-limit window.
	Window = time.Hour

	// cleanupInterval is how often empty keys are garbage-collected.
	cleanupInterval = 10 * time.Minute

	defaultLimit = 100
)

// Per-operation limits within the sliding window. Unknown operations fall
// back to defaultLimit.
var operationLimits = map[string]int{
	"wallet_creation": 100,
	"funding_request": 50,
}

// RateLimitError surfaces rate-limit exhaustion with the operation and
// limit attached.
type RateLimitError struct {
	Operation string
	Limit     int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("RateLimitExceeded: %s limited to %d per hour", e.Operation, e.Limit)
}

// RateLimiter counts operations per (operation, identifier) key in a
// sliding one-hour window. Each key holds the ordered instants of its
// recent events; instants falling out of the window are pruned on access
// and empty keys are swept by a background cleanup task.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string][]time.Time
	clock   clock.Clock
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup task.
func NewRateLimiter(clk clock.Clock) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string][]time.Time),
		clock:   clk,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// LimitFor returns the window limit for an operation.
func LimitFor(operation string) int {
	if limit, ok := operationLimits[operation]; ok {
		return limit
	}
	return defaultLimit
}

func key(operation, identifier string) string {
	return operation + ":" + identifier
}

// CheckRateLimit prunes the window for (operation, identifier) and, when
// the remaining count is under the operation's limit, appends now and
// returns true. At or over the limit it returns false without appending,
// so a throttled caller does not extend its own penalty.
func (rl *RateLimiter) CheckRateLimit(operation, identifier string) bool {
	now := rl.clock.Now()
	limit := LimitFor(operation)
	k := key(operation, identifier)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window := prune(rl.windows[k], now)
	if len(window) >= limit {
		rl.windows[k] = window
		return false
	}
	rl.windows[k] = append(window, now)
	return true
}

// RecordOperation appends an instant without checking the limit.
func (rl *RateLimiter) RecordOperation(operation, identifier string) {
	now := rl.clock.Now()
	k := key(operation, identifier)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.windows[k] = append(prune(rl.windows[k], now), now)
}

// GetOperationCount returns the current window size for a key.
func (rl *RateLimiter) GetOperationCount(operation, identifier string) int {
	now := rl.clock.Now()
	k := key(operation, identifier)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window := prune(rl.windows[k], now)
	rl.windows[k] = window
	return len(window)
}

// prune drops instants at or past the window boundary. Windows are
// append-ordered, so the first surviving index is a binary cut.
func prune(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

// Stop terminates the cleanup task.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, window := range rl.windows {
		window = prune(window, now)
		if len(window) == 0 {
			delete(rl.windows, k)
		} else {
			rl.windows[k] = window
		}
	}
}
