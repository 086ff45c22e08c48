package sshmanager

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdesk/internal/logutil"
)

// Two independent mechanisms protect a target from connection storms:
//   - Sliding-window rate limit: max attempts per minute per host:port.
//   - Consecutive failure block: after N failures in a row the target is
//     refused for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig configures connect-attempt limiting. A zero
// MaxAttemptsPerMinute disables the sliding window; a zero MaxConsecFailures
// disables blocking.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type targetRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter tracks connect attempts per target address.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*targetRateState
	nowFn  func() time.Time
}

// NewRateLimiter creates a RateLimiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.BlockDuration <= 0 {
		config.BlockDuration = DefaultBlockDuration
	}
	return &RateLimiter{
		config: config,
		state:  make(map[string]*targetRateState),
		nowFn:  time.Now,
	}
}

// Allow records an attempt for addr, or returns an error when the target is
// blocked or over its per-minute budget.
func (rl *RateLimiter) Allow(addr string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(addr)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[ssh] rate limit: %s is blocked for %s (consecutive failures: %d)",
			logutil.SanitizeForLog(addr), remaining, s.consecFailures)
		return fmt.Errorf("connections to %s blocked after %d consecutive failures; retry after %s",
			addr, s.consecFailures, remaining)
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if rl.config.MaxAttemptsPerMinute > 0 && len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Printf("[ssh] rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(addr), rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("rate limit exceeded for %s: %d attempts in the last minute (max %d)",
			addr, len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any block for addr.
func (rl *RateLimiter) RecordSuccess(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(addr)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak for addr, blocking the target
// once it reaches the configured threshold.
func (rl *RateLimiter) RecordFailure(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(addr)
	s.consecFailures++

	if rl.config.MaxConsecFailures > 0 && s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		log.Printf("[ssh] rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(addr), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// RateLimitStatus is the current limiter state for one target.
type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Status returns the limiter state for addr.
func (rl *RateLimiter) Status(addr string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	status := RateLimitStatus{
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[addr]
	if !ok {
		return status
	}

	now := rl.nowFn()
	cutoff := now.Add(-1 * time.Minute)
	for _, t := range s.attempts {
		if t.After(cutoff) {
			status.RecentAttempts++
		}
	}
	status.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		status.Blocked = true
		status.BlockedUntil = &bu
	}
	return status
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(addr string) *targetRateState {
	s, ok := rl.state[addr]
	if !ok {
		s = &targetRateState{}
		rl.state[addr] = s
	}
	return s
}
