package sshmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gluk-w/sshdesk/internal/sshtest"
)

func newTestLimiter(cfg RateLimitConfig) (*RateLimiter, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(cfg)
	rl.nowFn = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl, now := newTestLimiter(RateLimitConfig{MaxAttemptsPerMinute: 3})
	for i := 0; i < 3; i++ {
		if err := rl.Allow("h:22"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if err := rl.Allow("h:22"); err == nil {
		t.Fatal("fourth attempt within a minute should be refused")
	}
	if err := rl.Allow("other:22"); err != nil {
		t.Errorf("other target affected: %v", err)
	}

	*now = now.Add(61 * time.Second)
	if err := rl.Allow("h:22"); err != nil {
		t.Errorf("attempt after window: %v", err)
	}
	if got := rl.Status("h:22").RecentAttempts; got != 1 {
		t.Errorf("recent attempts = %d, want 1", got)
	}
}

func TestRateLimiter_BlockAfterFailures(t *testing.T) {
	rl, now := newTestLimiter(RateLimitConfig{MaxConsecFailures: 2, BlockDuration: time.Minute})

	rl.RecordFailure("h:22")
	if rl.Status("h:22").Blocked {
		t.Fatal("blocked after a single failure")
	}
	rl.RecordFailure("h:22")
	st := rl.Status("h:22")
	if !st.Blocked || st.BlockedUntil == nil || st.ConsecFailures != 2 {
		t.Fatalf("status = %+v", st)
	}
	if err := rl.Allow("h:22"); err == nil {
		t.Fatal("blocked target allowed")
	}

	*now = now.Add(2 * time.Minute)
	if err := rl.Allow("h:22"); err != nil {
		t.Errorf("block should have expired: %v", err)
	}

	rl.RecordSuccess("h:22")
	if st := rl.Status("h:22"); st.ConsecFailures != 0 || st.Blocked {
		t.Errorf("status after success = %+v", st)
	}
}

func TestRateLimiter_UnknownTarget(t *testing.T) {
	rl, _ := newTestLimiter(DefaultRateLimitConfig())
	st := rl.Status("nowhere:22")
	if st.RecentAttempts != 0 || st.Blocked || st.MaxAttemptsPerMin != DefaultMaxAttemptsPerMinute {
		t.Errorf("status = %+v", st)
	}
}

func TestConnect_RateLimitBlocksAfterAuthFailures(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	r := newTestRegistry(t, Options{RateLimit: &RateLimitConfig{MaxConsecFailures: 2, BlockDuration: time.Minute}})

	bad := passwordConfig(srv)
	bad.Password = "wrong"
	for i := 0; i < 2; i++ {
		_, err := r.Connect(context.Background(), bad)
		var cerr *ConnectError
		if !errors.As(err, &cerr) || cerr.Op != OpAuth {
			t.Fatalf("attempt %d: err = %v, want auth failure", i, err)
		}
	}

	_, err := r.Connect(context.Background(), passwordConfig(srv))
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Op != OpRateLimit {
		t.Fatalf("err = %v, want rate_limit failure", err)
	}
	if r.Count() != 0 {
		t.Errorf("count = %d, want 0", r.Count())
	}
}

func TestConnect_SuccessResetsFailureStreak(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	r := newTestRegistry(t, Options{RateLimit: &RateLimitConfig{MaxConsecFailures: 2}})

	bad := passwordConfig(srv)
	bad.Password = "wrong"
	r.Connect(context.Background(), bad)
	if _, err := r.Connect(context.Background(), passwordConfig(srv)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.Connect(context.Background(), bad)
	if _, err := r.Connect(context.Background(), passwordConfig(srv)); err != nil {
		t.Errorf("streak should have been reset by the success: %v", err)
	}
}
