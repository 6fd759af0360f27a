// Package backoff classifies request failures and computes retry delays.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/contriblens/activity-ingest/internal/quota"
)

// Class is the failure taxonomy applied to every failed request.
type Class string

const (
	ClassTransientNetwork Class = "transient_network"
	ClassServerError      Class = "server_error"
	ClassRateLimited      Class = "rate_limited"
	ClassAuthFailure      Class = "auth_failure"
	ClassClientError      Class = "client_error"
	ClassNotFound         Class = "not_found"
)

// Retryable reports whether failures of this class may be retried.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransientNetwork, ClassServerError, ClassRateLimited:
		return true
	default:
		return false
	}
}

// Failure describes one failed request attempt.
type Failure struct {
	Class   Class
	Attempt int       // zero-based attempt count for this page
	ResetAt time.Time // quota reset hint, set for rate-limited failures
}

// ErrPermanent is returned by NextDelay when a failure must not be retried,
// either because its class is non-retryable or retries are exhausted.
var ErrPermanent = errors.New("permanent failure")

// Config holds scheduler tuning knobs.
type Config struct {
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RateLimitBuffer time.Duration `yaml:"rate_limit_buffer"`
	ThrottleDelay   time.Duration `yaml:"throttle_delay"`
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RateLimitBuffer <= 0 {
		c.RateLimitBuffer = 5 * time.Second
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = 500 * time.Millisecond
	}
}

// Scheduler computes retry delays and proactive throttling pauses. It shares
// the process-wide quota tracker with the request executor.
type Scheduler struct {
	cfg     Config
	quota   *quota.Tracker
	limiter *rate.Limiter

	now  func() time.Time
	rand func() float64
}

// NewScheduler creates a scheduler bound to the given quota tracker.
func NewScheduler(cfg Config, q *quota.Tracker) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:     cfg,
		quota:   q,
		limiter: rate.NewLimiter(rate.Every(cfg.ThrottleDelay), 1),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// NextDelay returns how long to wait before retrying the failed request, or
// ErrPermanent when the failure must surface to the caller. Retries never
// skip pages: the caller re-issues the same page with the same cursor.
func (s *Scheduler) NextDelay(f Failure) (time.Duration, error) {
	if !f.Class.Retryable() {
		return 0, fmt.Errorf("%s: %w", f.Class, ErrPermanent)
	}
	if f.Attempt >= s.cfg.MaxAttempts {
		return 0, fmt.Errorf("%s after %d attempts: %w", f.Class, f.Attempt, ErrPermanent)
	}

	if f.Class == ClassRateLimited {
		resetAt := f.ResetAt
		if resetAt.IsZero() {
			resetAt = s.quota.ResetAt()
		}
		wait := resetAt.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		return wait + s.cfg.RateLimitBuffer, nil
	}

	// server_error / transient_network: exponential backoff with jitter.
	delay := s.cfg.BaseDelay * (1 << f.Attempt)
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	jitter := time.Duration(s.rand() * float64(delay) * 0.1)
	delay += jitter
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	return delay, nil
}

// PreRequestDelay blocks before a remote call when the quota demands it:
// fully exhausted quota waits for the reset, and a budget below the low-water
// mark is paced so the remainder spreads across the window.
func (s *Scheduler) PreRequestDelay(ctx context.Context) error {
	if s.quota.Exhausted() {
		wait := s.quota.ResetAt().Sub(s.now()) + s.cfg.RateLimitBuffer
		if err := s.Wait(ctx, wait); err != nil {
			return err
		}
	}
	if s.quota.BelowLowWater() {
		return s.limiter.Wait(ctx)
	}
	return nil
}

// Wait sleeps for d unless the context is canceled first.
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
