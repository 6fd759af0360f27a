package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/contriblens/activity-ingest/internal/quota"
)

func testScheduler(cfg Config, now time.Time) *Scheduler {
	s := NewScheduler(cfg, quota.NewTrackerAt(100, func() time.Time { return now }))
	s.now = func() time.Time { return now }
	s.rand = func() float64 { return 0 } // no jitter in tests
	return s
}

func TestNextDelayMonotonicAndCapped(t *testing.T) {
	s := testScheduler(Config{
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 10,
	}, time.Now())

	var prev time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		d, err := s.NextDelay(Failure{Class: ClassServerError, Attempt: attempt})
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if d < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		if d > 10*time.Second {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
		prev = d
	}
	if prev != 10*time.Second {
		t.Errorf("expected final delay at cap, got %v", prev)
	}
}

func TestNextDelayPermanentAfterMaxAttempts(t *testing.T) {
	s := testScheduler(Config{MaxAttempts: 3}, time.Now())

	if _, err := s.NextDelay(Failure{Class: ClassTransientNetwork, Attempt: 2}); err != nil {
		t.Fatalf("attempt below limit must be retryable: %v", err)
	}
	_, err := s.NextDelay(Failure{Class: ClassTransientNetwork, Attempt: 3})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent at attempt limit, got %v", err)
	}
}

func TestNextDelayNonRetryableClasses(t *testing.T) {
	s := testScheduler(Config{}, time.Now())
	for _, class := range []Class{ClassAuthFailure, ClassClientError, ClassNotFound} {
		_, err := s.NextDelay(Failure{Class: class, Attempt: 0})
		if !errors.Is(err, ErrPermanent) {
			t.Errorf("%s: expected ErrPermanent on first attempt, got %v", class, err)
		}
	}
}

func TestNextDelayRateLimitedWaitsForReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testScheduler(Config{RateLimitBuffer: 5 * time.Second, MaxAttempts: 3}, now)

	d, err := s.NextDelay(Failure{
		Class:   ClassRateLimited,
		Attempt: 0,
		ResetAt: now.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("NextDelay: %v", err)
	}
	want := 2*time.Minute + 5*time.Second
	if d != want {
		t.Errorf("expected %v, got %v", want, d)
	}
}

func TestNextDelayRateLimitedPastReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testScheduler(Config{RateLimitBuffer: 5 * time.Second, MaxAttempts: 3}, now)

	// A reset hint already in the past waits only the buffer.
	d, err := s.NextDelay(Failure{
		Class:   ClassRateLimited,
		Attempt: 0,
		ResetAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("NextDelay: %v", err)
	}
	if d != 5*time.Second {
		t.Errorf("expected buffer-only delay, got %v", d)
	}
}

func TestRetryableTaxonomy(t *testing.T) {
	retryable := []Class{ClassTransientNetwork, ClassServerError, ClassRateLimited}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s must be retryable", c)
		}
	}
	permanent := []Class{ClassAuthFailure, ClassClientError, ClassNotFound}
	for _, c := range permanent {
		if c.Retryable() {
			t.Errorf("%s must not be retryable", c)
		}
	}
}
