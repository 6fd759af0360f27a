// Package executor resolves single pages of a fetch operation: cache first,
// then the remote API wrapped in quota tracking and retry/backoff.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/contriblens/activity-ingest/internal/backoff"
	"github.com/contriblens/activity-ingest/internal/cache"
	"github.com/contriblens/activity-ingest/internal/checkpoint"
	"github.com/contriblens/activity-ingest/internal/ghapi"
	"github.com/contriblens/activity-ingest/internal/metrics"
	"github.com/contriblens/activity-ingest/internal/quota"
	"github.com/contriblens/activity-ingest/internal/record"
)

// RemoteClient issues one HTTP call for one page. *ghapi.Client implements
// it; tests substitute fakes.
type RemoteClient interface {
	FetchPage(ctx context.Context, op record.FetchOperation, page int, cursor string) (*ghapi.Page, error)
}

// Result is one resolved page.
type Result struct {
	Payload    []byte
	NextCursor string
	EndOfData  bool
	FromCache  bool
}

// FetchError is a permanent page failure, surfaced to the pipeline with the
// classification needed for actionable reporting.
type FetchError struct {
	Class    backoff.Class
	Page     int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("page %d failed permanently (%s, %d attempts): %v",
		e.Page, e.Class, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Executor coordinates the cache, checkpoint, quota and backoff components
// for page fetches. All dependencies are injected; the quota tracker is the
// process-wide shared handle.
type Executor struct {
	client      RemoteClient
	cache       cache.Store
	cacheCfg    cache.Config
	checkpoints checkpoint.Store
	quota       *quota.Tracker
	sched       *backoff.Scheduler
	log         *slog.Logger

	now func() time.Time
}

// New creates a request executor.
func New(client RemoteClient, cacheStore cache.Store, cacheCfg cache.Config,
	checkpoints checkpoint.Store, q *quota.Tracker, sched *backoff.Scheduler) *Executor {
	return &Executor{
		client:      client,
		cache:       cacheStore,
		cacheCfg:    cacheCfg,
		checkpoints: checkpoints,
		quota:       q,
		sched:       sched,
		log:         slog.With("component", "executor"),
		now:         time.Now,
	}
}

// FetchPage resolves one page. Cache hits consume no quota but still advance
// the checkpoint, so a later crash resumes correctly even if the cache has
// expired by then. On a miss the remote call is retried in place with the
// same cursor until it succeeds or fails permanently; a permanent failure
// leaves the checkpoint unadvanced so the same page is retried next run.
func (e *Executor) FetchPage(ctx context.Context, op record.FetchOperation, page int, cursor string) (*Result, error) {
	sig := op.Signature()

	if !e.cacheCfg.Bypass {
		entry, err := e.cache.Get(ctx, sig, page)
		if err != nil {
			e.log.Warn("cache read failed, falling back to remote",
				"signature", sig, "page", page, "error", err)
		}
		if entry != nil {
			if err := e.advance(ctx, op, sig, page, entry.Meta.NextCursor, 0); err != nil {
				return nil, err
			}
			if m := metrics.Get(); m != nil {
				m.IncCacheHit(string(op.RecordType))
				m.IncPagesFetched(string(op.RecordType), "cache")
			}
			return &Result{
				Payload:    entry.Payload,
				NextCursor: entry.Meta.NextCursor,
				EndOfData:  entry.Meta.EndOfData,
				FromCache:  true,
			}, nil
		}
		if m := metrics.Get(); m != nil {
			m.IncCacheMiss(string(op.RecordType))
		}
	}

	return e.fetchRemote(ctx, op, sig, page, cursor)
}

func (e *Executor) fetchRemote(ctx context.Context, op record.FetchOperation, sig string, page int, cursor string) (*Result, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if e.quota.Exhausted() {
			if m := metrics.Get(); m != nil {
				m.IncQuotaWait()
			}
			e.log.Info("quota exhausted, waiting for reset",
				"reset_at", e.quota.ResetAt().Format(time.RFC3339))
		}
		if err := e.sched.PreRequestDelay(ctx); err != nil {
			return nil, err
		}

		start := e.now()
		pg, err := e.client.FetchPage(ctx, op, page, cursor)
		if err == nil {
			e.observe(pg.RateRemaining, pg.RateReset)
			if m := metrics.Get(); m != nil {
				m.IncRemoteRequest(string(op.RecordType), "success")
				m.ObserveRequestDuration(string(op.RecordType), e.now().Sub(start).Seconds())
				m.IncPagesFetched(string(op.RecordType), "remote")
			}

			info := cache.PutInfo{
				Class:      cache.ClassifyWindow(op.WindowEnd, e.now(), e.cacheCfg.Recency),
				NextCursor: pg.NextCursor,
				EndOfData:  pg.EndOfData,
			}
			if err := e.cache.Put(ctx, sig, page, pg.Payload, info); err != nil {
				// A failed cache write costs a re-fetch later, nothing more.
				e.log.Warn("cache write failed", "signature", sig, "page", page, "error", err)
			}

			if err := e.advance(ctx, op, sig, page, pg.NextCursor, attempt); err != nil {
				return nil, err
			}

			return &Result{
				Payload:    pg.Payload,
				NextCursor: pg.NextCursor,
				EndOfData:  pg.EndOfData,
			}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class, resetAt := ghapi.Classify(err)
		if m := metrics.Get(); m != nil {
			m.IncRemoteRequest(string(op.RecordType), string(class))
		}
		if class == backoff.ClassRateLimited && !resetAt.IsZero() {
			e.observe(0, resetAt)
		}

		delay, derr := e.sched.NextDelay(backoff.Failure{
			Class:   class,
			Attempt: attempt,
			ResetAt: resetAt,
		})
		if derr != nil {
			return nil, &FetchError{
				Class:    class,
				Page:     page,
				Attempts: attempt + 1,
				Err:      err,
			}
		}

		attempt++
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempt(string(class))
		}
		e.log.Warn("page fetch failed, retrying",
			"repository", op.Repository,
			"record_type", op.RecordType,
			"page", page,
			"class", class,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		if err := e.sched.Wait(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// advance persists the checkpoint before the page's records can be handed
// downstream (persist-then-emit).
func (e *Executor) advance(ctx context.Context, op record.FetchOperation, sig string, page int, nextCursor string, retries int) error {
	err := e.checkpoints.Advance(ctx, checkpoint.Checkpoint{
		Signature:         sig,
		Repository:        op.Repository,
		RecordType:        string(op.RecordType),
		LastCompletedPage: page,
		CursorToken:       nextCursor,
		RetryCount:        retries,
	})
	if err != nil && !errors.Is(err, checkpoint.ErrRegression) {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if errors.Is(err, checkpoint.ErrRegression) {
		// A replayed cache hit behind the stored position is harmless.
		e.log.Debug("skipping checkpoint regression", "signature", sig, "page", page)
	}
	return nil
}

// observe feeds response metadata to the shared quota tracker.
func (e *Executor) observe(remaining int, resetAt time.Time) {
	if remaining < 0 {
		return
	}
	e.quota.Observe(remaining, resetAt)
	if m := metrics.Get(); m != nil {
		m.SetQuotaRemaining(float64(remaining))
	}
}
