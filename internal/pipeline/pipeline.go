// Package pipeline orchestrates fetch operations: it resumes each one from
// its checkpoint, drives the request executor page by page, and emits a
// unified, deduplicated record stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/contriblens/activity-ingest/internal/backoff"
	"github.com/contriblens/activity-ingest/internal/cache"
	"github.com/contriblens/activity-ingest/internal/checkpoint"
	"github.com/contriblens/activity-ingest/internal/executor"
	"github.com/contriblens/activity-ingest/internal/logging"
	"github.com/contriblens/activity-ingest/internal/metrics"
	"github.com/contriblens/activity-ingest/internal/record"
)

// State is the lifecycle of one fetch operation.
type State string

const (
	StatePending   State = "pending"
	StateFetching  State = "fetching"
	StateAdvancing State = "advancing"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// ErrAuthFailure aborts the whole run: credentials are not
// operation-specific, so no remaining operation can succeed.
var ErrAuthFailure = errors.New("authentication failure")

// OpError describes a permanently failed operation with enough context for a
// manual retry.
type OpError struct {
	Op           record.FetchOperation
	LastGoodPage int
	Class        backoff.Class
	Err          error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: failed after page %d (%s): %v",
		e.Op, e.LastGoodPage, e.Class, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Outcome is the per-operation result. Failures are values, not panics, so
// one bad repository never aborts the rest of the run.
type Outcome struct {
	Op          record.FetchOperation
	Signature   string
	State       State
	Pages       int // pages fetched this run (cache or remote)
	Records     int // deduplicated records emitted
	ResumedFrom int // first page fetched this run; 1 on a cold start
	Err         *OpError
}

// CompletionHook observes finished operations. Hooks are best-effort:
// failures are logged, never propagated.
type CompletionHook interface {
	OperationDone(ctx context.Context, outcome Outcome, records []record.Record)
}

// Pipeline drives a set of fetch operations to completion.
type Pipeline struct {
	exec        *executor.Executor
	checkpoints checkpoint.Store
	cache       cache.Store
	cacheCfg    cache.Config
	emit        func(record.Record)
	hooks       []CompletionHook
	workers     int
	log         *slog.Logger

	emitMu sync.Mutex
}

// New creates a pipeline. emit receives every deduplicated record; it may be
// nil when only the completion hooks matter. workers <= 1 means sequential.
func New(exec *executor.Executor, checkpoints checkpoint.Store,
	cacheStore cache.Store, cacheCfg cache.Config,
	emit func(record.Record), workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		exec:        exec,
		checkpoints: checkpoints,
		cache:       cacheStore,
		cacheCfg:    cacheCfg,
		emit:        emit,
		workers:     workers,
		log:         slog.With("component", "pipeline"),
	}
}

// AddHook registers a completion hook. Not safe to call after Run starts.
func (p *Pipeline) AddHook(h CompletionHook) {
	p.hooks = append(p.hooks, h)
}

// Run processes all operations and returns one outcome per operation, in
// input order. It returns an error only for run-level aborts: context
// cancellation or an authentication failure.
func (p *Pipeline) Run(ctx context.Context, ops []record.FetchOperation) ([]Outcome, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	runID := uuid.New().String()
	p.log.Info("starting run", "run_id", runID, "operations", len(ops), "workers", p.workers)

	if p.workers == 1 {
		return p.runSequential(ctx, ops)
	}
	return p.runParallel(ctx, ops)
}

func (p *Pipeline) runSequential(ctx context.Context, ops []record.FetchOperation) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(ops))
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome := p.runOperation(ctx, op, 0)
		outcomes = append(outcomes, outcome)
		if outcome.Err != nil && outcome.Err.Class == backoff.ClassAuthFailure {
			return outcomes, fmt.Errorf("%w: %v", ErrAuthFailure, outcome.Err)
		}
	}
	return outcomes, ctx.Err()
}

// runParallel fans operations out to a bounded worker pool. Operations never
// share a (signature, page) key, so they only contend on the quota tracker,
// which is internally synchronized.
func (p *Pipeline) runParallel(parent context.Context, ops []record.FetchOperation) ([]Outcome, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	type indexed struct {
		idx int
		op  record.FetchOperation
	}

	work := make(chan indexed)
	outcomes := make([]Outcome, len(ops))
	var authErr error
	var authMu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for item := range work {
				if ctx.Err() != nil {
					outcomes[item.idx] = Outcome{
						Op:        item.op,
						Signature: item.op.Signature(),
						State:     StatePending,
					}
					continue
				}
				outcome := p.runOperation(ctx, item.op, workerID)
				outcomes[item.idx] = outcome
				if outcome.Err != nil && outcome.Err.Class == backoff.ClassAuthFailure {
					authMu.Lock()
					if authErr == nil {
						authErr = fmt.Errorf("%w: %v", ErrAuthFailure, outcome.Err)
					}
					authMu.Unlock()
					cancel()
				}
			}
		}(i)
	}

	for i, op := range ops {
		select {
		case <-ctx.Done():
		case work <- indexed{idx: i, op: op}:
			continue
		}
		// Mark undispatched operations.
		outcomes[i] = Outcome{Op: op, Signature: op.Signature(), State: StatePending}
	}
	close(work)
	wg.Wait()

	if authErr != nil {
		return outcomes, authErr
	}
	return outcomes, parent.Err()
}

// runOperation drives one operation through its state machine:
// pending -> fetching -> (advancing -> fetching)* -> complete | failed.
func (p *Pipeline) runOperation(ctx context.Context, op record.FetchOperation, workerID int) Outcome {
	sig := op.Signature()
	correlationID := logging.GenerateCorrelationID()
	log := logging.OperationLogger(correlationID, op.Repository, string(op.RecordType),
		op.WindowStart, op.WindowEnd).With("worker_id", workerID, "signature", sig)

	if m := metrics.Get(); m != nil {
		m.IncInFlightOperations()
		defer m.DecInFlightOperations()
	}

	outcome := Outcome{Op: op, Signature: sig, State: StatePending, ResumedFrom: 1}
	seen := make(map[string]bool)
	var collected []record.Record

	emit := func(recs []record.Record) int {
		emitted := 0
		p.emitMu.Lock()
		for _, r := range recs {
			if r.ID == "" || seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			collected = append(collected, r)
			if p.emit != nil {
				p.emit(r)
			}
			emitted++
		}
		p.emitMu.Unlock()
		if m := metrics.Get(); m != nil && emitted > 0 {
			m.AddRecordsEmitted(string(op.RecordType), float64(emitted))
		}
		return emitted
	}

	page := 1
	cursor := ""

	cp, err := p.checkpoints.Load(ctx, sig)
	if err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		log.Warn("checkpoint load failed, starting fresh", "error", err)
		cp = nil
	}
	if cp != nil && cp.LastCompletedPage > 0 {
		outcome.Records += emit(p.replayCachedPages(ctx, op, sig, cp.LastCompletedPage, log))
		page = cp.LastCompletedPage + 1
		cursor = cp.CursorToken
		outcome.ResumedFrom = page
		log.Info("resuming from checkpoint", "start_page", page)
	}

	outcome.State = StateFetching
	for {
		if err := ctx.Err(); err != nil {
			// The checkpoint already reflects the last completed page,
			// so the next invocation is a correct resume point.
			log.Info("canceled, progress checkpointed", "next_page", page)
			outcome.State = StatePending
			return outcome
		}

		res, err := p.exec.FetchPage(ctx, op, page, cursor)
		if err != nil {
			if ctx.Err() != nil {
				outcome.State = StatePending
				return outcome
			}
			outcome.State = StateFailed
			outcome.Err = p.opError(op, page, err)
			log.Error("operation failed",
				"last_good_page", outcome.Err.LastGoodPage,
				"class", outcome.Err.Class,
				"error", err,
			)
			if m := metrics.Get(); m != nil {
				m.IncOperation(string(op.RecordType), string(StateFailed))
			}
			p.notifyHooks(ctx, outcome, collected)
			return outcome
		}

		outcome.Pages++
		recs, derr := record.DecodePage(op, res.Payload)
		if derr != nil {
			// The executor already advanced the checkpoint past this page.
			// Rewind it so the reported last good page matches the persisted
			// state and a rerun re-attempts the undecodable page.
			if rerr := p.rewindCheckpoint(ctx, op, sig, page, cursor); rerr != nil {
				log.Warn("failed to rewind checkpoint after decode failure", "error", rerr)
			}
			outcome.State = StateFailed
			outcome.Err = &OpError{Op: op, LastGoodPage: page - 1, Class: backoff.ClassClientError, Err: derr}
			log.Error("page decode failed", "page", page, "error", derr)
			p.notifyHooks(ctx, outcome, collected)
			return outcome
		}
		outcome.Records += emit(recs)
		outcome.State = StateAdvancing

		if res.EndOfData {
			break
		}
		cursor = res.NextCursor
		page++
		outcome.State = StateFetching
	}

	if err := p.checkpoints.Clear(ctx, sig); err != nil {
		log.Warn("failed to clear checkpoint", "error", err)
	}

	outcome.State = StateComplete
	log.Info("operation complete", "pages", outcome.Pages, "records", outcome.Records)
	if m := metrics.Get(); m != nil {
		m.IncOperation(string(op.RecordType), string(StateComplete))
	}
	p.notifyHooks(ctx, outcome, collected)
	return outcome
}

// replayCachedPages re-derives records for pages completed in a previous run
// so downstream state can be rebuilt, without remote calls. Pages whose cache
// entries have expired are skipped: their records were already delivered by
// the run that fetched them.
func (p *Pipeline) replayCachedPages(ctx context.Context, op record.FetchOperation, sig string, lastPage int, log *slog.Logger) []record.Record {
	if p.cacheCfg.Bypass {
		return nil
	}

	var recs []record.Record
	for page := 1; page <= lastPage; page++ {
		entry, err := p.cache.Get(ctx, sig, page)
		if err != nil || entry == nil {
			continue
		}
		pageRecs, derr := record.DecodePage(op, entry.Payload)
		if derr != nil {
			log.Warn("cached page failed to decode during replay", "page", page, "error", derr)
			continue
		}
		recs = append(recs, pageRecs...)
		if m := metrics.Get(); m != nil {
			m.IncPagesFetched(string(op.RecordType), "cache")
		}
	}
	if len(recs) > 0 {
		log.Info("replayed cached pages", "through_page", lastPage, "records", len(recs))
	}
	return recs
}

// rewindCheckpoint moves the checkpoint back to the page before badPage.
// cursor is the token that fetched badPage, which by the checkpoint invariant
// belongs to the page after badPage-1.
func (p *Pipeline) rewindCheckpoint(ctx context.Context, op record.FetchOperation, sig string, badPage int, cursor string) error {
	if err := p.checkpoints.Clear(ctx, sig); err != nil {
		return err
	}
	if badPage <= 1 {
		return nil
	}
	return p.checkpoints.Advance(ctx, checkpoint.Checkpoint{
		Signature:         sig,
		Repository:        op.Repository,
		RecordType:        string(op.RecordType),
		LastCompletedPage: badPage - 1,
		CursorToken:       cursor,
	})
}

func (p *Pipeline) opError(op record.FetchOperation, page int, err error) *OpError {
	var fe *executor.FetchError
	if errors.As(err, &fe) {
		return &OpError{
			Op:           op,
			LastGoodPage: page - 1,
			Class:        fe.Class,
			Err:          err,
		}
	}
	return &OpError{
		Op:           op,
		LastGoodPage: page - 1,
		Class:        backoff.ClassTransientNetwork,
		Err:          err,
	}
}

func (p *Pipeline) notifyHooks(ctx context.Context, outcome Outcome, records []record.Record) {
	for _, h := range p.hooks {
		h.OperationDone(ctx, outcome, records)
	}
}
