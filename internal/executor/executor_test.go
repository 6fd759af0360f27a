package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/contriblens/activity-ingest/internal/backoff"
	"github.com/contriblens/activity-ingest/internal/cache"
	"github.com/contriblens/activity-ingest/internal/checkpoint"
	"github.com/contriblens/activity-ingest/internal/ghapi"
	"github.com/contriblens/activity-ingest/internal/quota"
	"github.com/contriblens/activity-ingest/internal/record"
)

type call struct {
	page   int
	cursor string
}

// fakeClient serves scripted pages and records every call.
type fakeClient struct {
	calls  []call
	pages  map[int]*ghapi.Page
	errs   []error // returned in order before pages are served
	failed int
}

func (f *fakeClient) FetchPage(ctx context.Context, op record.FetchOperation, page int, cursor string) (*ghapi.Page, error) {
	f.calls = append(f.calls, call{page: page, cursor: cursor})
	if f.failed < len(f.errs) {
		err := f.errs[f.failed]
		f.failed++
		return nil, err
	}
	pg, ok := f.pages[page]
	if !ok {
		return nil, &ghapi.APIError{StatusCode: 404, Class: backoff.ClassNotFound}
	}
	return pg, nil
}

func testOp() record.FetchOperation {
	return record.FetchOperation{
		Repository:  "acme/api",
		RecordType:  record.TypeCommit,
		WindowStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testHarness(t *testing.T, client RemoteClient) (*Executor, checkpoint.Store, cache.Store) {
	t.Helper()

	cacheCfg := cache.Config{Dir: t.TempDir(), ShortTTL: time.Hour, LongTTL: 24 * time.Hour, Recency: 24 * time.Hour}
	cacheStore, err := cache.NewLocalStore(cacheCfg)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	t.Cleanup(func() { cacheStore.Close() })

	checkpoints, err := checkpoint.NewStore(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("checkpoint.NewStore: %v", err)
	}

	tracker := quota.NewTracker(10)
	sched := backoff.NewScheduler(backoff.Config{
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		MaxAttempts:     3,
		RateLimitBuffer: time.Millisecond,
		ThrottleDelay:   time.Millisecond,
	}, tracker)

	return New(client, cacheStore, cacheCfg, checkpoints, tracker, sched), checkpoints, cacheStore
}

func TestFetchPageRemoteThenCached(t *testing.T) {
	payload := []byte(`[{"sha":"abc"}]`)
	client := &fakeClient{pages: map[int]*ghapi.Page{
		1: {Payload: payload, NextCursor: "https://next/2", RateRemaining: 4000},
	}}
	exec, checkpoints, _ := testHarness(t, client)
	ctx := context.Background()
	op := testOp()

	res, err := exec.FetchPage(ctx, op, 1, "")
	if err != nil {
		t.Fatalf("first FetchPage: %v", err)
	}
	if res.FromCache {
		t.Error("first fetch must be remote")
	}
	if string(res.Payload) != string(payload) {
		t.Errorf("payload mismatch: %q", res.Payload)
	}

	cp, err := checkpoints.Load(ctx, op.Signature())
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cp.LastCompletedPage != 1 || cp.CursorToken != "https://next/2" {
		t.Errorf("checkpoint = page %d cursor %q", cp.LastCompletedPage, cp.CursorToken)
	}

	// Second call must come from cache, byte-identical, with no remote call.
	res2, err := exec.FetchPage(ctx, op, 1, "")
	if err != nil {
		t.Fatalf("second FetchPage: %v", err)
	}
	if !res2.FromCache {
		t.Error("second fetch must hit the cache")
	}
	if string(res2.Payload) != string(payload) {
		t.Errorf("cached payload differs: %q", res2.Payload)
	}
	if res2.NextCursor != "https://next/2" {
		t.Errorf("cached cursor = %q", res2.NextCursor)
	}
	if len(client.calls) != 1 {
		t.Errorf("cache hit issued a remote call: %d calls", len(client.calls))
	}
}

func TestFetchPageRetriesSamePageAndCursor(t *testing.T) {
	payload := []byte(`[{"sha":"abc"}]`)
	client := &fakeClient{
		errs: []error{
			&ghapi.APIError{StatusCode: 500, Class: backoff.ClassServerError},
			&ghapi.APIError{StatusCode: 502, Class: backoff.ClassServerError},
		},
		pages: map[int]*ghapi.Page{
			3: {Payload: payload, EndOfData: true, RateRemaining: 100},
		},
	}
	exec, _, _ := testHarness(t, client)

	res, err := exec.FetchPage(context.Background(), testOp(), 3, "https://cursor/3")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if res.FromCache {
		t.Error("expected remote result")
	}
	if len(client.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(client.calls))
	}
	for i, c := range client.calls {
		if c.page != 3 || c.cursor != "https://cursor/3" {
			t.Errorf("attempt %d used page %d cursor %q; retries must not drift", i, c.page, c.cursor)
		}
	}
}

func TestFetchPagePermanentFailureLeavesCheckpoint(t *testing.T) {
	client := &fakeClient{pages: map[int]*ghapi.Page{}} // everything 404s
	exec, checkpoints, _ := testHarness(t, client)
	ctx := context.Background()
	op := testOp()

	_, err := exec.FetchPage(ctx, op, 2, "https://cursor/2")
	if err == nil {
		t.Fatal("expected permanent failure")
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %T: %v", err, err)
	}
	if fe.Class != backoff.ClassNotFound {
		t.Errorf("class = %s, want not_found", fe.Class)
	}
	if fe.Page != 2 {
		t.Errorf("page = %d", fe.Page)
	}
	if len(client.calls) != 1 {
		t.Errorf("non-retryable failure was retried: %d calls", len(client.calls))
	}

	if _, err := checkpoints.Load(ctx, op.Signature()); !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Errorf("failed page must not advance the checkpoint, got %v", err)
	}
}

func TestFetchPageExhaustsRetries(t *testing.T) {
	client := &fakeClient{
		errs: []error{
			&ghapi.APIError{StatusCode: 500, Class: backoff.ClassServerError},
			&ghapi.APIError{StatusCode: 500, Class: backoff.ClassServerError},
			&ghapi.APIError{StatusCode: 500, Class: backoff.ClassServerError},
			&ghapi.APIError{StatusCode: 500, Class: backoff.ClassServerError},
		},
	}
	exec, _, _ := testHarness(t, client)

	_, err := exec.FetchPage(context.Background(), testOp(), 1, "")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError after retry exhaustion, got %v", err)
	}
	if fe.Class != backoff.ClassServerError {
		t.Errorf("class = %s", fe.Class)
	}
	// MaxAttempts of 3 means the initial try plus three retries.
	if len(client.calls) != 4 {
		t.Errorf("expected 4 attempts, got %d", len(client.calls))
	}
}

func TestFetchPageObservesQuota(t *testing.T) {
	client := &fakeClient{pages: map[int]*ghapi.Page{
		1: {Payload: []byte(`[]`), EndOfData: true, RateRemaining: 42, RateReset: time.Now().Add(time.Hour)},
	}}

	cacheCfg := cache.Config{Dir: t.TempDir()}
	cacheStore, err := cache.NewLocalStore(cacheCfg)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	defer cacheStore.Close()
	checkpoints, _ := checkpoint.NewStore(checkpoint.Config{})
	tracker := quota.NewTracker(10)
	sched := backoff.NewScheduler(backoff.Config{BaseDelay: time.Millisecond}, tracker)
	exec := New(client, cacheStore, cacheCfg, checkpoints, tracker, sched)

	if _, err := exec.FetchPage(context.Background(), testOp(), 1, ""); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got := tracker.Remaining(); got != 42 {
		t.Errorf("quota remaining = %d, want 42", got)
	}
}

func TestFetchPageBlocksWhileQuotaExhausted(t *testing.T) {
	resetAt := time.Now().Add(150 * time.Millisecond)
	client := &fakeClient{pages: map[int]*ghapi.Page{
		1: {Payload: []byte(`[]`), EndOfData: true, RateRemaining: 4999},
	}}

	cacheCfg := cache.Config{Dir: t.TempDir()}
	cacheStore, err := cache.NewLocalStore(cacheCfg)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	defer cacheStore.Close()
	checkpoints, _ := checkpoint.NewStore(checkpoint.Config{})
	tracker := quota.NewTracker(10)
	tracker.Observe(0, resetAt)
	sched := backoff.NewScheduler(backoff.Config{
		BaseDelay:       time.Millisecond,
		RateLimitBuffer: 10 * time.Millisecond,
	}, tracker)
	exec := New(client, cacheStore, cacheCfg, checkpoints, tracker, sched)

	if _, err := exec.FetchPage(context.Background(), testOp(), 1, ""); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("expected 1 remote call, got %d", len(client.calls))
	}
	// The call must not go out before the quota resets.
	if time.Now().Before(resetAt) {
		t.Error("remote call issued before the quota reset")
	}
}

func TestFetchPageRateLimitMidRun(t *testing.T) {
	// Page 4 is rate limited with a near reset; the retry must wait out the
	// reset plus buffer and reuse the same cursor.
	resetAt := time.Now().Add(100 * time.Millisecond)
	client := &fakeClient{
		errs: []error{
			&ghapi.APIError{
				StatusCode:    429,
				Class:         backoff.ClassRateLimited,
				ResetAt:       resetAt,
				RateRemaining: 0,
			},
		},
		pages: map[int]*ghapi.Page{
			4: {Payload: []byte(`[]`), EndOfData: true, RateRemaining: 4999},
		},
	}

	cacheCfg := cache.Config{Dir: t.TempDir()}
	cacheStore, err := cache.NewLocalStore(cacheCfg)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	defer cacheStore.Close()
	checkpoints, _ := checkpoint.NewStore(checkpoint.Config{})
	tracker := quota.NewTracker(10)
	sched := backoff.NewScheduler(backoff.Config{
		BaseDelay:       time.Millisecond,
		MaxAttempts:     3,
		RateLimitBuffer: 10 * time.Millisecond,
	}, tracker)
	exec := New(client, cacheStore, cacheCfg, checkpoints, tracker, sched)

	res, err := exec.FetchPage(context.Background(), testOp(), 4, "https://cursor/4")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if res.FromCache {
		t.Error("expected remote result")
	}

	if len(client.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(client.calls))
	}
	for i, c := range client.calls {
		if c.page != 4 || c.cursor != "https://cursor/4" {
			t.Errorf("attempt %d used page %d cursor %q; the retry must reuse both", i, c.page, c.cursor)
		}
	}
	if time.Now().Before(resetAt.Add(10 * time.Millisecond)) {
		t.Error("retry issued before the reset plus buffer")
	}
}

func TestFetchPageCanceled(t *testing.T) {
	client := &fakeClient{pages: map[int]*ghapi.Page{}}
	exec, _, _ := testHarness(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.FetchPage(ctx, testOp(), 1, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("canceled fetch still issued %d remote calls", len(client.calls))
	}
}
