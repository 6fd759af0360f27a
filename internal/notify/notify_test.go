package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contriblens/activity-ingest/internal/backoff"
	"github.com/contriblens/activity-ingest/internal/pipeline"
	"github.com/contriblens/activity-ingest/internal/record"
)

func testOutcome(state pipeline.State) pipeline.Outcome {
	op := record.FetchOperation{
		Repository:  "acme/api",
		RecordType:  record.TypeCommit,
		WindowStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	return pipeline.Outcome{
		Op:        op,
		Signature: op.Signature(),
		State:     state,
		Pages:     3,
		Records:   12,
	}
}

func TestOperationDonePostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad event body: %v", err)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewEmitter(Config{Enabled: true, Endpoint: srv.URL})
	e.OperationDone(context.Background(), testOutcome(pipeline.StateComplete), nil)

	if got.Repository != "acme/api" || got.State != "complete" {
		t.Errorf("event = %+v", got)
	}
	if got.Pages != 3 || got.Records != 12 {
		t.Errorf("counts not carried: %+v", got)
	}
	if got.EmittedAt.IsZero() {
		t.Error("emitted_at not set")
	}
}

func TestOperationDoneIncludesFailure(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	outcome := testOutcome(pipeline.StateFailed)
	outcome.Err = &pipeline.OpError{
		Op:           outcome.Op,
		LastGoodPage: 2,
		Class:        backoff.ClassNotFound,
	}

	e := NewEmitter(Config{Enabled: true, Endpoint: srv.URL})
	e.OperationDone(context.Background(), outcome, nil)

	if got.FailureClass != "not_found" {
		t.Errorf("failure class = %q", got.FailureClass)
	}
	if got.Error == "" {
		t.Error("error detail missing")
	}
}

func TestOperationDoneRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(Config{Enabled: true, Endpoint: srv.URL})
	done := make(chan struct{})
	go func() {
		e.OperationDone(context.Background(), testOutcome(pipeline.StateComplete), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("delivery did not finish")
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestDisabledEmitterIsNoop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e := NewEmitter(Config{Enabled: false, Endpoint: srv.URL})
	e.OperationDone(context.Background(), testOutcome(pipeline.StateComplete), nil)
	if hits.Load() != 0 {
		t.Error("disabled emitter posted an event")
	}
}
