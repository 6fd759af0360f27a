// Package notify posts operation completion events to a webhook endpoint.
// Delivery is best-effort with a short retry; failures are logged and
// swallowed so notifications never hold up ingestion.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/contriblens/activity-ingest/internal/pipeline"
	"github.com/contriblens/activity-ingest/internal/record"
)

// Config configures the webhook emitter.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Event is the JSON body posted for each finished operation.
type Event struct {
	Signature    string    `json:"signature"`
	Repository   string    `json:"repository"`
	RecordType   string    `json:"record_type"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	State        string    `json:"state"`
	Pages        int       `json:"pages"`
	Records      int       `json:"records"`
	FailureClass string    `json:"failure_class,omitempty"`
	Error        string    `json:"error,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}

// Emitter posts completion events. The zero-value (disabled) emitter is a
// no-op.
type Emitter struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

// NewEmitter creates a webhook emitter.
func NewEmitter(cfg Config) *Emitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Emitter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        slog.With("component", "notify"),
	}
}

// OperationDone implements the pipeline completion hook.
func (e *Emitter) OperationDone(ctx context.Context, outcome pipeline.Outcome, records []record.Record) {
	if !e.cfg.Enabled || e.cfg.Endpoint == "" {
		return
	}

	ev := Event{
		Signature:   outcome.Signature,
		Repository:  outcome.Op.Repository,
		RecordType:  string(outcome.Op.RecordType),
		WindowStart: outcome.Op.WindowStart.UTC(),
		WindowEnd:   outcome.Op.WindowEnd.UTC(),
		State:       string(outcome.State),
		Pages:       outcome.Pages,
		Records:     outcome.Records,
		EmittedAt:   time.Now().UTC(),
	}
	if outcome.Err != nil {
		ev.FailureClass = string(outcome.Err.Class)
		ev.Error = outcome.Err.Error()
	}

	if err := e.postWithRetry(ctx, ev); err != nil {
		e.log.Warn("failed to deliver completion event",
			"signature", outcome.Signature, "error", err)
	}
}

// postWithRetry tries up to three deliveries with a doubling delay.
func (e *Emitter) postWithRetry(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	delay := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = e.post(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (e *Emitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned http %d", resp.StatusCode)
	}
	return nil
}
