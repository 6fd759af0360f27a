// Package checkpoint persists the furthest successfully-processed page of
// each fetch operation so an interrupted run can resume without re-fetching.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists for a signature.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrRegression is returned when an advance would move a checkpoint
	// backwards; last_completed_page never decreases.
	ErrRegression = errors.New("checkpoint page regression")
)

// Checkpoint records progress for one fetch operation. CursorToken is the
// opaque pagination handle for the page after LastCompletedPage; it is stored
// verbatim and never parsed.
type Checkpoint struct {
	Signature         string    `json:"signature"`
	Repository        string    `json:"repository"`
	RecordType        string    `json:"record_type"`
	LastCompletedPage int       `json:"last_completed_page"`
	CursorToken       string    `json:"cursor_token,omitempty"`
	RetryCount        int       `json:"retry_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store handles checkpoint persistence and retrieval.
type Store interface {
	// Load reads the checkpoint for an operation signature.
	Load(ctx context.Context, signature string) (*Checkpoint, error)

	// Advance persists progress. It must be durable before the
	// corresponding records are handed downstream.
	Advance(ctx context.Context, cp Checkpoint) error

	// Clear removes the checkpoint once the whole operation completes.
	Clear(ctx context.Context, signature string) error
}

// Config configures the checkpoint store.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// NewStore creates a checkpoint store based on configuration.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &noopStore{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileStore{
		dir: cfg.Dir,
		log: slog.With("component", "checkpoint"),
	}, nil
}

// fileStore persists one human-inspectable JSON file per operation signature.
type fileStore struct {
	dir string
	log *slog.Logger
}

func (s *fileStore) path(signature string) string {
	return filepath.Join(s.dir, "checkpoint_"+signature+".json")
}

// Load reads the checkpoint. A corrupt file is logged and treated as absent,
// restarting the operation from the first page.
func (s *fileStore) Load(ctx context.Context, signature string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(signature))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.log.Warn("corrupt checkpoint, restarting operation from scratch",
			"signature", signature, "error", err)
		return nil, ErrNoCheckpoint
	}
	if cp.Signature != signature || cp.LastCompletedPage < 0 {
		s.log.Warn("inconsistent checkpoint, restarting operation from scratch",
			"signature", signature, "stored_signature", cp.Signature)
		return nil, ErrNoCheckpoint
	}

	return &cp, nil
}

// Advance persists the checkpoint atomically (temp file + rename).
func (s *fileStore) Advance(ctx context.Context, cp Checkpoint) error {
	existing, err := s.Load(ctx, cp.Signature)
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return err
	}
	if existing != nil && cp.LastCompletedPage < existing.LastCompletedPage {
		return fmt.Errorf("%w: %d < %d", ErrRegression,
			cp.LastCompletedPage, existing.LastCompletedPage)
	}

	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.path(cp.Signature)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// Clear removes the checkpoint file. Clearing an absent checkpoint is a no-op.
func (s *fileStore) Clear(ctx context.Context, signature string) error {
	if err := os.Remove(s.path(signature)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

// noopStore is used when checkpointing is disabled.
type noopStore struct{}

func (s *noopStore) Load(ctx context.Context, signature string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (s *noopStore) Advance(ctx context.Context, cp Checkpoint) error {
	return nil
}

func (s *noopStore) Clear(ctx context.Context, signature string) error {
	return nil
}
