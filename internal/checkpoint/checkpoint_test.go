package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, dir
}

func TestAdvanceAndLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cp := Checkpoint{
		Signature:         "acme_api_commit_20260101_20260201_deadbeef",
		Repository:        "acme/api",
		RecordType:        "commit",
		LastCompletedPage: 3,
		CursorToken:       "https://api.github.com/repositories/1/commits?page=4",
	}
	if err := s.Advance(ctx, cp); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got, err := s.Load(ctx, cp.Signature)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastCompletedPage != 3 {
		t.Errorf("page = %d, want 3", got.LastCompletedPage)
	}
	if got.CursorToken != cp.CursorToken {
		t.Errorf("cursor not preserved verbatim: %q", got.CursorToken)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestLoadAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Load(context.Background(), "nothing_here")
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	sig := "broken_sig"
	path := filepath.Join(dir, "checkpoint_"+sig+".json")
	if err := os.WriteFile(path, []byte("{truncated"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	_, err := s.Load(ctx, sig)
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("corrupt checkpoint must read as absent, got %v", err)
	}
}

func TestLoadSignatureMismatch(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	// A file whose stored signature disagrees with its name is inconsistent.
	path := filepath.Join(dir, "checkpoint_sig_x.json")
	if err := os.WriteFile(path, []byte(`{"signature":"sig_y","last_completed_page":2}`), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := s.Load(ctx, "sig_x")
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("inconsistent checkpoint must read as absent, got %v", err)
	}
}

func TestAdvanceRegression(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cp := Checkpoint{Signature: "sig_r", LastCompletedPage: 5}
	if err := s.Advance(ctx, cp); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	cp.LastCompletedPage = 4
	err := s.Advance(ctx, cp)
	if !errors.Is(err, ErrRegression) {
		t.Fatalf("expected ErrRegression, got %v", err)
	}

	// Same page is allowed (re-advance after a cache replay).
	cp.LastCompletedPage = 5
	if err := s.Advance(ctx, cp); err != nil {
		t.Fatalf("re-advance to same page: %v", err)
	}

	got, err := s.Load(ctx, "sig_r")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastCompletedPage != 5 {
		t.Errorf("regression modified state: page = %d", got.LastCompletedPage)
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cp := Checkpoint{Signature: "sig_c", LastCompletedPage: 1}
	if err := s.Advance(ctx, cp); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Clear(ctx, "sig_c"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Load(ctx, "sig_c"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected checkpoint gone after Clear, got %v", err)
	}

	// Clearing again is a no-op.
	if err := s.Clear(ctx, "sig_c"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestNoopStoreWhenDisabled(t *testing.T) {
	s, err := NewStore(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if err := s.Advance(ctx, Checkpoint{Signature: "sig_n", LastCompletedPage: 1}); err != nil {
		t.Fatalf("noop Advance: %v", err)
	}
	if _, err := s.Load(ctx, "sig_n"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("noop Load must report no checkpoint, got %v", err)
	}
}
