// Package archive writes completed operations to Parquet files with a JSON
// manifest, one directory per operation signature.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/contriblens/activity-ingest/internal/pipeline"
	"github.com/contriblens/activity-ingest/internal/record"
)

// Config configures the archive sink.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// row is the flattened Parquet schema for an activity record.
type row struct {
	ID         string `parquet:"id"`
	Type       string `parquet:"type"`
	Timestamp  int64  `parquet:"timestamp_ms"`
	Repository string `parquet:"repository"`
	Author     string `parquet:"author"`
	Title      string `parquet:"title,optional"`
	State      string `parquet:"state,optional"`
	Metadata   string `parquet:"metadata_json,optional"`
}

// manifest describes one written Parquet file. It mirrors what a downstream
// loader needs to validate the file without opening it.
type manifest struct {
	Signature  string    `json:"signature"`
	Repository string    `json:"repository"`
	RecordType string    `json:"record_type"`
	Rows       int       `json:"rows"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `json:"checksum_sha256"`
	CreatedAt  time.Time `json:"created_at"`
	Producer   string    `json:"producer"`
}

// Writer persists operation results as Parquet.
type Writer struct {
	dir string
	log *slog.Logger
}

// NewWriter creates an archive writer rooted at cfg.Dir.
func NewWriter(cfg Config) (*Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory %s: %w", cfg.Dir, err)
	}
	return &Writer{
		dir: cfg.Dir,
		log: slog.With("component", "archive"),
	}, nil
}

// WriteOperation writes all records of one completed operation to
// <dir>/<signature>/records.parquet plus a _manifest.json. Re-running the
// same operation overwrites both files.
func (w *Writer) WriteOperation(ctx context.Context, op record.FetchOperation, records []record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sig := op.Signature()
	opDir := filepath.Join(w.dir, sig)
	if err := os.MkdirAll(opDir, 0755); err != nil {
		return fmt.Errorf("create operation directory: %w", err)
	}

	rows := make([]row, 0, len(records))
	for _, r := range records {
		meta := ""
		if len(r.Metadata) > 0 {
			if b, err := json.Marshal(r.Metadata); err == nil {
				meta = string(b)
			}
		}
		rows = append(rows, row{
			ID:         r.ID,
			Type:       string(r.Type),
			Timestamp:  r.Timestamp.UnixMilli(),
			Repository: r.Repository,
			Author:     r.Author,
			Title:      r.Title,
			State:      r.State,
			Metadata:   meta,
		})
	}

	path := filepath.Join(opDir, "records.parquet")
	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create parquet temp file: %w", err)
	}

	pw := parquet.NewGenericWriter[row](f, parquet.Compression(&parquet.Snappy))
	if _, err := pw.Write(rows); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close parquet file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename parquet file: %w", err)
	}

	if err := w.writeManifest(opDir, sig, op, path, len(rows)); err != nil {
		return err
	}

	w.log.Info("archived operation",
		"signature", sig,
		"rows", len(rows),
		"path", path,
	)
	return nil
}

func (w *Writer) writeManifest(opDir, sig string, op record.FetchOperation, parquetPath string, rows int) error {
	data, err := os.ReadFile(parquetPath)
	if err != nil {
		return fmt.Errorf("read back parquet file: %w", err)
	}
	sum := sha256.Sum256(data)

	m := manifest{
		Signature:  sig,
		Repository: op.Repository,
		RecordType: string(op.RecordType),
		Rows:       rows,
		SizeBytes:  int64(len(data)),
		Checksum:   hex.EncodeToString(sum[:]),
		CreatedAt:  time.Now().UTC(),
		Producer:   "activity-ingest",
	}
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(opDir, "_manifest.json")
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf, 0644); err != nil {
		return fmt.Errorf("write manifest temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Hook adapts the writer to the pipeline's completion hook. Only fully
// complete operations are archived; partial results stay in the page cache.
type Hook struct {
	Writer *Writer
}

func (h *Hook) OperationDone(ctx context.Context, outcome pipeline.Outcome, records []record.Record) {
	if outcome.State != pipeline.StateComplete {
		return
	}
	if err := h.Writer.WriteOperation(ctx, outcome.Op, records); err != nil {
		h.Writer.log.Warn("failed to archive operation",
			"signature", outcome.Signature, "error", err)
	}
}
