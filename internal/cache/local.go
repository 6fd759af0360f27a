package cache

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

	"github.com/klauspost/compress/zstd"
)

// LocalStore keeps cached pages on the local filesystem: one directory per
// operation signature holding zstd-compressed payloads and JSON sidecars.
type LocalStore struct {
	baseDir string
	cfg     Config
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	log     *slog.Logger

	now func() time.Time
}

// NewLocalStore creates a new local filesystem cache.
func NewLocalStore(cfg Config) (*LocalStore, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", cfg.Dir, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &LocalStore{
		baseDir: cfg.Dir,
		cfg:     cfg,
		enc:     enc,
		dec:     dec,
		log:     slog.With("component", "cache"),
		now:     time.Now,
	}, nil
}

func (s *LocalStore) payloadPath(signature string, page int) string {
	return filepath.Join(s.baseDir, signature, payloadName(page))
}

func (s *LocalStore) metaPath(signature string, page int) string {
	return filepath.Join(s.baseDir, signature, metaName(page))
}

// Get returns the cached entry, or nil when absent, expired, or unreadable.
func (s *LocalStore) Get(ctx context.Context, signature string, page int) (*Entry, error) {
	metaData, err := os.ReadFile(s.metaPath(signature, page))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache metadata: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		s.log.Warn("unreadable cache metadata, treating as miss",
			"signature", signature, "page", page, "error", err)
		return nil, nil
	}

	// Expired entries are served as misses; the files stay in place until
	// the next Put overwrites them.
	if meta.Expired(s.now()) {
		return nil, nil
	}

	compressed, err := os.ReadFile(s.payloadPath(signature, page))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache payload: %w", err)
	}

	payload, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		s.log.Warn("corrupt cache payload, treating as miss",
			"signature", signature, "page", page, "error", err)
		return nil, nil
	}

	if sum := checksum(payload); sum != meta.Checksum {
		s.log.Warn("cache checksum mismatch, treating as miss",
			"signature", signature, "page", page)
		return nil, nil
	}

	return &Entry{Payload: payload, Meta: meta}, nil
}

// Put stores a page. The payload is written before the metadata sidecar so a
// crash mid-write leaves an entry without metadata, which reads as a miss.
func (s *LocalStore) Put(ctx context.Context, signature string, page int, payload []byte, info PutInfo) error {
	dir := filepath.Join(s.baseDir, signature)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache directory %s: %w", dir, err)
	}

	now := s.now().UTC()
	meta := Meta{
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.TTLFor(info.Class)),
		Class:      info.Class,
		Checksum:   checksum(payload),
		RawSize:    int64(len(payload)),
		NextCursor: info.NextCursor,
		EndOfData:  info.EndOfData,
	}

	compressed := s.enc.EncodeAll(payload, nil)
	if err := writeFileAtomic(s.payloadPath(signature, page), compressed); err != nil {
		return fmt.Errorf("write cache payload: %w", err)
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(signature, page), metaData); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}

	return nil
}

// Close releases the compressor resources.
func (s *LocalStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}
