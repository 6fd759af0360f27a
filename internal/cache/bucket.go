package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BucketStore keeps cached pages in an object-store bucket so several
// collector hosts can share one cache. Keys mirror the local layout.
type BucketStore struct {
	bucket *blob.Bucket
	prefix string
	cfg    Config
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	log    *slog.Logger

	now func() time.Time
}

// NewBucketStore opens the bucket named by a gocloud blob URL
// (file://, gs://, s3://).
func NewBucketStore(ctx context.Context, cfg Config) (*BucketStore, error) {
	cfg.applyDefaults()
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open cache bucket %s: %w", cfg.BucketURL, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		bucket.Close()
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &BucketStore{
		bucket: bucket,
		prefix: cfg.Prefix,
		cfg:    cfg,
		enc:    enc,
		dec:    dec,
		log:    slog.With("component", "cache", "backend", "bucket"),
		now:    time.Now,
	}, nil
}

func (s *BucketStore) payloadKey(signature string, page int) string {
	return path.Join(s.prefix, signature, payloadName(page))
}

func (s *BucketStore) metaKey(signature string, page int) string {
	return path.Join(s.prefix, signature, metaName(page))
}

// Get returns the cached entry, or nil when absent, expired, or unreadable.
func (s *BucketStore) Get(ctx context.Context, signature string, page int) (*Entry, error) {
	metaData, err := s.bucket.ReadAll(ctx, s.metaKey(signature, page))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
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

	if meta.Expired(s.now()) {
		return nil, nil
	}

	compressed, err := s.bucket.ReadAll(ctx, s.payloadKey(signature, page))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
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

// Put stores a page. Object writes are atomic per key; the metadata object
// is written last so a partial Put reads as a miss.
func (s *BucketStore) Put(ctx context.Context, signature string, page int, payload []byte, info PutInfo) error {
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
	if err := s.bucket.WriteAll(ctx, s.payloadKey(signature, page), compressed, nil); err != nil {
		return fmt.Errorf("write cache payload: %w", err)
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	if err := s.bucket.WriteAll(ctx, s.metaKey(signature, page), metaData, nil); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}

	return nil
}

// Close releases the bucket and compressor resources.
func (s *BucketStore) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.bucket.Close()
}
