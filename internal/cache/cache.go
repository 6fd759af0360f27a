// Package cache persists fetched API pages keyed by operation signature and
// page number, with per-entry expiry. Eviction is lazy: staleness is checked
// on read and stale files are overwritten by the next Put; there is no
// background sweeper.
package cache

import (
	"context"
	"fmt"
	"time"
)

// TTLClass selects the expiry applied to a cache entry.
type TTLClass string

const (
	// TTLShort applies to windows that include recent time: the remote
	// data may still change.
	TTLShort TTLClass = "short"
	// TTLLong applies to windows entirely in the past: immutable history.
	TTLLong TTLClass = "long"
)

// ClassifyWindow picks the TTL class for a fetch window. A window whose end
// falls within `recency` of now is considered still mutable.
func ClassifyWindow(windowEnd, now time.Time, recency time.Duration) TTLClass {
	if windowEnd.After(now.Add(-recency)) {
		return TTLShort
	}
	return TTLLong
}

// Meta is the sidecar metadata stored next to every payload. It is plain
// JSON so staleness can be checked without touching the compressed payload.
type Meta struct {
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Class      TTLClass  `json:"ttl_class"`
	Checksum   string    `json:"checksum"` // sha256 over the raw payload
	RawSize    int64     `json:"raw_size"`
	NextCursor string    `json:"next_cursor,omitempty"`
	EndOfData  bool      `json:"end_of_data"`
}

// Expired reports whether the entry is stale at the given instant. An entry
// expiring exactly now is already stale.
func (m Meta) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Entry is a cached page: the raw payload plus its metadata.
type Entry struct {
	Payload []byte
	Meta    Meta
}

// PutInfo carries the pagination facts recorded alongside a payload.
type PutInfo struct {
	Class      TTLClass
	NextCursor string
	EndOfData  bool
}

// Store abstracts the page cache. Within one process a given
// (signature, page) key is only ever written by the one operation owning it,
// so no locking beyond atomic single-key writes is required.
type Store interface {
	// Get returns the cached entry, or nil when absent or expired.
	Get(ctx context.Context, signature string, page int) (*Entry, error)

	// Put stores a page. Writing the same key twice with identical payload
	// is a harmless overwrite; a different payload replaces the entry.
	Put(ctx context.Context, signature string, page int, payload []byte, info PutInfo) error

	// Close releases any resources.
	Close() error
}

// Config configures the cache backend.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "bucket"

	// Local filesystem
	Dir string `yaml:"dir"`

	// Bucket backend: a gocloud blob URL (file://, gs://, s3://)
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`

	ShortTTL time.Duration `yaml:"short_ttl"`
	LongTTL  time.Duration `yaml:"long_ttl"`

	// Recency decides which windows still count as mutable.
	Recency time.Duration `yaml:"recency"`

	// Bypass makes callers skip Get entirely (they still Put).
	Bypass bool `yaml:"bypass"`
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.ShortTTL <= 0 {
		c.ShortTTL = time.Hour
	}
	if c.LongTTL <= 0 {
		c.LongTTL = 24 * time.Hour
	}
	if c.Recency <= 0 {
		c.Recency = 24 * time.Hour
	}
}

// TTLFor returns the configured duration for a TTL class.
func (c Config) TTLFor(class TTLClass) time.Duration {
	if class == TTLLong {
		return c.LongTTL
	}
	return c.ShortTTL
}

// NewStore creates a cache backend based on configuration.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	cfg.applyDefaults()
	switch cfg.Backend {
	case "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cache: Dir required for local backend")
		}
		return NewLocalStore(cfg)
	case "bucket":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("cache: BucketURL required for bucket backend")
		}
		return NewBucketStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

func payloadName(page int) string {
	return fmt.Sprintf("page-%05d.zst", page)
}

func metaName(page int) string {
	return fmt.Sprintf("page-%05d.meta.json", page)
}
