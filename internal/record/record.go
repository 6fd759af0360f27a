// Package record defines fetch operations and the normalized activity
// records the ingestion pipeline emits.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type identifies the kind of activity record an operation fetches.
type Type string

const (
	TypeCommit      Type = "commit"
	TypePullRequest Type = "pull_request"
	TypeReview      Type = "review"
	TypeIssue       Type = "issue"
)

// ParseType validates and normalizes a record type string.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeCommit:
		return TypeCommit, nil
	case TypePullRequest:
		return TypePullRequest, nil
	case TypeReview:
		return TypeReview, nil
	case TypeIssue:
		return TypeIssue, nil
	default:
		return "", fmt.Errorf("unknown record type %q", s)
	}
}

// Record is one normalized activity event (commit, PR, review or issue).
// Records are immutable and deduplicated by ID within an operation.
type Record struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Repository string            `json:"repository"`
	Author     string            `json:"author"`
	Title      string            `json:"title,omitempty"`
	State      string            `json:"state,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// FetchOperation identifies one resumable unit of work. It is immutable once
// created; Signature() is its identity for cache and checkpoint keys.
type FetchOperation struct {
	Repository  string            // full name, e.g. "acme/api"
	RecordType  Type
	WindowStart time.Time
	WindowEnd   time.Time
	Params      map[string]string // extra query parameters, part of the identity
}

// Signature returns a stable identifier for the operation: a human-readable
// slug plus a short hash of the full defining fields, so two operations that
// differ only in Params still get distinct keys.
func (op FetchOperation) Signature() string {
	h := sha256.Sum256([]byte(op.canonical()))
	return fmt.Sprintf("%s_%s", op.slug(), hex.EncodeToString(h[:])[:8])
}

// canonical serializes the defining fields in a fixed order.
func (op FetchOperation) canonical() string {
	var b strings.Builder
	fmt.Fprintf(&b, "repo=%s;type=%s;start=%s;end=%s",
		op.Repository, op.RecordType,
		op.WindowStart.UTC().Format(time.RFC3339),
		op.WindowEnd.UTC().Format(time.RFC3339))
	keys := make([]string, 0, len(op.Params))
	for k := range op.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%s", k, op.Params[k])
	}
	return b.String()
}

func (op FetchOperation) slug() string {
	repo := strings.NewReplacer("/", "_", " ", "_", ".", "_").Replace(op.Repository)
	return fmt.Sprintf("%s_%s_%s_%s",
		repo, op.RecordType,
		op.WindowStart.UTC().Format("20060102"),
		op.WindowEnd.UTC().Format("20060102"))
}

// String is used in logs and error messages.
func (op FetchOperation) String() string {
	return fmt.Sprintf("%s %s [%s..%s]",
		op.Repository, op.RecordType,
		op.WindowStart.UTC().Format("2006-01-02"),
		op.WindowEnd.UTC().Format("2006-01-02"))
}
