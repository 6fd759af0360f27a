// Package ghapi is the GitHub REST transport used by the request executor.
// It issues one HTTP call per page, surfaces rate-limit metadata, and
// classifies failures into the retry taxonomy.
package ghapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/contriblens/activity-ingest/internal/backoff"
	"github.com/contriblens/activity-ingest/internal/record"
)

// Config holds API client configuration.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	PageSize  int           `yaml:"page_size"`
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.github.com"
	}
	if c.UserAgent == "" {
		c.UserAgent = "activity-ingest"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		c.PageSize = 100
	}
}

// Page is the result of fetching one page from the remote API.
type Page struct {
	Payload []byte
	// NextCursor is the opaque handle for the following page (the
	// rel="next" URL from the Link header), stored verbatim.
	NextCursor string
	EndOfData  bool

	// Rate-limit metadata from the response headers. RateRemaining is -1
	// when the headers were absent.
	RateRemaining int
	RateReset     time.Time
}

// APIError is a classified remote failure.
type APIError struct {
	StatusCode    int
	Class         backoff.Class
	ResetAt       time.Time // set for rate-limited failures
	RateRemaining int
	Body          string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: http %d (%s): %s", e.StatusCode, e.Class, e.Body)
}

// Classify maps any fetch error onto the failure taxonomy. Transport errors
// without an HTTP response count as transient network failures.
func Classify(err error) (backoff.Class, time.Time) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class, apiErr.ResetAt
	}
	return backoff.ClassTransientNetwork, time.Time{}
}

// Client issues paged list requests against the GitHub REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

// New creates an API client.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: slog.With("component", "ghapi"),
	}
}

// FetchPage retrieves one page for the operation. For the first page the URL
// is built from the operation; subsequent pages reuse the cursor verbatim.
func (c *Client) FetchPage(ctx context.Context, op record.FetchOperation, page int, cursor string) (*Page, error) {
	reqURL := cursor
	if reqURL == "" {
		var err error
		reqURL, err = c.firstPageURL(op)
		if err != nil {
			return nil, err
		}
	}

	// The request is detached from the caller's cancellation: an in-flight
	// call runs to completion (bounded by the client timeout) so a response
	// that already spent quota is never discarded mid-read. The executor
	// honors cancellation between pages.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	remaining, resetAt := parseRateHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			StatusCode:    resp.StatusCode,
			Class:         classifyStatus(resp.StatusCode, remaining),
			ResetAt:       resetAt,
			RateRemaining: remaining,
			Body:          strings.TrimSpace(string(body)),
		}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	// The Link header is authoritative: an empty interior page can occur
	// when items shift during pagination, so an empty body ends the
	// operation only when no next link exists.
	next := parseNextLink(resp.Header.Get("Link"))

	c.log.Debug("fetched page",
		"repository", op.Repository,
		"record_type", op.RecordType,
		"page", page,
		"bytes", len(payload),
		"rate_remaining", remaining,
	)

	return &Page{
		Payload:       payload,
		NextCursor:    next,
		EndOfData:     next == "",
		RateRemaining: remaining,
		RateReset:     resetAt,
	}, nil
}

// firstPageURL builds the list endpoint for the operation's record type.
func (c *Client) firstPageURL(op record.FetchOperation) (string, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.cfg.PageSize))

	var path string
	switch op.RecordType {
	case record.TypeCommit:
		path = fmt.Sprintf("/repos/%s/commits", op.Repository)
		q.Set("since", op.WindowStart.UTC().Format(time.RFC3339))
		q.Set("until", op.WindowEnd.UTC().Format(time.RFC3339))
	case record.TypePullRequest:
		path = fmt.Sprintf("/repos/%s/pulls", op.Repository)
		q.Set("state", "all")
		q.Set("sort", "created")
		q.Set("direction", "desc")
	case record.TypeReview:
		path = fmt.Sprintf("/repos/%s/pulls/comments", op.Repository)
		q.Set("since", op.WindowStart.UTC().Format(time.RFC3339))
		q.Set("sort", "created")
	case record.TypeIssue:
		path = fmt.Sprintf("/repos/%s/issues", op.Repository)
		q.Set("state", "all")
		q.Set("since", op.WindowStart.UTC().Format(time.RFC3339))
	default:
		return "", fmt.Errorf("unknown record type %q", op.RecordType)
	}

	for k, v := range op.Params {
		q.Set(k, v)
	}

	return c.cfg.BaseURL + path + "?" + q.Encode(), nil
}

// classifyStatus maps an HTTP status onto the failure taxonomy. GitHub
// signals primary quota exhaustion as 403 with a zeroed remaining header.
func classifyStatus(status, rateRemaining int) backoff.Class {
	switch {
	case status == http.StatusUnauthorized:
		return backoff.ClassAuthFailure
	case status == http.StatusTooManyRequests:
		return backoff.ClassRateLimited
	case status == http.StatusForbidden && rateRemaining == 0:
		return backoff.ClassRateLimited
	case status == http.StatusNotFound:
		return backoff.ClassNotFound
	case status >= 500:
		return backoff.ClassServerError
	case status >= 400:
		return backoff.ClassClientError
	default:
		return backoff.ClassServerError
	}
}

// parseRateHeaders extracts the (remaining, reset-at) pair. Remaining is -1
// when the header is absent.
func parseRateHeaders(h http.Header) (int, time.Time) {
	remaining := -1
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	var resetAt time.Time
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetAt = time.Unix(epoch, 0)
		}
	}
	return remaining, resetAt
}

// parseNextLink extracts the rel="next" URL from an RFC 5988 Link header.
func parseNextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		urlPart := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, param := range section[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				return urlPart
			}
		}
	}
	return ""
}
