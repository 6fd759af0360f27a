package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DecodePage normalizes one raw API page into Records. Items outside the
// operation's time window are dropped here because not every list endpoint
// supports server-side time filtering.
func DecodePage(op FetchOperation, payload []byte) ([]Record, error) {
	switch op.RecordType {
	case TypeCommit:
		return decodeCommits(op, payload)
	case TypePullRequest:
		return decodePullRequests(op, payload)
	case TypeReview:
		return decodeReviews(op, payload)
	case TypeIssue:
		return decodeIssues(op, payload)
	default:
		return nil, fmt.Errorf("decode page: unknown record type %q", op.RecordType)
	}
}

type apiUser struct {
	Login string `json:"login"`
}

type apiCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
		Message string `json:"message"`
	} `json:"commit"`
	Author *apiUser `json:"author"`
	Stats  *struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
	} `json:"stats"`
}

func decodeCommits(op FetchOperation, payload []byte) ([]Record, error) {
	var items []apiCommit
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode commits page: %w", err)
	}

	records := make([]Record, 0, len(items))
	for _, it := range items {
		// Fall back to the git author string when the commit has no
		// associated account.
		author := it.Commit.Author.Name
		if it.Author != nil && it.Author.Login != "" {
			author = it.Author.Login
		}

		meta := map[string]string{"sha": it.SHA}
		if it.Stats != nil {
			meta["additions"] = strconv.Itoa(it.Stats.Additions)
			meta["deletions"] = strconv.Itoa(it.Stats.Deletions)
		}

		records = append(records, Record{
			ID:         it.SHA,
			Type:       TypeCommit,
			Timestamp:  it.Commit.Author.Date,
			Repository: op.Repository,
			Author:     author,
			Title:      firstLine(it.Commit.Message),
			Metadata:   meta,
		})
	}
	return records, nil
}

type apiPull struct {
	ID        int64      `json:"id"`
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	MergedAt  *time.Time `json:"merged_at"`
	User      *apiUser   `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
}

func decodePullRequests(op FetchOperation, payload []byte) ([]Record, error) {
	var items []apiPull
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode pull requests page: %w", err)
	}

	var records []Record
	for _, it := range items {
		if !inWindow(op, it.CreatedAt) {
			continue
		}
		state := it.State
		if it.MergedAt != nil {
			state = "merged"
		}
		records = append(records, Record{
			ID:         strconv.FormatInt(it.ID, 10),
			Type:       TypePullRequest,
			Timestamp:  it.CreatedAt,
			Repository: op.Repository,
			Author:     login(it.User),
			Title:      it.Title,
			State:      state,
			Metadata:   map[string]string{"number": strconv.Itoa(it.Number)},
		})
	}
	return records, nil
}

type apiReview struct {
	ID             int64     `json:"id"`
	User           *apiUser  `json:"user"`
	Body           string    `json:"body"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	SubmittedAt    time.Time `json:"submitted_at"`
	PullRequestURL string    `json:"pull_request_url"`
}

func decodeReviews(op FetchOperation, payload []byte) ([]Record, error) {
	var items []apiReview
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode reviews page: %w", err)
	}

	var records []Record
	for _, it := range items {
		ts := it.SubmittedAt
		if ts.IsZero() {
			ts = it.CreatedAt
		}
		if !inWindow(op, ts) {
			continue
		}
		state := strings.ToLower(it.State)
		if state == "" {
			state = "commented"
		}
		records = append(records, Record{
			ID:         strconv.FormatInt(it.ID, 10),
			Type:       TypeReview,
			Timestamp:  ts,
			Repository: op.Repository,
			Author:     login(it.User),
			Title:      firstLine(it.Body),
			State:      state,
			Metadata:   map[string]string{"pull_request_url": it.PullRequestURL},
		})
	}
	return records, nil
}

type apiIssue struct {
	ID          int64            `json:"id"`
	Number      int              `json:"number"`
	Title       string           `json:"title"`
	State       string           `json:"state"`
	User        *apiUser         `json:"user"`
	CreatedAt   time.Time        `json:"created_at"`
	PullRequest *json.RawMessage `json:"pull_request"`
}

func decodeIssues(op FetchOperation, payload []byte) ([]Record, error) {
	var items []apiIssue
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode issues page: %w", err)
	}

	var records []Record
	for _, it := range items {
		// The issues listing also returns pull requests.
		if it.PullRequest != nil {
			continue
		}
		if !inWindow(op, it.CreatedAt) {
			continue
		}
		records = append(records, Record{
			ID:         strconv.FormatInt(it.ID, 10),
			Type:       TypeIssue,
			Timestamp:  it.CreatedAt,
			Repository: op.Repository,
			Author:     login(it.User),
			Title:      it.Title,
			State:      it.State,
			Metadata:   map[string]string{"number": strconv.Itoa(it.Number)},
		})
	}
	return records, nil
}

func login(u *apiUser) string {
	if u == nil {
		return ""
	}
	return u.Login
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func inWindow(op FetchOperation, ts time.Time) bool {
	return !ts.Before(op.WindowStart) && !ts.After(op.WindowEnd)
}
