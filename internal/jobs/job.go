package jobs

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"jobcrawler/internal/recurrence"
)

// ID is assigned by the job store on creation and never changes.
type ID int64

// Job is a scheduled crawl definition.
type Job struct {
	ID        ID                   `json:"id"`
	Title     string               `json:"title"`
	TargetURL string               `json:"target_url"`
	Keywords  []string             `json:"keywords"`
	Time      recurrence.TimeOfDay `json:"schedule_time"`
	Days      recurrence.DaySet    `json:"schedule_days"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Rule returns the job's recurrence. It fails for an invalid schedule.
func (j Job) Rule() (recurrence.Rule, error) {
	return recurrence.New(j.Days, j.Time)
}

// Normalize trims text fields and collapses duplicate keywords (case-insensitive).
// Keywords end up sorted so stored order is stable.
func (j Job) Normalize() Job {
	j.Title = strings.TrimSpace(j.Title)
	j.TargetURL = strings.TrimSpace(j.TargetURL)
	j.Keywords = NormalizeKeywords(j.Keywords)
	return j
}

func NormalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(a, b int) bool { return strings.ToLower(out[a]) < strings.ToLower(out[b]) })
	return out
}

// Validate checks the invariants a job must satisfy before it is persisted.
// Call it on a normalized job.
func (j Job) Validate() error {
	if j.Title == "" {
		return Invalid("title is required")
	}
	if j.TargetURL == "" {
		return Invalid("target url is required")
	}
	u, err := url.Parse(j.TargetURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Invalid("target url %q must be an absolute http(s) url", j.TargetURL)
	}
	if len(j.Keywords) == 0 {
		return Invalid("at least one keyword is required")
	}
	if j.Days.Empty() {
		return Invalid("at least one schedule day is required")
	}
	if !j.Time.Valid() {
		return Invalid("schedule time %s out of range", j.Time)
	}
	return nil
}

// RunRecord is the immutable outcome of one completed trigger.
type RunRecord struct {
	ID           int64     `json:"id"`
	JobID        ID        `json:"job_id"`
	Site         string    `json:"site"`
	At           time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	NewItems     int       `json:"new_items"`
	RemovedItems int       `json:"removed_items"`
	Error        string    `json:"error,omitempty"`
	Manual       bool      `json:"manual,omitempty"`
}

// CrawlRequest is what the scheduler hands to an Executor.
type CrawlRequest struct {
	JobID    ID
	URL      string
	Keywords []string
	Timeout  time.Duration
}

// CrawlOutcome is the executor's report. Ordinary fetch or parse failures are
// Success=false with Err set, not a Go error.
type CrawlOutcome struct {
	Success      bool
	NewItems     int
	RemovedItems int
	Err          string
}

// Executor runs one crawl. Implementations must honor ctx cancellation and
// return an error only for invocation problems (bad arguments).
type Executor interface {
	Execute(ctx context.Context, req CrawlRequest) (CrawlOutcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req CrawlRequest) (CrawlOutcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, req CrawlRequest) (CrawlOutcome, error) {
	return f(ctx, req)
}
