package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, lost on exit (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobStore persists job definitions and run records.
//
// Missing ids are reported with jobs.ErrNotFound. Runs are returned in
// creation order (ascending id).
type JobStore interface {
	CreateJob(ctx context.Context, j jobs.Job) (jobs.ID, error)
	GetJob(ctx context.Context, id jobs.ID) (jobs.Job, error)
	UpdateJob(ctx context.Context, id jobs.ID, j jobs.Job) error
	DeleteJob(ctx context.Context, id jobs.ID) error
	ListJobs(ctx context.Context) ([]jobs.Job, error)

	AppendRun(ctx context.Context, r jobs.RunRecord) (jobs.RunRecord, error)
	ListRuns(ctx context.Context, since time.Time) ([]jobs.RunRecord, error)
	// RecentRuns returns the n latest runs by finish time, newer id first on
	// ties, handed back in creation order. There is no time bound.
	RecentRuns(ctx context.Context, n int) ([]jobs.RunRecord, error)
}

// SettingsStore holds process-wide settings.
type SettingsStore interface {
	// GetDigestTime reports ok=false when the value was never set.
	GetDigestTime(ctx context.Context) (t recurrence.TimeOfDay, ok bool, err error)
	SetDigestTime(ctx context.Context, t recurrence.TimeOfDay) error
}

// Posting is one listing found on a crawl target. Link is the dedup key per job.
type Posting struct {
	JobID     jobs.ID   `json:"job_id"`
	Link      string    `json:"link"`
	Title     string    `json:"title"`
	FirstSeen time.Time `json:"first_seen"`
}

// PostingStore keeps the last seen posting set per job.
type PostingStore interface {
	// SyncPostings replaces the stored set for jobID with current and reports
	// how many links are new and how many disappeared.
	SyncPostings(ctx context.Context, jobID jobs.ID, current []Posting, at time.Time) (added, removed int, err error)
	ListPostings(ctx context.Context, jobID jobs.ID) ([]Posting, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	JobStore
	SettingsStore
	PostingStore
	Close() error
}

const settingDigestTime = "digest_time"

// dedupPostings keeps the first posting per link and drops empty links.
func dedupPostings(in []Posting) []Posting {
	seen := make(map[string]struct{}, len(in))
	out := make([]Posting, 0, len(in))
	for _, p := range in {
		if p.Link == "" {
			continue
		}
		if _, ok := seen[p.Link]; ok {
			continue
		}
		seen[p.Link] = struct{}{}
		out = append(out, p)
	}
	return out
}
