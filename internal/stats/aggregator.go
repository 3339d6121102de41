package stats

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/jobs"
)

// Source is the read side of the job store.
type Source interface {
	ListJobs(ctx context.Context) ([]jobs.Job, error)
	ListRuns(ctx context.Context, since time.Time) ([]jobs.RunRecord, error)
	RecentRuns(ctx context.Context, n int) ([]jobs.RunRecord, error)
}

// RunningCounter reports jobs currently in flight. *scheduler.Service satisfies it.
type RunningCounter interface {
	RunningCount() int
}

type Aggregator struct {
	src     Source
	running RunningCounter
	loc     func() *time.Location
	recentN int
	now     func() time.Time
}

// NewAggregator reads from src. loc is consulted per call so a timezone
// reload takes effect at once; running may be nil.
func NewAggregator(src Source, running RunningCounter, loc func() *time.Location, recentN int) *Aggregator {
	if recentN <= 0 {
		recentN = 10
	}
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	return &Aggregator{src: src, running: running, loc: loc, recentN: recentN, now: time.Now}
}

// Snapshot reads the jobs, the trend-window runs and the latest runs once
// each, then computes. Recent crawls are not bounded by the trend window.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	now, loc := a.now(), a.loc()
	list, err := a.src.ListJobs(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "list jobs")
	}
	runs, err := a.src.ListRuns(ctx, WindowStart(now, loc))
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "list runs")
	}
	latest, err := a.src.RecentRuns(ctx, a.recentN)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "recent runs")
	}
	running := 0
	if a.running != nil {
		running = a.running.RunningCount()
	}
	snap := Compute(list, runs, running, now, loc, a.recentN)
	snap.RecentCrawls = recent(latest, a.recentN)
	return snap, nil
}
