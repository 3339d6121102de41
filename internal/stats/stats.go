// Package stats turns job definitions and run records into the dashboard
// snapshot. Everything is recomputed per call; nothing is cached.
package stats

import (
	"sort"
	"time"

	"jobcrawler/internal/jobs"
)

// TrendDays is the length of the trend window ending today.
const TrendDays = 30

const dateLayout = "2006-01-02"

type SiteCount struct {
	Site  string `json:"site"`
	Count int    `json:"count"`
}

type RecentCrawl struct {
	JobID     jobs.ID   `json:"job_id"`
	Site      string    `json:"site"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

type TrendPoint struct {
	Date    string `json:"date"`
	New     int    `json:"new"`
	Removed int    `json:"removed"`
}

type Snapshot struct {
	ActiveJobs     int           `json:"active_jobs"`
	NewToday       int           `json:"new_items_today"`
	RemovedToday   int           `json:"removed_items_today"`
	ActiveCrawls   int           `json:"active_crawls"`
	JobsPerWebsite []SiteCount   `json:"jobs_per_website"`
	RecentCrawls   []RecentCrawl `json:"recent_crawls"`
	Trends         []TrendPoint  `json:"job_trends"`
}

// WindowStart is midnight of the first trend day, the earliest run Compute
// looks at.
func WindowStart(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d-(TrendDays-1), 0, 0, 0, 0, loc)
}

// Compute builds a snapshot. runs must be in creation order; running is the
// number of jobs in flight. Calendar days are taken in loc.
func Compute(list []jobs.Job, runs []jobs.RunRecord, running int, now time.Time, loc *time.Location, recentN int) Snapshot {
	if loc == nil {
		loc = time.Local
	}
	today := now.In(loc).Format(dateLayout)
	snap := Snapshot{
		ActiveJobs:     len(list),
		ActiveCrawls:   running,
		JobsPerWebsite: perWebsite(list),
		RecentCrawls:   recent(runs, recentN),
		Trends:         make([]TrendPoint, TrendDays),
	}

	start := WindowStart(now, loc)
	index := make(map[string]int, TrendDays)
	for i := range snap.Trends {
		date := time.Date(start.Year(), start.Month(), start.Day()+i, 0, 0, 0, 0, loc).Format(dateLayout)
		snap.Trends[i].Date = date
		index[date] = i
	}
	for _, r := range runs {
		date := r.At.In(loc).Format(dateLayout)
		if date == today {
			snap.NewToday += r.NewItems
			snap.RemovedToday += r.RemovedItems
		}
		if i, ok := index[date]; ok {
			snap.Trends[i].New += r.NewItems
			snap.Trends[i].Removed += r.RemovedItems
		}
	}
	return snap
}

// perWebsite counts jobs per target URL, most first; equal counts keep the
// order in which the URL first appears in list.
func perWebsite(list []jobs.Job) []SiteCount {
	out := []SiteCount{}
	pos := map[string]int{}
	for _, j := range list {
		if i, ok := pos[j.TargetURL]; ok {
			out[i].Count++
			continue
		}
		pos[j.TargetURL] = len(out)
		out = append(out, SiteCount{Site: j.TargetURL, Count: 1})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Count > out[b].Count })
	return out
}

// recent returns the n newest runs. Runs sharing a timestamp come
// later-created first.
func recent(runs []jobs.RunRecord, n int) []RecentCrawl {
	rev := make([]jobs.RunRecord, len(runs))
	for i, r := range runs {
		rev[len(runs)-1-i] = r
	}
	sort.SliceStable(rev, func(a, b int) bool { return rev[a].At.After(rev[b].At) })
	if n >= 0 && len(rev) > n {
		rev = rev[:n]
	}
	out := make([]RecentCrawl, 0, len(rev))
	for _, r := range rev {
		out = append(out, RecentCrawl{JobID: r.JobID, Site: r.Site, Timestamp: r.At, Success: r.Success, Error: r.Error})
	}
	return out
}
