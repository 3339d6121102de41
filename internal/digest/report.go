package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"jobcrawler/internal/jobs"
)

type SiteLine struct {
	Site    string `json:"site"`
	Runs    int    `json:"runs"`
	New     int    `json:"new"`
	Removed int    `json:"removed"`
}

type Failure struct {
	Site  string    `json:"site"`
	At    time.Time `json:"at"`
	Error string    `json:"error"`
}

// Report is the content of one daily digest.
type Report struct {
	Date     string     `json:"date"`
	New      int        `json:"new"`
	Removed  int        `json:"removed"`
	Sites    []SiteLine `json:"sites"`
	Failures []Failure  `json:"failures"`
}

func (r *Report) Empty() bool { return len(r.Sites) == 0 && len(r.Failures) == 0 }

// BuildReport summarizes the runs that finished on day (in loc). Sites are
// sorted by name; failures by time.
func BuildReport(runs []jobs.RunRecord, day time.Time, loc *time.Location) *Report {
	date := day.In(loc).Format("2006-01-02")
	rep := &Report{Date: date, Sites: []SiteLine{}, Failures: []Failure{}}
	bySite := map[string]*SiteLine{}
	for _, r := range runs {
		if r.At.In(loc).Format("2006-01-02") != date {
			continue
		}
		site := r.Site
		if site == "" {
			site = fmt.Sprintf("job %d", r.JobID)
		}
		line := bySite[site]
		if line == nil {
			line = &SiteLine{Site: site}
			bySite[site] = line
		}
		line.Runs++
		if !r.Success {
			rep.Failures = append(rep.Failures, Failure{Site: site, At: r.At, Error: r.Error})
			continue
		}
		line.New += r.NewItems
		line.Removed += r.RemovedItems
		rep.New += r.NewItems
		rep.Removed += r.RemovedItems
	}
	for _, l := range bySite {
		rep.Sites = append(rep.Sites, *l)
	}
	sort.Slice(rep.Sites, func(i, j int) bool { return rep.Sites[i].Site < rep.Sites[j].Site })
	sort.SliceStable(rep.Failures, func(i, j int) bool { return rep.Failures[i].At.Before(rep.Failures[j].At) })
	return rep
}

// Text renders the report as plain text.
func (r *Report) Text(loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job crawler digest %s\n", r.Date)
	fmt.Fprintf(&b, "New postings: %d, removed: %d\n", r.New, r.Removed)
	if len(r.Sites) > 0 {
		b.WriteString("\nPer site:\n")
		for _, s := range r.Sites {
			fmt.Fprintf(&b, "- %s: +%d / -%d (%d runs)\n", s.Site, s.New, s.Removed, s.Runs)
		}
	}
	if len(r.Failures) > 0 {
		b.WriteString("\nFailed crawls:\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "- %s at %s: %s\n", f.Site, f.At.In(loc).Format("15:04"), f.Error)
		}
	}
	if r.Empty() {
		b.WriteString("\nNo crawls ran today.\n")
	}
	return b.String()
}
