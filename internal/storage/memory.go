package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
)

// Memory is an in-process Store. It copies values in and out so callers can
// never alias its state.
type Memory struct {
	mu sync.RWMutex

	nextJobID jobs.ID
	nextRunID int64
	jobs      map[jobs.ID]jobs.Job
	runs      []jobs.RunRecord

	digestTime *recurrence.TimeOfDay
	postings   map[jobs.ID]map[string]Posting
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     map[jobs.ID]jobs.Job{},
		postings: map[jobs.ID]map[string]Posting{},
	}
}

func cloneJob(j jobs.Job) jobs.Job {
	j.Keywords = append([]string(nil), j.Keywords...)
	return j
}

func (m *Memory) CreateJob(ctx context.Context, j jobs.Job) (jobs.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.nextJobID++
	now := time.Now().UTC()
	j = cloneJob(j)
	j.ID = m.nextJobID
	j.CreatedAt, j.UpdatedAt = now, now
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *Memory) GetJob(ctx context.Context, id jobs.ID) (jobs.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.NotFound(id)
	}
	return cloneJob(j), nil
}

func (m *Memory) UpdateJob(ctx context.Context, id jobs.ID, j jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.jobs[id]
	if !ok {
		return jobs.NotFound(id)
	}
	j = cloneJob(j)
	j.ID = id
	j.CreatedAt = cur.CreatedAt
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *Memory) DeleteJob(ctx context.Context, id jobs.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return jobs.NotFound(id)
	}
	delete(m.jobs, id)
	delete(m.postings, id)
	return nil
}

func (m *Memory) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	m.mu.RLock()
	out := make([]jobs.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) AppendRun(ctx context.Context, r jobs.RunRecord) (jobs.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return r, ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	m.nextRunID++
	r.ID = m.nextRunID
	m.runs = append(m.runs, r)
	return r, nil
}

func (m *Memory) RecentRuns(ctx context.Context, n int) ([]jobs.RunRecord, error) {
	m.mu.RLock()
	idx := make([]int, len(m.runs))
	for i := range idx {
		idx[i] = len(m.runs) - 1 - i
	}
	sort.SliceStable(idx, func(a, b int) bool { return m.runs[idx[a]].At.After(m.runs[idx[b]].At) })
	if n >= 0 && len(idx) > n {
		idx = idx[:n]
	}
	sort.Ints(idx)
	out := make([]jobs.RunRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.runs[i])
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Memory) ListRuns(ctx context.Context, since time.Time) ([]jobs.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]jobs.RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if r.At.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) GetDigestTime(ctx context.Context) (recurrence.TimeOfDay, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.digestTime == nil {
		return recurrence.TimeOfDay{}, false, nil
	}
	return *m.digestTime, true, nil
}

func (m *Memory) SetDigestTime(ctx context.Context, t recurrence.TimeOfDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.digestTime = &t
	return nil
}

func (m *Memory) SyncPostings(ctx context.Context, jobID jobs.ID, current []Posting, at time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, ErrClosed
	}
	stored := m.postings[jobID]
	next := make(map[string]Posting, len(current))
	added := 0
	for _, p := range dedupPostings(current) {
		if old, ok := stored[p.Link]; ok {
			next[p.Link] = old
			continue
		}
		p.JobID = jobID
		p.FirstSeen = at
		next[p.Link] = p
		added++
	}
	removed := 0
	for link := range stored {
		if _, ok := next[link]; !ok {
			removed++
		}
	}
	m.postings[jobID] = next
	return added, removed, nil
}

func (m *Memory) ListPostings(ctx context.Context, jobID jobs.ID) ([]Posting, error) {
	m.mu.RLock()
	out := make([]Posting, 0, len(m.postings[jobID]))
	for _, p := range m.postings[jobID] {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if !out[a].FirstSeen.Equal(out[b].FirstSeen) {
			return out[a].FirstSeen.Before(out[b].FirstSeen)
		}
		return out[a].Link < out[b].Link
	})
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
