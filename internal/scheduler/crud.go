package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	logx "jobcrawler/pkg/logx"
)

// prepare normalizes and validates j. Nothing touches the store on failure.
func prepare(j jobs.Job) (jobs.Job, recurrence.Rule, error) {
	j = j.Normalize()
	if err := j.Validate(); err != nil {
		return j, recurrence.Rule{}, err
	}
	rule, err := j.Rule()
	if err != nil {
		return j, recurrence.Rule{}, jobs.Invalid("%v", err)
	}
	return j, rule, nil
}

// storeErr keeps NotFound as is and marks every other store failure as a
// persist failure.
func storeErr(err error, op string) error {
	if err == nil || errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	return jobs.PersistFailed(err, op)
}

// Add validates and persists j, then schedules it.
func (s *Service) Add(ctx context.Context, j jobs.Job) (jobs.Job, error) {
	j, rule, err := prepare(j)
	if err != nil {
		return jobs.Job{}, err
	}
	id, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return jobs.Job{}, storeErr(err, "create job")
	}

	unlock := s.locks.lock(id)
	stored, err := s.store.GetJob(ctx, id)
	unlock()
	if err != nil {
		// The row exists; fall back to what we wrote.
		j.ID = id
		stored = j
	}

	now := s.clock()
	s.mu.Lock()
	e := newEntry(stored, rule, now)
	s.entries[id] = e
	s.touch(id)
	next := e.next
	s.mu.Unlock()

	s.log.Info("job added", logx.Int64("job", int64(id)), logx.String("title", stored.Title), logx.String("schedule", rule.String()), logx.Time("next", next))
	return stored, nil
}

// Update replaces the mutable fields of id. The cached due instant is
// recomputed from now so a new schedule applies immediately.
func (s *Service) Update(ctx context.Context, id jobs.ID, j jobs.Job) (jobs.Job, error) {
	j, rule, err := prepare(j)
	if err != nil {
		return jobs.Job{}, err
	}

	unlock := s.locks.lock(id)
	err = s.store.UpdateJob(ctx, id, j)
	var stored jobs.Job
	if err == nil {
		stored, err = s.store.GetJob(ctx, id)
	}
	unlock()
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			s.cancel(id)
		}
		return jobs.Job{}, storeErr(err, "update job")
	}

	now := s.clock()
	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		e = newEntry(stored, rule, now)
		s.entries[id] = e
	} else {
		e.job, e.rule = stored, rule
		e.next = rule.NextDue(now)
	}
	s.touch(id)
	next := e.next
	s.mu.Unlock()

	s.log.Info("job updated", logx.Int64("job", int64(id)), logx.String("schedule", rule.String()), logx.Time("next", next))
	return stored, nil
}

// Delete removes id from the store and cancels its due state. A run in
// flight is left to finish but its record and reschedule are dropped.
// A NotFound from the store still cancels any stale in-memory entry.
func (s *Service) Delete(ctx context.Context, id jobs.ID) error {
	unlock := s.locks.lock(id)
	err := s.store.DeleteJob(ctx, id)
	if err != nil && !errors.Is(err, jobs.ErrNotFound) {
		unlock()
		return storeErr(err, "delete job")
	}
	// Still under the id lock: a run waiting in persist must see Removed.
	running := s.cancel(id)
	unlock()
	if err == nil {
		s.log.Info("job deleted", logx.Int64("job", int64(id)), logx.Bool("was_running", running))
	}
	return err
}

// cancel drops id from the schedule and reports whether it was running.
func (s *Service) cancel(id jobs.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(id)
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	running := e.phase == PhaseRunning || e.phase == PhaseDue
	e.phase = PhaseRemoved
	delete(s.entries, id)
	return running
}

func (s *Service) Get(ctx context.Context, id jobs.ID) (jobs.Job, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]jobs.Job, error) {
	return s.store.ListJobs(ctx)
}
