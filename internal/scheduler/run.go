package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/eventbus"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

// persistTimeout bounds a run record write, which outlives the run context.
const persistTimeout = 10 * time.Second

// dispatch hands a Due entry to the worker pool. The entry counts as Running
// from here on so no second trigger can overlap, even while queued.
func (s *Service) dispatch(e *entry) {
	s.mu.Lock()
	if e.phase != PhaseDue {
		s.mu.Unlock()
		return
	}
	e.phase = PhaseRunning
	id := e.job.ID
	s.mu.Unlock()

	err := s.submit.Enqueue(engine.Task{
		Name:  fmt.Sprintf("crawl:%d", id),
		Retry: engine.RetryPolicy{Max: -1},
		Run: func(ctx context.Context) error {
			_, err := s.run(ctx, e, false)
			return err
		},
	})
	if err != nil {
		// Leave next untouched: the following tick retries while still in the window.
		s.mu.Lock()
		if e.phase == PhaseRunning {
			e.phase = PhaseIdle
		}
		s.mu.Unlock()
		s.log.Warn("crawl not dispatched", logx.Int64("job", int64(id)), logx.Err(err))
	}
}

// Trigger runs id now on the caller's goroutine and returns the stored record.
// It bypasses the due check but not the running gate, and leaves the cached
// due instant alone.
func (s *Service) Trigger(ctx context.Context, id jobs.ID) (jobs.RunRecord, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return jobs.RunRecord{}, jobs.NotFound(id)
	}
	if e.phase != PhaseIdle {
		s.mu.Unlock()
		return jobs.RunRecord{}, errors.Wrapf(jobs.ErrAlreadyRunning, "job %d", id)
	}
	e.phase = PhaseRunning
	s.mu.Unlock()

	return s.run(ctx, e, true)
}

// run executes one crawl for e and records it. The entry must already be in
// the Running phase.
func (s *Service) run(ctx context.Context, e *entry, manual bool) (jobs.RunRecord, error) {
	s.mu.Lock()
	if e.phase == PhaseRemoved {
		s.mu.Unlock()
		return jobs.RunRecord{}, nil
	}
	job := e.job
	timeout := s.cfg.ExecTimeout
	s.mu.Unlock()

	log := s.log.With(logx.Int64("job", int64(job.ID)), logx.Bool("manual", manual))
	running := int(s.inflight.Add(1))
	s.bus.Publish(eventbus.Event{Type: eventbus.CrawlStarted, Data: eventbus.CrawlInfo{
		JobID: int64(job.ID), Title: job.Title, Manual: manual, Running: running,
	}})
	log.Info("crawl.started", logx.String("url", job.TargetURL))

	start := time.Now()
	out, execErr := s.execute(ctx, job, timeout)
	rec := jobs.RunRecord{
		JobID:   job.ID,
		Site:    job.Title,
		At:      s.now(),
		Success: out.Success && execErr == nil,
		Manual:  manual,
	}
	if rec.Success {
		rec.NewItems, rec.RemovedItems = max(out.NewItems, 0), max(out.RemovedItems, 0)
	} else {
		rec.Error = out.Err
		if execErr != nil {
			rec.Error = execErr.Error()
		}
		if rec.Error == "" {
			rec.Error = "crawl failed"
		}
	}

	rec, dropped, persistErr := s.persist(ctx, e, rec)
	if dropped {
		log.Info("crawl finished for deleted job; record dropped", logx.Bool("success", rec.Success))
	}

	s.mu.Lock()
	if e.phase != PhaseRemoved {
		e.phase = PhaseIdle
		e.lastRun, e.lastSuccess = rec.At, rec.Success
		if !manual {
			// Never hand back the instant that just fired.
			from := rec.At.In(s.loc)
			if !from.After(e.fired) {
				from = e.fired.Add(time.Second)
			}
			e.next = e.rule.NextDue(from)
		}
	}
	s.mu.Unlock()

	left := int(s.inflight.Add(-1))
	if rec.Success {
		log.Info("crawl.finished", logx.Int("new", rec.NewItems), logx.Int("removed", rec.RemovedItems), logx.Duration("dur", time.Since(start)))
	} else {
		log.Warn("crawl.failed", logx.String("error", rec.Error), logx.Duration("dur", time.Since(start)))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.CrawlFinished, Data: eventbus.CrawlInfo{
		JobID: int64(job.ID), Title: job.Title, Manual: manual, Success: rec.Success, Running: left,
	}})
	return rec, persistErr
}

// execute calls the executor bounded by timeout. On timeout the call is
// abandoned and its eventual result discarded.
func (s *Service) execute(ctx context.Context, job jobs.Job, timeout time.Duration) (jobs.CrawlOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out jobs.CrawlOutcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: errors.Newf("executor panic: %v", r)}
			}
		}()
		out, err := s.exec.Execute(ctx, jobs.CrawlRequest{
			JobID:    job.ID,
			URL:      job.TargetURL,
			Keywords: job.Keywords,
			Timeout:  timeout,
		})
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.out, errors.Mark(r.err, jobs.ErrExecution)
		}
		return r.out, nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Newf("timed out after %s", timeout)
		}
		return jobs.CrawlOutcome{}, errors.Mark(err, jobs.ErrExecution)
	}
}

// persist writes rec under the job's lock. Delete holds the same lock until
// the entry is Removed, so a record for a deleted job is dropped rather than
// written. A failed write is reported on the log and the bus and parked for
// the next tick, so the record is never lost while the job moves on.
func (s *Service) persist(ctx context.Context, e *entry, rec jobs.RunRecord) (jobs.RunRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	unlock := s.locks.lock(rec.JobID)
	s.mu.Lock()
	removed := e.phase == PhaseRemoved
	s.mu.Unlock()
	if removed {
		unlock()
		return rec, true, nil
	}
	stored, err := s.store.AppendRun(ctx, rec)
	unlock()
	if err == nil {
		return stored, false, nil
	}
	err = jobs.PersistFailed(err, "append run")
	s.reportPersistFailure(rec, err)
	s.pmu.Lock()
	s.pending = append(s.pending, rec)
	s.pmu.Unlock()
	return rec, false, err
}

func (s *Service) reportPersistFailure(rec jobs.RunRecord, err error) {
	s.log.Error("run.persist_failed", logx.Int64("job", int64(rec.JobID)), logx.Time("at", rec.At), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.RunPersistFailed, Data: rec})
}

// flushPending retries parked run records in their original order.
func (s *Service) flushPending(ctx context.Context) {
	s.pmu.Lock()
	batch := s.pending
	s.pending = nil
	s.pmu.Unlock()
	if len(batch) == 0 {
		return
	}

	var keep []jobs.RunRecord
	for i, rec := range batch {
		if ctx.Err() != nil {
			keep = append(keep, batch[i:]...)
			break
		}
		unlock := s.locks.lock(rec.JobID)
		_, err := s.store.AppendRun(ctx, rec)
		unlock()
		if err != nil {
			keep = append(keep, rec)
			continue
		}
		s.log.Info("pending run record stored", logx.Int64("job", int64(rec.JobID)), logx.Time("at", rec.At))
	}
	if len(keep) > 0 {
		s.log.Warn("run records still pending", logx.Int("count", len(keep)))
		s.pmu.Lock()
		s.pending = append(keep, s.pending...)
		s.pmu.Unlock()
	}
}

// Pending is the number of run records waiting for a successful write.
func (s *Service) Pending() int {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return len(s.pending)
}
