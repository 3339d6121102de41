package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jobcrawler/internal/eventbus"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	rtsup "jobcrawler/internal/runtime/supervisor"
	"jobcrawler/internal/storage"
	logx "jobcrawler/pkg/logx"
)

// Service owns the active job set. A polling loop moves due jobs into the
// worker pool; CRUD calls keep the cached due instants in step with the store.
type Service struct {
	store  storage.JobStore
	exec   jobs.Executor
	submit Submitter
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	entries map[jobs.ID]*entry
	sup     *rtsup.Supervisor

	// gen counts CRUD changes; touched holds the gen of each id's last
	// change so Reload never applies a listing older than that change.
	gen      uint64
	touched  map[jobs.ID]uint64
	reloadMu sync.Mutex

	locks    keyedMutex
	inflight atomic.Int32

	pmu     sync.Mutex
	pending []jobs.RunRecord
}

// New builds a scheduler. submit may be nil, in which case every scheduled run
// gets its own goroutine.
func New(cfg Config, store storage.JobStore, exec jobs.Executor, submit Submitter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if submit == nil {
		submit = goSubmitter{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		store:   store,
		exec:    exec,
		submit:  submit,
		log:     log,
		bus:     bus,
		now:     time.Now,
		cfg:     cfg,
		loc:     cfg.Location(),
		entries: map[jobs.ID]*entry{},
		touched: map[jobs.ID]uint64{},
	}
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) clock() time.Time {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	return s.now().In(loc)
}

// Apply swaps the configuration. A timezone change recomputes every idle
// job's due instant in the new zone.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := s.cfg.Timezone
	s.cfg = cfg
	if cfg.Timezone == oldTZ {
		return
	}
	s.loc = cfg.Location()
	now := s.now().In(s.loc)
	for _, e := range s.entries {
		if e.phase == PhaseIdle {
			e.next = e.rule.NextDue(now)
		}
	}
	s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
}

// Start loads the jobs and, when enabled, launches the polling loop. Manual
// triggers work either way.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	running, enabled := s.sup != nil, s.cfg.Enabled
	s.mu.Unlock()
	if running {
		return
	}
	if err := s.Reload(ctx); err != nil {
		s.log.Error("initial job load failed", logx.Err(err))
	}
	if !enabled {
		s.log.Info("polling disabled", logx.Int("jobs", s.Len()))
		return
	}

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("scheduler.poll", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("service started", logx.String("tz", s.Location().String()), logx.Int("jobs", s.Len()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
		return
	}
	s.log.Info("service stopped")
}

// Supervisor is nil while stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) loop(ctx context.Context) error {
	lastReload := s.now()
	for {
		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		t := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		if cfg.ReloadInterval > 0 && s.now().Sub(lastReload) >= cfg.ReloadInterval {
			lastReload = s.now()
			if err := s.Reload(ctx); err != nil {
				s.log.Warn("job reload failed", logx.Err(err))
			}
		}
		s.Tick(ctx)
	}
}

// Tick runs one polling pass: retry unpersisted run records, then dispatch
// every idle job whose due instant has been reached. A due instant older than
// the polling window is treated as missed and rescheduled without running.
func (s *Service) Tick(ctx context.Context) {
	s.flushPending(ctx)

	now := s.clock()
	s.mu.Lock()
	window := s.cfg.window()
	var due []*entry
	for _, e := range s.entries {
		if e.phase != PhaseIdle || e.next.IsZero() || now.Before(e.next) {
			continue
		}
		if !e.rule.IsDueOn(now, window) {
			s.log.Warn("missed fire skipped",
				logx.Int64("job", int64(e.job.ID)), logx.Time("due", e.next), logx.Duration("late", now.Sub(e.next)))
			e.next = e.rule.NextDue(now)
			continue
		}
		e.phase = PhaseDue
		e.fired = e.rule.PrevDue(now)
		due = append(due, e)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].job.ID < due[j].job.ID })
	for _, e := range due {
		s.dispatch(e)
	}
}

// Reload reconciles the in-memory set with the store: new jobs are added,
// changed schedules recompute their due instant, vanished jobs are cancelled.
// Ids added, updated or deleted after the listing was requested keep their
// in-memory state.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.Lock()
	since := s.gen
	s.mu.Unlock()

	list, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[jobs.ID]struct{}, len(list))
	for _, j := range list {
		if s.touched[j.ID] > since {
			seen[j.ID] = struct{}{}
			continue
		}
		rule, err := j.Rule()
		if err != nil {
			s.log.Warn("stored job has invalid schedule", logx.Int64("job", int64(j.ID)), logx.Err(err))
			continue
		}
		seen[j.ID] = struct{}{}
		e := s.entries[j.ID]
		if e == nil {
			s.entries[j.ID] = newEntry(j, rule, now)
			continue
		}
		if e.rule != rule && e.phase == PhaseIdle {
			e.next = rule.NextDue(now)
		}
		e.job, e.rule = j, rule
	}
	for id, e := range s.entries {
		if _, ok := seen[id]; ok || s.touched[id] > since {
			continue
		}
		e.phase = PhaseRemoved
		delete(s.entries, id)
	}
	for id, g := range s.touched {
		if g <= since {
			delete(s.touched, id)
		}
	}
	return nil
}

// touch records a CRUD change of id. Callers hold s.mu.
func (s *Service) touch(id jobs.ID) {
	s.gen++
	s.touched[id] = s.gen
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunningCount is the number of jobs currently in the Running phase.
func (s *Service) RunningCount() int {
	return len(s.Running())
}

func (s *Service) Running() []jobs.ID {
	s.mu.Lock()
	var out []jobs.ID
	for id, e := range s.entries {
		if e.phase == PhaseRunning {
			out = append(out, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InFlight counts executor calls in progress, including those of jobs deleted
// mid-run.
func (s *Service) InFlight() int { return int(s.inflight.Load()) }

// Snapshot lists every job with its phase and fire instants, ordered by id.
func (s *Service) Snapshot() []JobState {
	now := s.clock()
	s.mu.Lock()
	out := make([]JobState, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobState{
			ID:          e.job.ID,
			Title:       e.job.Title,
			Schedule:    e.rule.String(),
			Phase:       e.phase,
			Next:        e.next,
			Prev:        e.rule.PrevDue(now),
			LastRun:     e.lastRun,
			LastSuccess: e.lastSuccess,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextDue is the cached due instant of id.
func (s *Service) NextDue(id jobs.ID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

func newEntry(j jobs.Job, rule recurrence.Rule, now time.Time) *entry {
	return &entry{job: j, rule: rule, phase: PhaseIdle, next: rule.NextDue(now)}
}
