package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"jobcrawler/internal/eventbus"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	"jobcrawler/internal/storage"
	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

// 2024-01-01 is a Monday.
func day(d, hour, minute, sec int) time.Time {
	return time.Date(2024, time.January, d, hour, minute, sec, 0, time.UTC)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type syncSubmitter struct{}

func (syncSubmitter) Enqueue(t engine.Task) error {
	_ = t.Run(context.Background())
	return nil
}

// countingStore wraps Memory and can fail AppendRun on demand.
type countingStore struct {
	*storage.Memory
	creates    atomic.Int32
	failAppend atomic.Bool
}

func (c *countingStore) CreateJob(ctx context.Context, j jobs.Job) (jobs.ID, error) {
	c.creates.Add(1)
	return c.Memory.CreateJob(ctx, j)
}

func (c *countingStore) AppendRun(ctx context.Context, r jobs.RunRecord) (jobs.RunRecord, error) {
	if c.failAppend.Load() {
		return r, errors.New("database is locked")
	}
	return c.Memory.AppendRun(ctx, r)
}

type harness struct {
	svc   *Service
	store *countingStore
	clock *fakeClock
	bus   eventbus.Bus
}

func newHarness(t *testing.T, exec jobs.Executor, submit Submitter, cfg Config) *harness {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	st := &countingStore{Memory: storage.NewMemory()}
	clock := &fakeClock{t: day(2, 10, 0, 0)}
	bus := eventbus.New()
	svc := New(cfg, st, exec, submit, logx.Nop(), bus)
	svc.now = clock.Now
	return &harness{svc: svc, store: st, clock: clock, bus: bus}
}

func crawlJob(title, days, at string) jobs.Job {
	d, err := recurrence.ParseDays(days)
	if err != nil {
		panic(err)
	}
	tod, err := recurrence.ParseTimeOfDay(at)
	if err != nil {
		panic(err)
	}
	return jobs.Job{
		Title:     title,
		TargetURL: "https://" + title + ".example/jobs",
		Keywords:  []string{"golang"},
		Days:      d,
		Time:      tod,
	}
}

func succeed(newItems, removed int) jobs.Executor {
	return jobs.ExecutorFunc(func(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
		return jobs.CrawlOutcome{Success: true, NewItems: newItems, RemovedItems: removed}, nil
	})
}

// gate blocks every Execute call until released and reports each start.
type gate struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gate) Execute(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	<-g.release
	return jobs.CrawlOutcome{Success: true, NewItems: 1}, nil
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestTickFiresDueJobAndReschedules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(3, 1), syncSubmitter{}, Config{})
	ctx := context.Background()

	j, err := h.svc.Add(ctx, crawlJob("acme", "Mon,Wed", "08:00"))
	require.NoError(t, err)
	next, ok := h.svc.NextDue(j.ID)
	require.True(t, ok)
	require.True(t, next.Equal(day(3, 8, 0, 0)), "next = %s", next)

	// Not yet due.
	h.clock.Set(day(3, 7, 59, 59))
	h.svc.Tick(ctx)
	runs, err := h.store.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	require.Empty(t, runs)

	h.clock.Set(day(3, 8, 0, 20))
	h.svc.Tick(ctx)
	runs, err = h.store.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].Success)
	require.Equal(t, 3, runs[0].NewItems)
	require.Equal(t, 1, runs[0].RemovedItems)
	require.Equal(t, "acme", runs[0].Site)
	require.False(t, runs[0].Manual)

	next, _ = h.svc.NextDue(j.ID)
	require.True(t, next.Equal(day(8, 8, 0, 0)), "next = %s", next)

	// A second tick in the same minute must not fire again.
	h.svc.Tick(ctx)
	runs, _ = h.store.ListRuns(ctx, time.Time{})
	require.Len(t, runs, 1)
}

func TestTickSkipsMissedFire(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	exec := jobs.ExecutorFunc(func(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
		calls.Add(1)
		return jobs.CrawlOutcome{Success: true}, nil
	})
	h := newHarness(t, exec, syncSubmitter{}, Config{PollInterval: 30 * time.Second})
	j, err := h.svc.Add(context.Background(), crawlJob("acme", "Mon,Wed", "08:00"))
	require.NoError(t, err)

	h.clock.Set(day(3, 9, 0, 0))
	h.svc.Tick(context.Background())
	require.Equal(t, int32(0), calls.Load())
	next, _ := h.svc.NextDue(j.ID)
	require.True(t, next.Equal(day(8, 8, 0, 0)), "next = %s", next)
}

func TestAddRejectsEmptyKeywordsWithoutStoreMutation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(0, 0), syncSubmitter{}, Config{})
	j := crawlJob("acme", "Mon", "08:00")
	j.Keywords = []string{" ", ""}

	_, err := h.svc.Add(context.Background(), j)
	require.True(t, errors.Is(err, jobs.ErrValidation), "err = %v", err)
	require.Equal(t, int32(0), h.store.creates.Load())
	require.Zero(t, h.svc.Len())

	j = crawlJob("acme", "Mon", "08:00")
	j.Days = 0
	_, err = h.svc.Add(context.Background(), j)
	require.True(t, jobs.IsValidation(err), "err = %v", err)
	require.Equal(t, int32(0), h.store.creates.Load())
}

func TestTriggerRejectsOverlap(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, g, syncSubmitter{}, Config{})
	ctx := context.Background()
	j, err := h.svc.Add(ctx, crawlJob("acme", "Mon", "08:00"))
	require.NoError(t, err)

	done := make(chan jobs.RunRecord, 1)
	go func() {
		rec, _ := h.svc.Trigger(ctx, j.ID)
		done <- rec
	}()
	waitFor(t, g.started)
	require.Equal(t, []jobs.ID{j.ID}, h.svc.Running())

	_, err = h.svc.Trigger(ctx, j.ID)
	require.True(t, errors.Is(err, jobs.ErrAlreadyRunning), "err = %v", err)

	// The scheduled path is gated too.
	h.clock.Set(day(8, 8, 0, 0))
	h.svc.Tick(ctx)
	require.Equal(t, int32(1), g.calls.Load())

	close(g.release)
	rec := <-done
	require.True(t, rec.Manual)
	require.NotZero(t, rec.ID)
	require.Zero(t, h.svc.RunningCount())
}

func TestManualTriggerKeepsDueInstant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(1, 0), syncSubmitter{}, Config{})
	ctx := context.Background()
	j, err := h.svc.Add(ctx, crawlJob("acme", "Wed", "08:00"))
	require.NoError(t, err)
	before, _ := h.svc.NextDue(j.ID)

	rec, err := h.svc.Trigger(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, rec.Success)
	after, _ := h.svc.NextDue(j.ID)
	require.True(t, before.Equal(after))

	_, err = h.svc.Trigger(ctx, 999)
	require.True(t, errors.Is(err, jobs.ErrNotFound))
}

func TestDeleteWhileRunningDropsRecordAndReschedule(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, g, nil, Config{})
	ctx := context.Background()
	finished, unsub := h.bus.Subscribe(4, eventbus.CrawlFinished)
	defer unsub()

	j, err := h.svc.Add(ctx, crawlJob("acme", "Wed", "08:00"))
	require.NoError(t, err)
	h.clock.Set(day(3, 8, 0, 5))
	h.svc.Tick(ctx)
	waitFor(t, g.started)

	require.NoError(t, h.svc.Delete(ctx, j.ID))
	close(g.release)

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("crawl never finished")
	}
	runs, err := h.store.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	require.Empty(t, runs)
	_, ok := h.svc.NextDue(j.ID)
	require.False(t, ok)
	require.Empty(t, h.svc.Snapshot())
	require.Zero(t, h.svc.InFlight())
}

func TestDeleteUnknownIsNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(0, 0), syncSubmitter{}, Config{})
	err := h.svc.Delete(context.Background(), 42)
	require.True(t, errors.Is(err, jobs.ErrNotFound))
}

func TestUpdateResetsDueInstant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(0, 0), syncSubmitter{}, Config{})
	ctx := context.Background()
	j, err := h.svc.Add(ctx, crawlJob("acme", "Mon", "08:00"))
	require.NoError(t, err)
	next, _ := h.svc.NextDue(j.ID)
	require.True(t, next.Equal(day(8, 8, 0, 0)))

	upd, err := h.svc.Update(ctx, j.ID, crawlJob("acme", "Tue", "12:00"))
	require.NoError(t, err)
	require.Equal(t, j.ID, upd.ID)
	next, _ = h.svc.NextDue(j.ID)
	require.True(t, next.Equal(day(2, 12, 0, 0)), "next = %s", next)

	_, err = h.svc.Update(ctx, 77, crawlJob("x", "Tue", "12:00"))
	require.True(t, errors.Is(err, jobs.ErrNotFound))
}

func TestExecutorTimeoutIsFailedRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	exec := jobs.ExecutorFunc(func(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
		<-release // ignores ctx on purpose
		return jobs.CrawlOutcome{Success: true, NewItems: 9}, nil
	})
	h := newHarness(t, exec, syncSubmitter{}, Config{ExecTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	j, err := h.svc.Add(ctx, crawlJob("acme", "Mon", "08:00"))
	require.NoError(t, err)

	rec, err := h.svc.Trigger(ctx, j.ID)
	require.NoError(t, err)
	require.False(t, rec.Success)
	require.Zero(t, rec.NewItems)
	require.Contains(t, rec.Error, "timed out")
	require.Zero(t, h.svc.RunningCount())
}

func TestPersistFailureIsReportedAndRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(2, 0), syncSubmitter{}, Config{})
	ctx := context.Background()
	failed, unsub := h.bus.Subscribe(1, eventbus.RunPersistFailed)
	defer unsub()

	j, err := h.svc.Add(ctx, crawlJob("acme", "Mon", "08:00"))
	require.NoError(t, err)

	h.store.failAppend.Store(true)
	_, err = h.svc.Trigger(ctx, j.ID)
	require.True(t, errors.Is(err, jobs.ErrPersist), "err = %v", err)
	require.Equal(t, 1, h.svc.Pending())
	select {
	case e := <-failed:
		require.Equal(t, j.ID, e.Data.(jobs.RunRecord).JobID)
	default:
		t.Fatal("persist failure not published")
	}
	// The job is not stuck.
	require.Zero(t, h.svc.RunningCount())

	h.svc.Tick(ctx)
	require.Equal(t, 1, h.svc.Pending())

	h.store.failAppend.Store(false)
	h.svc.Tick(ctx)
	require.Zero(t, h.svc.Pending())
	runs, err := h.store.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 2, runs[0].NewItems)
}

func TestTickContinuesAfterOneJobFails(t *testing.T) {
	t.Parallel()
	exec := jobs.ExecutorFunc(func(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
		if req.JobID == 1 {
			return jobs.CrawlOutcome{}, errors.New("bad url")
		}
		if req.JobID == 2 {
			panic("parser bug")
		}
		return jobs.CrawlOutcome{Success: true, NewItems: 4}, nil
	})
	h := newHarness(t, exec, syncSubmitter{}, Config{})
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := h.svc.Add(ctx, crawlJob(name, "Wed", "08:00"))
		require.NoError(t, err)
	}
	h.clock.Set(day(3, 8, 0, 0))
	h.svc.Tick(ctx)

	runs, err := h.store.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	byJob := map[jobs.ID]jobs.RunRecord{}
	for _, r := range runs {
		byJob[r.JobID] = r
	}
	require.False(t, byJob[1].Success)
	require.Contains(t, byJob[1].Error, "bad url")
	require.False(t, byJob[2].Success)
	require.Contains(t, byJob[2].Error, "panic")
	require.True(t, byJob[3].Success)
	for _, st := range h.svc.Snapshot() {
		require.Equal(t, PhaseIdle, st.Phase)
		require.True(t, st.Next.Equal(day(10, 8, 0, 0)))
	}
}

func TestReloadReconcilesWithStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(0, 0), syncSubmitter{}, Config{})
	ctx := context.Background()
	id, err := h.store.CreateJob(ctx, crawlJob("acme", "Fri", "09:15"))
	require.NoError(t, err)

	require.NoError(t, h.svc.Reload(ctx))
	next, ok := h.svc.NextDue(id)
	require.True(t, ok)
	require.True(t, next.Equal(day(5, 9, 15, 0)))

	require.NoError(t, h.store.DeleteJob(ctx, id))
	require.NoError(t, h.svc.Reload(ctx))
	require.Zero(t, h.svc.Len())
}

func TestApplyTimezoneRecomputes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeed(0, 0), syncSubmitter{}, Config{})
	j, err := h.svc.Add(context.Background(), crawlJob("acme", "Tue", "12:00"))
	require.NoError(t, err)

	h.svc.Apply(Config{Timezone: "Europe/Zurich"})
	next, _ := h.svc.NextDue(j.ID)
	// 12:00 in Zurich during winter is 11:00 UTC.
	require.True(t, next.Equal(day(2, 11, 0, 0)), "next = %s", next.UTC())
}

func TestKeyedMutexSerializesSameID(t *testing.T) {
	t.Parallel()
	var k keyedMutex
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock(7)
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak.Load())
	require.Empty(t, k.locks)
}
