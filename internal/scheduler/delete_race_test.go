package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobcrawler/internal/eventbus"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/storage"
	logx "jobcrawler/pkg/logx"
)

// holdStore wraps Memory and can park DeleteJob or ListJobs until released.
type holdStore struct {
	*storage.Memory

	holdDelete    atomic.Bool
	deleteEntered chan struct{}
	deleteRelease chan struct{}

	holdList    atomic.Bool
	listEntered chan struct{}
	listRelease chan struct{}
}

func newHoldStore() *holdStore {
	return &holdStore{
		Memory:        storage.NewMemory(),
		deleteEntered: make(chan struct{}, 1),
		deleteRelease: make(chan struct{}),
		listEntered:   make(chan struct{}, 1),
		listRelease:   make(chan struct{}),
	}
}

func (h *holdStore) DeleteJob(ctx context.Context, id jobs.ID) error {
	if h.holdDelete.Load() {
		h.deleteEntered <- struct{}{}
		<-h.deleteRelease
	}
	return h.Memory.DeleteJob(ctx, id)
}

func (h *holdStore) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	list, err := h.Memory.ListJobs(ctx)
	if h.holdList.Load() {
		h.listEntered <- struct{}{}
		<-h.listRelease
	}
	return list, err
}

func (k *keyedMutex) waiters(id jobs.ID) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l := k.locks[id]; l != nil {
		return l.refs
	}
	return 0
}

func TestDeleteDuringRunCompletionWritesNoRecord(t *testing.T) {
	t.Parallel()
	st := newHoldStore()
	g := newGate()
	clock := &fakeClock{t: day(2, 10, 0, 0)}
	bus := eventbus.New()
	svc := New(Config{Timezone: "UTC"}, st, g, nil, logx.Nop(), bus)
	svc.now = clock.Now
	ctx := context.Background()
	finished, unsub := bus.Subscribe(4, eventbus.CrawlFinished)
	defer unsub()

	j, err := svc.Add(ctx, crawlJob("acme", "Wed", "08:00"))
	require.NoError(t, err)
	clock.Set(day(3, 8, 0, 5))
	svc.Tick(ctx)
	waitFor(t, g.started)

	st.holdDelete.Store(true)
	deleted := make(chan error, 1)
	go func() { deleted <- svc.Delete(ctx, j.ID) }()
	waitFor(t, st.deleteEntered)

	// The executor finishes while the store delete is still in progress and
	// the run queues behind Delete on the job lock.
	close(g.release)
	require.Eventually(t, func() bool { return svc.locks.waiters(j.ID) == 2 }, 3*time.Second, time.Millisecond)

	close(st.deleteRelease)
	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("delete never returned")
	}
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("crawl never finished")
	}

	runs, err := st.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	require.Empty(t, runs)
	require.Zero(t, svc.Pending())
	require.Zero(t, svc.Len())
}

func TestReloadDoesNotResurrectConcurrentDelete(t *testing.T) {
	t.Parallel()
	st := newHoldStore()
	var calls atomic.Int32
	exec := jobs.ExecutorFunc(func(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
		calls.Add(1)
		return jobs.CrawlOutcome{Success: true}, nil
	})
	clock := &fakeClock{t: day(2, 10, 0, 0)}
	svc := New(Config{Timezone: "UTC"}, st, exec, syncSubmitter{}, logx.Nop(), eventbus.New())
	svc.now = clock.Now
	ctx := context.Background()

	gone, err := svc.Add(ctx, crawlJob("acme", "Wed", "08:00"))
	require.NoError(t, err)

	st.holdList.Store(true)
	reloaded := make(chan error, 1)
	go func() { reloaded <- svc.Reload(ctx) }()
	waitFor(t, st.listEntered)

	// Both changes land after the listing was read.
	require.NoError(t, svc.Delete(ctx, gone.ID))
	kept, err := svc.Add(ctx, crawlJob("globex", "Thu", "09:00"))
	require.NoError(t, err)

	close(st.listRelease)
	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reload never returned")
	}

	_, ok := svc.NextDue(gone.ID)
	require.False(t, ok, "deleted job rescheduled")
	next, ok := svc.NextDue(kept.ID)
	require.True(t, ok, "job added during reload dropped")
	require.True(t, next.Equal(day(4, 9, 0, 0)))

	clock.Set(day(3, 8, 0, 10))
	svc.Tick(ctx)
	require.Zero(t, calls.Load())
	runs, err := st.ListRuns(ctx, time.Time{})
	require.NoError(t, err)
	require.Empty(t, runs)

	// A later reload with nothing in between reconciles normally.
	st.holdList.Store(false)
	require.NoError(t, svc.Reload(ctx))
	require.Equal(t, 1, svc.Len())
	require.Empty(t, svc.touched)
}
