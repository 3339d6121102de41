package digest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"jobcrawler/internal/eventbus"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/storage"
	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

type syncSubmitter struct{}

func (syncSubmitter) Enqueue(t engine.Task) error { return t.Run(context.Background()) }

type busyCount struct{ n atomic.Int32 }

func (b *busyCount) InFlight() int { return int(b.n.Load()) }

func newTestDispatcher(t *testing.T, busy *busyCount, bus eventbus.Bus) (*Dispatcher, *recordingSender, *storage.Memory, *Controller) {
	t.Helper()
	st := storage.NewMemory()
	ctrl := NewController(st, DefaultTime, logx.Nop())
	sink := &recordingSender{name: "rec"}
	d := NewDispatcher(DispatcherConfig{Enabled: true}, ctrl, st, busy, sink, syncSubmitter{},
		func() *time.Location { return time.UTC }, logx.Nop(), bus)
	return d, sink, st, ctrl
}

func TestFireSendsTodaysReport(t *testing.T) {
	d, sink, st, _ := newTestDispatcher(t, &busyCount{}, nil)
	now := time.Date(2024, 3, 15, 15, 30, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := st.AppendRun(ctx, jobs.RunRecord{JobID: 1, Site: "a", At: now.Add(-time.Hour), Success: true, NewItems: 4})
	require.NoError(t, err)
	_, err = st.AppendRun(ctx, jobs.RunRecord{JobID: 1, Site: "a", At: now.AddDate(0, 0, -1), Success: true, NewItems: 50})
	require.NoError(t, err)

	d.Fire()
	require.Len(t, sink.got, 1)
	require.Equal(t, 4, sink.got[0].Report.New)
	require.Equal(t, "Job crawler digest 2024-03-15", sink.got[0].Subject)
}

func TestFireDefersWhileCrawlsRun(t *testing.T) {
	bus := eventbus.New()
	deferredCh, unsub := bus.Subscribe(4, eventbus.DigestDeferred)
	defer unsub()

	busy := &busyCount{}
	busy.n.Store(2)
	d, sink, _, _ := newTestDispatcher(t, busy, bus)

	d.Fire()
	require.Empty(t, sink.got)
	require.True(t, d.Deferred())
	select {
	case ev := <-deferredCh:
		require.Equal(t, 2, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no digest.deferred event")
	}

	// One crawl finishes, one still running: keep waiting.
	busy.n.Store(1)
	d.onEvent(eventbus.Event{Type: eventbus.CrawlFinished, Data: eventbus.CrawlInfo{JobID: 1, Running: 1}})
	require.Empty(t, sink.got)

	busy.n.Store(0)
	d.onEvent(eventbus.Event{Type: eventbus.CrawlFinished, Data: eventbus.CrawlInfo{JobID: 2, Running: 0}})
	require.Len(t, sink.got, 1)
	require.False(t, d.Deferred())

	// Without a pending send, finished crawls do nothing.
	d.onEvent(eventbus.Event{Type: eventbus.CrawlFinished, Data: eventbus.CrawlInfo{JobID: 3}})
	require.Len(t, sink.got, 1)
}

func TestDeferredSendSurvivesMissedFinishEvent(t *testing.T) {
	busy := &busyCount{}
	busy.n.Store(1)
	st := storage.NewMemory()
	ctrl := NewController(st, DefaultTime, logx.Nop())
	sink := &recordingSender{name: "rec"}
	d := NewDispatcher(DispatcherConfig{Enabled: true, Recheck: 10 * time.Millisecond}, ctrl, st, busy, sink, syncSubmitter{},
		func() *time.Location { return time.UTC }, logx.Nop(), eventbus.New())

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop(ctx)

	d.Fire()
	require.True(t, d.Deferred())

	// The crawl ends but its crawl.finished never reaches the dispatcher.
	busy.n.Store(0)
	require.Eventually(t, func() bool { return !d.Deferred() }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 1 }, 3*time.Second, 5*time.Millisecond)

	// A late event for the same drain does not send twice.
	d.onEvent(eventbus.Event{Type: eventbus.CrawlFinished, Data: eventbus.CrawlInfo{JobID: 1}})
	require.Equal(t, 1, sink.count())
}

func TestStartSchedulesAtControllerTime(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)
	st := storage.NewMemory()
	ctrl := NewController(st, DefaultTime, logx.Nop())
	d := NewDispatcher(DispatcherConfig{Enabled: true}, ctrl, st, nil, &recordingSender{name: "rec"}, syncSubmitter{},
		func() *time.Location { return loc }, logx.Nop(), nil)

	ctx := context.Background()
	_, err = ctrl.Observe(ctx, tod(9, 0))
	require.NoError(t, err)

	d.Start(ctx)
	defer d.Stop(ctx)

	next := d.Next().In(loc)
	require.Equal(t, 9, next.Hour())
	require.Equal(t, 0, next.Minute())

	wrote, err := ctrl.Observe(ctx, tod(18, 45))
	require.NoError(t, err)
	require.True(t, wrote)
	next = d.Next().In(loc)
	require.Equal(t, 18, next.Hour())
	require.Equal(t, 45, next.Minute())
}

func TestStartDisabledSchedulesNothing(t *testing.T) {
	st := storage.NewMemory()
	ctrl := NewController(st, DefaultTime, logx.Nop())
	d := NewDispatcher(DispatcherConfig{}, ctrl, st, nil, &recordingSender{name: "rec"}, syncSubmitter{}, nil, logx.Nop(), nil)
	d.Start(context.Background())
	require.True(t, d.Next().IsZero())
	d.Stop(context.Background())
}
