package digest

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"jobcrawler/internal/eventbus"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	rtsup "jobcrawler/internal/runtime/supervisor"
	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

type RunSource interface {
	ListRuns(ctx context.Context, since time.Time) ([]jobs.RunRecord, error)
}

// Busy reports crawls in flight. *scheduler.Service satisfies it.
type Busy interface {
	InFlight() int
}

// Submitter is the worker pool sends go through. *engine.Service satisfies it.
type Submitter interface {
	Enqueue(t engine.Task) error
}

type DispatcherConfig struct {
	Enabled     bool
	SendTimeout time.Duration
	Retries     int
	// Recheck is how often a deferred send polls for idle crawls in case
	// the crawl.finished event was missed. Defaults to 30s.
	Recheck time.Duration
}

// Dispatcher fires the daily digest at the controller's time in the scheduler
// timezone. When crawls are running at that moment the send is deferred until
// the last one finishes.
type Dispatcher struct {
	ctrl   *Controller
	runs   RunSource
	busy   Busy
	sender Sender
	submit Submitter
	loc    func() *time.Location
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      DispatcherConfig
	cron     *cron.Cron
	cronLoc  *time.Location
	entry    cron.EntryID
	at       recurrence.TimeOfDay
	deferred bool
	sup      *rtsup.Supervisor
}

func NewDispatcher(cfg DispatcherConfig, ctrl *Controller, runs RunSource, busy Busy, sender Sender,
	submit Submitter, loc func() *time.Location, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	d := &Dispatcher{
		ctrl: ctrl, runs: runs, busy: busy, sender: sender, submit: submit,
		loc: loc, bus: bus, log: log, now: time.Now, cfg: cfg,
	}
	ctrl.OnChange(d.reschedule)
	return d
}

func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Start schedules the daily trigger and listens for finished crawls.
func (d *Dispatcher) Start(ctx context.Context) {
	at := d.ctrl.Current()
	d.mu.Lock()
	if d.sup != nil || !d.cfg.Enabled {
		enabled := d.cfg.Enabled
		d.mu.Unlock()
		if !enabled {
			d.log.Info("digest disabled")
		}
		return
	}
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	sup := d.sup
	recheck := d.cfg.Recheck
	if recheck <= 0 {
		recheck = 30 * time.Second
	}
	d.at = at
	d.rebuildLocked()
	d.mu.Unlock()

	events, unsub := d.bus.Subscribe(16, eventbus.CrawlFinished, eventbus.ConfigReloaded)
	sup.Go0("digest.events", func(ctx context.Context) {
		defer unsub()
		tick := time.NewTicker(recheck)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				d.onEvent(ev)
			case <-tick.C:
				d.retryDeferred()
			}
		}
	})
	d.log.Info("digest scheduled", logx.String("at", at.String()), logx.Strings("sinks", d.sinkNames()))
}

func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup, c := d.sup, d.cron
	d.sup, d.cron = nil, nil
	d.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (d *Dispatcher) sinkNames() []string {
	if f, ok := d.sender.(*Fanout); ok {
		return f.Names()
	}
	return []string{d.sender.Name()}
}

// Next is the next scheduled trigger, zero while stopped.
func (d *Dispatcher) Next() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron == nil {
		return time.Time{}
	}
	e := d.cron.Entry(d.entry)
	if e.Next.IsZero() && e.Schedule != nil {
		// The runner fills Next asynchronously after Start.
		return e.Schedule.Next(d.now().In(d.cronLoc))
	}
	return e.Next
}

// Deferred reports whether a send is waiting for crawls to finish.
func (d *Dispatcher) Deferred() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deferred
}

func (d *Dispatcher) reschedule(t recurrence.TimeOfDay) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.at = t
	if d.sup == nil {
		return
	}
	d.rebuildLocked()
	d.log.Info("digest rescheduled", logx.String("at", t.String()))
}

// rebuildLocked replaces the cron runner. cron fixes its location at
// construction, so a timezone change needs a new one.
func (d *Dispatcher) rebuildLocked() {
	if d.cron != nil {
		d.cron.Stop()
	}
	d.cronLoc = d.loc()
	c := cron.New(cron.WithLocation(d.cronLoc))
	rule, err := recurrence.Daily(d.at)
	if err != nil {
		d.log.Error("digest time invalid", logx.String("at", d.at.String()), logx.Err(err))
		d.cron = nil
		return
	}
	spec := rule.CronSpec()
	id, err := c.AddFunc(spec, d.Fire)
	if err != nil {
		d.log.Error("digest trigger rejected", logx.String("spec", spec), logx.Err(err))
		d.cron = nil
		return
	}
	d.cron, d.entry = c, id
	c.Start()
}

func (d *Dispatcher) onEvent(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.ConfigReloaded:
		d.mu.Lock()
		if d.sup != nil && d.cronLoc != d.loc() {
			d.rebuildLocked()
		}
		d.mu.Unlock()
	case eventbus.CrawlFinished:
		info, _ := ev.Data.(eventbus.CrawlInfo)
		if info.Running > 0 {
			return
		}
		d.retryDeferred()
	}
}

// retryDeferred fires a deferred send once nothing is in flight. The bus
// may drop crawl.finished for a slow subscriber, so the event loop also
// calls this on a timer.
func (d *Dispatcher) retryDeferred() {
	if d.busy != nil && d.busy.InFlight() > 0 {
		return
	}
	d.mu.Lock()
	pending := d.deferred
	d.deferred = false
	d.mu.Unlock()
	if !pending {
		return
	}
	d.log.Debug("crawls drained, sending deferred digest")
	d.Fire()
}

// Fire sends the digest now unless crawls are in flight, in which case the
// send waits for the next crawl.finished with nothing running.
func (d *Dispatcher) Fire() {
	if d.busy != nil {
		if n := d.busy.InFlight(); n > 0 {
			d.mu.Lock()
			d.deferred = true
			d.mu.Unlock()
			d.log.Info("digest deferred", logx.Int("active_crawls", n))
			d.bus.Publish(eventbus.Event{Type: eventbus.DigestDeferred, Data: n})
			return
		}
	}
	d.mu.Lock()
	d.deferred = false
	cfg := d.cfg
	d.mu.Unlock()

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	retry := engine.RetryPolicy{Max: cfg.Retries, Base: 5 * time.Second, MaxDelay: 2 * time.Minute}
	if cfg.Retries <= 0 {
		retry.Max = 3
	}
	task := engine.Task{Name: "digest.send", Timeout: timeout, Retry: retry, Run: func(ctx context.Context) error {
		_, err := d.Send(ctx)
		return err
	}}
	if err := d.submit.Enqueue(task); err != nil {
		d.log.Error("digest not queued", logx.Err(err))
	}
}

// Send builds today's report and delivers it synchronously.
func (d *Dispatcher) Send(ctx context.Context) (*Report, error) {
	loc := d.loc()
	now := d.now().In(loc)
	y, m, day := now.Date()
	runs, err := d.runs.ListRuns(ctx, time.Date(y, m, day, 0, 0, 0, 0, loc))
	if err != nil {
		return nil, errors.Wrap(err, "load today's runs")
	}
	rep := BuildReport(runs, now, loc)
	msg := Message{Subject: "Job crawler digest " + rep.Date, Text: rep.Text(loc), Report: rep}
	if err := d.sender.Send(ctx, msg); err != nil {
		return rep, err
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.DigestSent, Data: rep})
	d.log.Info("digest sent", logx.String("date", rep.Date), logx.Int("new", rep.New), logx.Int("removed", rep.Removed))
	return rep, nil
}
