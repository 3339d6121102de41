package engine

import (
	"context"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/eventbus"
	logx "jobcrawler/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		item.Error = "stale_queue_delay"
		s.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: start, Data: item})
		s.record(item, cfg.HistorySize)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: item})

	var err error
attempts:
	for attempt := 1; attempt <= 1+qt.retry.Max; attempt++ {
		item.Attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || attempt > qt.retry.Max {
			break
		}
		delay := backoffDelay(qt.retry, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attempts
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attempts
		case <-tmr.C:
		}
	}

	item.Duration = time.Since(start)
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: item})
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts))
		s.bus.Publish(eventbus.Event{Type: "task.finished", Data: item})
	}
	s.record(item, cfg.HistorySize)
}

// runOnce runs one attempt with the task deadline, converting panics to errors.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = NoRetry(errors.Newf("panic: %v", r))
		}
	}()
	return qt.task.Run(ctx)
}

func backoffDelay(p RetryPolicy, attempt int, err error, rng *rand.Rand) time.Duration {
	d, hinted := retryHint(err)
	if !hinted {
		d = p.Base
		for i := 1; i < attempt && d < p.MaxDelay; i++ {
			d *= 2
		}
	}
	if rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*p.Jitter))
	}
	return min(max(d, 0), p.MaxDelay)
}
