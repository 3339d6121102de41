package digest

import (
	"context"
	"sync"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	logx "jobcrawler/pkg/logx"
)

// DefaultTime is used while no digest time was ever stored.
var DefaultTime = recurrence.TimeOfDay{Hour: 15, Minute: 30}

// Settings is the persistence the controller writes through.
type Settings interface {
	GetDigestTime(ctx context.Context) (recurrence.TimeOfDay, bool, error)
	SetDigestTime(ctx context.Context, t recurrence.TimeOfDay) error
}

// Controller debounces writes of the digest time. It remembers the last value
// known to be persisted and only writes values that differ from it. The first
// observed value becomes that baseline without a write.
type Controller struct {
	store Settings
	def   recurrence.TimeOfDay
	log   logx.Logger

	mu        sync.Mutex
	baseline  recurrence.TimeOfDay
	hasBase   bool
	listeners []func(recurrence.TimeOfDay)
}

func NewController(store Settings, def recurrence.TimeOfDay, log logx.Logger) *Controller {
	if !def.Valid() {
		def = DefaultTime
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{store: store, def: def, log: log}
}

// Load returns the stored digest time or the default. The baseline is untouched.
func (c *Controller) Load(ctx context.Context) (recurrence.TimeOfDay, error) {
	t, ok, err := c.store.GetDigestTime(ctx)
	if err != nil {
		return c.def, err
	}
	if !ok {
		return c.def, nil
	}
	return t, nil
}

// Observe reports a digest time seen by a caller. It returns true when the
// value was written. On a failed write the baseline stays as it was and the
// error matches jobs.ErrPersist.
func (c *Controller) Observe(ctx context.Context, v recurrence.TimeOfDay) (bool, error) {
	if !v.Valid() {
		return false, jobs.Invalid("digest time %s out of range", v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasBase {
		c.baseline, c.hasBase = v, true
		c.log.Debug("digest time baseline", logx.String("time", v.String()))
		return false, nil
	}
	if v == c.baseline {
		return false, nil
	}
	if err := c.store.SetDigestTime(ctx, v); err != nil {
		c.log.Error("digest time not saved", logx.String("time", v.String()), logx.Err(err))
		return false, jobs.PersistFailed(err, "set digest time")
	}
	prev := c.baseline
	c.baseline = v
	c.log.Info("digest time changed", logx.String("from", prev.String()), logx.String("to", v.String()))
	for _, fn := range c.listeners {
		fn(v)
	}
	return true, nil
}

// Current is the baseline, or the default before anything was observed.
func (c *Controller) Current() recurrence.TimeOfDay {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasBase {
		return c.def
	}
	return c.baseline
}

// OnChange registers fn for every persisted change. fn runs with the
// controller locked and must not call back into it.
func (c *Controller) OnChange(fn func(recurrence.TimeOfDay)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}
