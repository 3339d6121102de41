package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	"jobcrawler/internal/task/engine"
)

type Config struct {
	Enabled        bool
	Timezone       string
	PollInterval   time.Duration
	ExecTimeout    time.Duration
	ReloadInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Minute
	}
	if c.ReloadInterval < 0 {
		c.ReloadInterval = 0
	}
	return c
}

// window is how late a poll may notice a due instant and still fire it.
func (c Config) window() time.Duration {
	return max(c.PollInterval, time.Minute)
}

// Location resolves Timezone, falling back to the process local zone.
func (c Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// Phase is a job's position in the trigger state machine.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseDue     Phase = "due"
	PhaseRunning Phase = "running"
	PhaseRemoved Phase = "removed"
)

// Submitter hands scheduled runs to a worker pool. *engine.Service satisfies it.
type Submitter interface {
	Enqueue(t engine.Task) error
}

// goSubmitter runs every task on its own goroutine.
type goSubmitter struct{}

func (goSubmitter) Enqueue(t engine.Task) error {
	go func() { _ = t.Run(context.Background()) }()
	return nil
}

type entry struct {
	job  jobs.Job
	rule recurrence.Rule

	phase Phase
	next  time.Time
	fired time.Time // due instant of the current scheduled run

	lastRun     time.Time
	lastSuccess bool
}

// JobState is the live view of one scheduled job.
type JobState struct {
	ID          jobs.ID   `json:"id"`
	Title       string    `json:"title"`
	Schedule    string    `json:"schedule"`
	Phase       Phase     `json:"phase"`
	Next        time.Time `json:"next"`
	Prev        time.Time `json:"prev,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastSuccess bool      `json:"last_success"`
}

// keyedMutex serializes store access per job id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[jobs.ID]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id jobs.ID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[jobs.ID]*refLock{}
	}
	l := k.locks[id]
	if l == nil {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
