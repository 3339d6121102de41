package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/recurrence"
)

// Validate rejects configs that would fail at apply time. It runs on the
// initial load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	durations := map[string]string{
		"scheduler.poll_interval":   cfg.Scheduler.PollInterval,
		"scheduler.exec_timeout":    cfg.Scheduler.ExecTimeout,
		"scheduler.reload_interval": cfg.Scheduler.ReloadInterval,
		"crawler.request_timeout":   cfg.Crawler.RequestTimeout,
		"digest.send_timeout":       cfg.Digest.SendTimeout,
		"server.read_timeout":       cfg.Server.ReadTimeout,
		"server.write_timeout":      cfg.Server.WriteTimeout,
	}
	if te := cfg.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			return errors.New("task_engine: sizes must be >= 0")
		}
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "sqlite", "sqlite3", "memory", "mem":
		default:
			return errors.Newf("unknown storage.driver: %s", cfg.Storage.Driver)
		}
	}
	for key, raw := range durations {
		if _, err := ParseDurationField(key, raw); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}
	if t := strings.TrimSpace(cfg.Digest.DefaultTime); t != "" {
		if _, err := recurrence.ParseTimeOfDay(t); err != nil {
			return errors.Wrap(err, "digest.default_time")
		}
	}
	if cfg.Crawler.MaxPages < 0 || cfg.Crawler.RatePerSec < 0 || cfg.Crawler.Burst < 0 {
		return errors.New("crawler: limits must be >= 0")
	}
	if cfg.Stats.RecentLimit < 0 {
		return errors.New("stats.recent_limit must be >= 0")
	}
	return nil
}
