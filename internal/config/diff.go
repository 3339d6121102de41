package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobcrawler/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and a few safe log
// fields describing the new values. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
		)
	}
	if (oldCfg.TaskEngine == nil) != (newCfg.TaskEngine == nil) ||
		(newCfg.TaskEngine != nil && !reflect.DeepEqual(*oldCfg.TaskEngine, *newCfg.TaskEngine)) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
			)
		}
	}
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nS.Driver), logx.Bool("storage.path_set", nS.Path != ""))
	}
	if oldCfg.Crawler != newCfg.Crawler {
		changed = append(changed, "crawler")
		attrs = append(attrs,
			logx.Int("crawler.max_pages", newCfg.Crawler.MaxPages),
			logx.Any("crawler.rate_per_sec", newCfg.Crawler.RatePerSec),
		)
	}
	if oldCfg.Digest != newCfg.Digest {
		changed = append(changed, "digest")
		attrs = append(attrs,
			logx.Bool("digest.enabled", newCfg.Digest.Enabled),
			logx.Bool("digest.webhook_set", newCfg.Digest.Webhook.URL != ""),
			logx.Bool("digest.webhook_signed", newCfg.Digest.Webhook.Secret != ""),
			logx.Bool("digest.telegram_set", newCfg.Digest.Telegram.Token != ""),
		)
	}
	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		attrs = append(attrs, logx.Int("stats.recent_limit", newCfg.Stats.RecentLimit))
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.Bool("server.enabled", newCfg.Server.Enabled), logx.String("server.addr", newCfg.Server.Addr))
	}
	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "server", "digest":
			out = append(out, s)
		}
	}
	return out
}
