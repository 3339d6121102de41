package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/config"
	"jobcrawler/internal/crawler"
	"jobcrawler/internal/digest"
	"jobcrawler/internal/recurrence"
	"jobcrawler/internal/scheduler"
	"jobcrawler/internal/server"
	"jobcrawler/internal/storage"
	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: "./jobcrawler.db", BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Workers: 4, QueueSize: 128, HistorySize: 200, RetryMax: 3}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	exec, err := config.ParseDurationOrDefault("scheduler.exec_timeout", sc.ExecTimeout, 2*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	reload, err := config.ParseDurationOrDefault("scheduler.reload_interval", sc.ReloadInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        sc.Enabled,
		Timezone:       strings.TrimSpace(sc.Timezone),
		PollInterval:   poll,
		ExecTimeout:    exec,
		ReloadInterval: reload,
	}, nil
}

func mapCrawlerConfig(cfg *config.Config) (crawler.Config, error) {
	cc := cfg.Crawler
	timeout, err := config.ParseDurationOrDefault("crawler.request_timeout", cc.RequestTimeout, 20*time.Second)
	if err != nil {
		return crawler.Config{}, err
	}
	return crawler.Config{
		UserAgent:      strings.TrimSpace(cc.UserAgent),
		RequestTimeout: timeout,
		MaxPages:       cc.MaxPages,
		RatePerSec:     cc.RatePerSec,
		Burst:          cc.Burst,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (digest.DispatcherConfig, error) {
	dc := cfg.Digest
	timeout, err := config.ParseDurationOrDefault("digest.send_timeout", dc.SendTimeout, time.Minute)
	if err != nil {
		return digest.DispatcherConfig{}, err
	}
	return digest.DispatcherConfig{Enabled: dc.Enabled, SendTimeout: timeout, Retries: dc.Retries}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	rt, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 15*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Enabled:      sc.Enabled,
		Addr:         strings.TrimSpace(sc.Addr),
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        sc.Pprof,
		PprofToken:   sc.PprofToken,
	}, nil
}

func digestDefault(cfg *config.Config) (recurrence.TimeOfDay, error) {
	raw := strings.TrimSpace(cfg.Digest.DefaultTime)
	if raw == "" {
		return digest.DefaultTime, nil
	}
	t, err := recurrence.ParseTimeOfDay(raw)
	if err != nil {
		return recurrence.TimeOfDay{}, errors.Wrap(err, "digest.default_time")
	}
	return t, nil
}

// buildSenders always includes the log sink; webhook and telegram are added
// when configured.
func buildSenders(cfg *config.Config, log logx.Logger) ([]digest.Sender, error) {
	out := []digest.Sender{digest.LogSender{Log: log.With(logx.String("sink", "log"))}}
	if u := strings.TrimSpace(cfg.Digest.Webhook.URL); u != "" {
		out = append(out, &digest.Webhook{
			URL:    u,
			Secret: cfg.Digest.Webhook.Secret,
			Client: &http.Client{Timeout: 10 * time.Second},
		})
	}
	if tg := cfg.Digest.Telegram; strings.TrimSpace(tg.Token) != "" {
		s, err := digest.NewTelegram(tg.Token, tg.ChatID, strings.TrimSpace(tg.APIURL))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
