package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("30s", "2m"). Unknown keys are rejected.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Crawler    CrawlerConfig     `json:"crawler"`
	Digest     DigestConfig      `json:"digest"`
	Stats      StatsConfig       `json:"stats"`
	Server     ServerConfig      `json:"server"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the polling loop over scheduled crawl jobs.
//
// Defaults: timezone Europe/Zurich, poll_interval 30s, exec_timeout 2m,
// reload_interval 1m.
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	ExecTimeout    string `json:"exec_timeout,omitempty"`
	ReloadInterval string `json:"reload_interval,omitempty"`
}

// TaskEngineConfig sizes the worker pool that runs crawls and digest sends.
// retry_max applies to tasks that do not set their own policy; scheduled
// crawls never retry.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the backend.
//
//	"storage": { "driver": "sqlite", "path": "./jobcrawler.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CrawlerConfig struct {
	UserAgent      string  `json:"user_agent,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	MaxPages       int     `json:"max_pages,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

type DigestConfig struct {
	Enabled     bool           `json:"enabled"`
	DefaultTime string         `json:"default_time,omitempty"` // HH:MM, 15:30 when empty
	SendTimeout string         `json:"send_timeout,omitempty"`
	Retries     int            `json:"retries,omitempty"`
	Webhook     WebhookConfig  `json:"webhook"`
	Telegram    TelegramConfig `json:"telegram"`
}

type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"` // env JOBCRAWLER_WEBHOOK_SECRET wins
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // env JOBCRAWLER_TELEGRAM_TOKEN wins
	ChatID int64  `json:"chat_id"`
	APIURL string `json:"api_url,omitempty"`
}

type StatsConfig struct {
	RecentLimit int `json:"recent_limit,omitempty"`
}

type ServerConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	PprofToken   string `json:"pprof_token,omitempty"`
}

// Default is used when no config file exists.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "Europe/Zurich"},
		Storage:   &StorageConfig{Driver: "sqlite", Path: "./jobcrawler.db"},
		Digest:    DigestConfig{Enabled: true},
		Server:    ServerConfig{Enabled: true, Addr: "127.0.0.1:8080"},
	}
}
