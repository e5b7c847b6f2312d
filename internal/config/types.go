package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Omitted
// fields take the defaults documented on each section.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Auth      AuthConfig      `json:"auth"`
	Relay     RelayConfig     `json:"relay"`
	Monitor   MonitorConfig   `json:"monitor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig controls the HTTP edge. Changes need a restart.
//
// Defaults: addr ":8080", max_body_bytes 1 MiB, read_timeout "15s",
// write_timeout "30s", idle_timeout "60s".
type ServerConfig struct {
	Addr         string `json:"addr,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	// AdminToken unlocks /admin/* for non-loopback callers (do not log).
	AdminToken   string `json:"admin_token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// UpstreamConfig describes the feed API writes are relayed to.
//
// Timeout bounds direct calls (/admin/relay); RelayTimeout bounds each queued
// attempt. Defaults: timeout "5s", relay_timeout "10s", dial_timeout "5s".
type UpstreamConfig struct {
	Endpoint string `json:"endpoint"`
	// APIKey, when set, replaces the client's key on every relay (do not log).
	APIKey       string `json:"api_key,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	RelayTimeout string `json:"relay_timeout,omitempty"`
	DialTimeout  string `json:"dial_timeout,omitempty"`
}

// AuthConfig restricts accepted API keys. Empty accepts any non-empty key.
type AuthConfig struct {
	AllowedKeys []string `json:"allowed_keys,omitempty"`
}

// RelayConfig controls the relay queue.
//
// Backend is "local" (default: store journal + task engine) or "jetstream".
// Defaults: workers 4, queue_size 1024, retry_max 5, retry_base "1s",
// retry_max_delay "5m", sweep_interval "1m".
type RelayConfig struct {
	Backend       string     `json:"backend,omitempty"`
	Workers       int        `json:"workers,omitempty"`
	QueueSize     int        `json:"queue_size,omitempty"`
	RetryMax      *int       `json:"retry_max,omitempty"`
	RetryBase     string     `json:"retry_base,omitempty"`
	RetryMaxDelay string     `json:"retry_max_delay,omitempty"`
	SweepInterval string     `json:"sweep_interval,omitempty"`
	NATS          NATSConfig `json:"nats"`
}

// NATSConfig is used when relay.backend is "jetstream".
type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	Name          string `json:"name,omitempty"`
	Token         string `json:"token,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	MaxReconnects int    `json:"max_reconnects,omitempty"`
	ReconnectWait string `json:"reconnect_wait,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	Stream        string `json:"stream,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Consumer      string `json:"consumer,omitempty"`
	MaxAge        string `json:"max_age,omitempty"`
	MaxAckPending int    `json:"max_ack_pending,omitempty"`
}

// MonitorConfig controls the freshness monitor.
//
// Defaults: stale_window "10m", alert_threshold 3, schedule "1m".
// Streams overrides the window or threshold per top-level stream id.
type MonitorConfig struct {
	Enabled        *bool                     `json:"enabled,omitempty"`
	StaleWindow    string                    `json:"stale_window,omitempty"`
	AlertThreshold int                       `json:"alert_threshold,omitempty"`
	Schedule       string                    `json:"schedule,omitempty"`
	Timeout        string                    `json:"timeout,omitempty"`
	Streams        map[string]StreamOverride `json:"streams,omitempty"`
}

type StreamOverride struct {
	StaleWindow    string `json:"stale_window,omitempty"`
	AlertThreshold int    `json:"alert_threshold,omitempty"`
}

// SchedulerConfig controls trigger evaluation.
type SchedulerConfig struct {
	// Timezone is an IANA name; empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// TelegramConfig enables the Telegram transport when Token and at least one
// chat are set. Without it notifications are only logged.
type TelegramConfig struct {
	Token     string       `json:"token,omitempty"`
	APIURL    string       `json:"api_url,omitempty"`
	ParseMode string       `json:"parse_mode,omitempty"`
	Timeout   string       `json:"timeout,omitempty"`
	Chats     []ChatConfig `json:"chats,omitempty"`
}

type ChatConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./feedrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // memory | file | sqlite | redis
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	RedisURL    string `json:"redis_url,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type MetricsConfig struct {
	// Enabled mounts /metrics on the HTTP edge. Default true.
	Enabled *bool `json:"enabled,omitempty"`
}
