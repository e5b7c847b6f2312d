package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	logx "feedrelay/pkg/logx"
)

// Validate checks the structure of cfg: required fields, enums and duration
// syntax. All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	// server
	if cfg.Server.MaxBodyBytes < 0 {
		add(errors.New("server.max_body_bytes must be >= 0"))
	}
	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)

	// upstream
	ep := strings.TrimSpace(cfg.Upstream.Endpoint)
	if ep == "" {
		add(errors.New("upstream.endpoint is required"))
	} else if u, err := url.Parse(ep); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add(fmt.Errorf("upstream.endpoint: invalid URL %q", ep))
	}
	dur("upstream.timeout", cfg.Upstream.Timeout)
	dur("upstream.relay_timeout", cfg.Upstream.RelayTimeout)
	dur("upstream.dial_timeout", cfg.Upstream.DialTimeout)

	// relay
	switch strings.ToLower(strings.TrimSpace(cfg.Relay.Backend)) {
	case "", "local", "jetstream":
	default:
		add(fmt.Errorf("relay.backend: unknown backend %q (want local or jetstream)", cfg.Relay.Backend))
	}
	if cfg.Relay.Workers < 0 {
		add(errors.New("relay.workers must be >= 0"))
	}
	if cfg.Relay.QueueSize < 0 {
		add(errors.New("relay.queue_size must be >= 0"))
	}
	if cfg.Relay.RetryMax != nil && *cfg.Relay.RetryMax < 0 {
		add(errors.New("relay.retry_max must be >= 0"))
	}
	dur("relay.retry_base", cfg.Relay.RetryBase)
	dur("relay.retry_max_delay", cfg.Relay.RetryMaxDelay)
	dur("relay.sweep_interval", cfg.Relay.SweepInterval)
	dur("relay.nats.reconnect_wait", cfg.Relay.NATS.ReconnectWait)
	dur("relay.nats.timeout", cfg.Relay.NATS.Timeout)
	dur("relay.nats.max_age", cfg.Relay.NATS.MaxAge)

	// monitor
	if cfg.Monitor.AlertThreshold < 0 {
		add(errors.New("monitor.alert_threshold must be >= 0"))
	}
	dur("monitor.stale_window", cfg.Monitor.StaleWindow)
	dur("monitor.timeout", cfg.Monitor.Timeout)
	for id, o := range cfg.Monitor.Streams {
		if strings.TrimSpace(id) == "" || strings.Contains(id, ":") {
			add(fmt.Errorf("monitor.streams: invalid stream id %q", id))
		}
		if o.AlertThreshold < 0 {
			add(fmt.Errorf("monitor.streams.%s.alert_threshold must be >= 0", id))
		}
		dur("monitor.streams."+id+".stale_window", o.StaleWindow)
	}

	// notifier
	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	// telegram
	tokenSet := strings.TrimSpace(cfg.Telegram.Token) != ""
	switch {
	case tokenSet && len(cfg.Telegram.Chats) == 0:
		add(errors.New("telegram.chats: at least one chat is required when telegram.token is set"))
	case !tokenSet && len(cfg.Telegram.Chats) > 0:
		add(errors.New("telegram.token is required when telegram.chats is set"))
	}
	for i, c := range cfg.Telegram.Chats {
		if c.ChatID == 0 {
			add(fmt.Errorf("telegram.chats[%d].chat_id is required", i))
		}
	}
	dur("telegram.timeout", cfg.Telegram.Timeout)

	// storage
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", driver))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			add(errors.New("storage.redis_url is required when storage.driver=redis"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	// logging
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
