package config

import (
	"reflect"
	"strings"

	logx "feedrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets), and the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	var restart []string

	// Server, upstream, relay backend and storage are wired once at start.
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		restart = append(restart, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.admin_token_set", newCfg.Server.AdminToken != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) {
		changed = append(changed, "upstream")
		restart = append(restart, "upstream")
		attrs = append(attrs,
			logx.String("upstream.endpoint", newCfg.Upstream.Endpoint),
			logx.Bool("upstream.api_key_set", newCfg.Upstream.APIKey != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		restart = append(restart, "relay")
		attrs = append(attrs, logx.String("relay.backend", newCfg.Relay.Backend))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	// Applied live.
	if !sameStrings(oldCfg.Auth.AllowedKeys, newCfg.Auth.AllowedKeys) {
		changed = append(changed, "auth")
		attrs = append(attrs, logx.Int("auth.allowed_keys", len(newCfg.Auth.AllowedKeys)))
	}
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) || oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.schedule", newCfg.Monitor.Schedule),
			logx.String("monitor.stale_window", newCfg.Monitor.StaleWindow),
			logx.Int("monitor.alert_threshold", newCfg.Monitor.AlertThreshold),
			logx.Int("monitor.overrides", len(newCfg.Monitor.Streams)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.String("notifier.dedup_window", n.DedupWindow),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.chats", len(newCfg.Telegram.Chats)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		restart = append(restart, "metrics")
	}
	return changed, attrs, restart
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i]) != strings.TrimSpace(b[i]) {
			return false
		}
	}
	return true
}
