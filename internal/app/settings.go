package app

import (
	"fmt"
	"strings"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/monitor"
	"feedrelay/internal/notifier"
	"feedrelay/internal/relay"
	"feedrelay/internal/server"
	"feedrelay/internal/storage"
	"feedrelay/internal/task/engine"
	"feedrelay/internal/task/scheduler"
	kit "feedrelay/internal/transport"
	"feedrelay/internal/transport/telegram"
	logx "feedrelay/pkg/logx"
)

const (
	BackendLocal     = "local"
	BackendJetStream = "jetstream"

	defaultRelayWorkers  = 4
	defaultRelayQueue    = 1024
	defaultRelayRetryMax = 5
)

// settings is a fully defaulted, typed view of config.Config.
type settings struct {
	Logging logx.Config
	Storage storage.Config
	Server  server.Config

	Direct relay.HTTPConfig // /admin/relay
	Relay  relay.HTTPConfig // queued attempts

	Backend       string
	RelayEngine   engine.Config
	Local         relay.LocalConfig
	JetStream     relay.JetStreamConfig
	SweepInterval time.Duration

	AllowedKeys []string

	MonitorEnabled  bool
	Monitor         monitor.Config
	MonitorSchedule string
	MonitorTimeout  time.Duration

	Scheduler scheduler.Config
	Notifier  notifier.Config
	Telegram  *telegram.Config // nil: log-only notifications
	Metrics   bool
}

// resolve maps cfg onto component configs, applying defaults. It is also
// the reload validator, so it must not have side effects.
func resolve(cfg *config.Config) (*settings, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	s := &settings{
		Logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		},
		AllowedKeys: cfg.Auth.AllowedKeys,
		Metrics:     config.BoolOr(cfg.Metrics.Enabled, true),
	}
	steps := []func(*config.Config, *settings) error{
		mapStorage, mapServer, mapUpstream, mapRelay, mapMonitor, mapScheduler, mapNotifier, mapTelegram,
	}
	for _, step := range steps {
		if err := step(cfg, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func mapStorage(cfg *config.Config, s *settings) error {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return err
	}
	s.Storage = storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		RedisURL:    strings.TrimSpace(sc.RedisURL),
		KeyPrefix:   sc.KeyPrefix,
	}
	return nil
}

func mapServer(cfg *config.Config, s *settings) error {
	sc := cfg.Server
	var err error
	s.Server = server.Config{
		Addr:         sc.Addr,
		MaxBodyBytes: sc.MaxBodyBytes,
		AdminToken:   sc.AdminToken,
		Pprof:        sc.Pprof,
	}
	if s.Server.ReadTimeout, err = config.ParseDurationField("server.read_timeout", sc.ReadTimeout); err != nil {
		return err
	}
	if s.Server.WriteTimeout, err = config.ParseDurationField("server.write_timeout", sc.WriteTimeout); err != nil {
		return err
	}
	if s.Server.IdleTimeout, err = config.ParseDurationField("server.idle_timeout", sc.IdleTimeout); err != nil {
		return err
	}
	return nil
}

func mapUpstream(cfg *config.Config, s *settings) error {
	uc := cfg.Upstream
	direct, err := config.ParseDurationOrDefault("upstream.timeout", uc.Timeout, 5*time.Second)
	if err != nil {
		return err
	}
	queued, err := config.ParseDurationOrDefault("upstream.relay_timeout", uc.RelayTimeout, relay.DefaultRelayTimeout)
	if err != nil {
		return err
	}
	dial, err := config.ParseDurationOrDefault("upstream.dial_timeout", uc.DialTimeout, relay.DefaultDialTimeout)
	if err != nil {
		return err
	}
	s.Direct = relay.HTTPConfig{Endpoint: uc.Endpoint, APIKey: uc.APIKey, Timeout: direct, DialTimeout: dial}
	s.Relay = relay.HTTPConfig{Endpoint: uc.Endpoint, APIKey: uc.APIKey, Timeout: queued, DialTimeout: dial}
	return nil
}

func mapRelay(cfg *config.Config, s *settings) error {
	rc := cfg.Relay
	s.Backend = strings.ToLower(strings.TrimSpace(rc.Backend))
	if s.Backend == "" {
		s.Backend = BackendLocal
	}
	retryMax := defaultRelayRetryMax
	if rc.RetryMax != nil {
		retryMax = *rc.RetryMax
	}
	base, err := config.ParseDurationOrDefault("relay.retry_base", rc.RetryBase, time.Second)
	if err != nil {
		return err
	}
	maxDelay, err := config.ParseDurationOrDefault("relay.retry_max_delay", rc.RetryMaxDelay, 5*time.Minute)
	if err != nil {
		return err
	}
	if s.SweepInterval, err = config.ParseDurationOrDefault("relay.sweep_interval", rc.SweepInterval, time.Minute); err != nil {
		return err
	}
	workers := config.IntOr(rc.Workers, defaultRelayWorkers)

	s.RelayEngine = engine.Config{
		Enabled:     true,
		Workers:     workers,
		QueueSize:   config.IntOr(rc.QueueSize, defaultRelayQueue),
		HistorySize: 200,
		RetryMax:    retryMax,
	}
	s.Local = relay.LocalConfig{
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RelayTimeout:  s.Relay.Timeout,
	}

	nc := rc.NATS
	js := relay.JetStreamConfig{
		URL:           nc.URL,
		Name:          nc.Name,
		Token:         nc.Token,
		Username:      nc.Username,
		Password:      nc.Password,
		MaxReconnects: nc.MaxReconnects,
		Stream:        nc.Stream,
		SubjectPrefix: nc.SubjectPrefix,
		Consumer:      nc.Consumer,
		MaxAckPending: nc.MaxAckPending,
		Workers:       workers,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RelayTimeout:  s.Relay.Timeout,
	}
	if js.ReconnectWait, err = config.ParseDurationField("relay.nats.reconnect_wait", nc.ReconnectWait); err != nil {
		return err
	}
	if js.Timeout, err = config.ParseDurationField("relay.nats.timeout", nc.Timeout); err != nil {
		return err
	}
	if js.MaxAge, err = config.ParseDurationField("relay.nats.max_age", nc.MaxAge); err != nil {
		return err
	}
	s.JetStream = js
	return nil
}

func mapMonitor(cfg *config.Config, s *settings) error {
	mc := cfg.Monitor
	window, err := config.ParseDurationOrDefault("monitor.stale_window", mc.StaleWindow, monitor.DefaultStaleWindow)
	if err != nil {
		return err
	}
	s.MonitorEnabled = config.BoolOr(mc.Enabled, true)
	s.Monitor = monitor.Config{
		StaleWindow:    window,
		AlertThreshold: config.IntOr(mc.AlertThreshold, monitor.DefaultAlertThreshold),
	}
	if len(mc.Streams) > 0 {
		s.Monitor.Streams = make(map[string]monitor.Override, len(mc.Streams))
		for id, o := range mc.Streams {
			w, err := config.ParseDurationField("monitor.streams."+id+".stale_window", o.StaleWindow)
			if err != nil {
				return err
			}
			s.Monitor.Streams[id] = monitor.Override{StaleWindow: w, AlertThreshold: o.AlertThreshold}
		}
	}
	s.MonitorSchedule = strings.TrimSpace(mc.Schedule)
	if s.MonitorSchedule == "" {
		s.MonitorSchedule = "1m"
	}
	if _, err := scheduler.ParseSchedule(s.MonitorSchedule); err != nil {
		return fmt.Errorf("monitor.schedule: %w", err)
	}
	if s.MonitorTimeout, err = config.ParseDurationOrDefault("monitor.timeout", mc.Timeout, 30*time.Second); err != nil {
		return err
	}
	return nil
}

func mapScheduler(cfg *config.Config, s *settings) error {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	s.Scheduler = scheduler.Config{Enabled: true, Timezone: tz}
	return nil
}

func mapNotifier(cfg *config.Config, s *settings) error {
	nc := cfg.Notifier
	if nc == nil {
		s.Notifier = notifier.Config{Enabled: true, RetryMax: 3}
		return nil
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return err
	}
	s.Notifier = out
	return nil
}

func mapTelegram(cfg *config.Config, s *settings) error {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return err
	}
	chats := make([]kit.ChatTarget, 0, len(tc.Chats))
	for _, c := range tc.Chats {
		chats = append(chats, kit.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID})
	}
	s.Telegram = &telegram.Config{
		Token:     strings.TrimSpace(tc.Token),
		Chats:     chats,
		APIURL:    tc.APIURL,
		ParseMode: tc.ParseMode,
		Timeout:   timeout,
	}
	return nil
}
