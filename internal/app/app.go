// Package app wires the proxy together: storage, relay queue, ingest,
// monitor, notifier, HTTP edge, config reload and systemd integration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/ingest"
	"feedrelay/internal/metrics"
	"feedrelay/internal/monitor"
	"feedrelay/internal/notifier"
	"feedrelay/internal/relay"
	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/server"
	"feedrelay/internal/storage"
	"feedrelay/internal/task/engine"
	"feedrelay/internal/task/scheduler"
	kit "feedrelay/internal/transport"
	"feedrelay/internal/transport/telegram"
	logx "feedrelay/pkg/logx"
	"feedrelay/pkg/systemd"
)

const (
	scheduleMonitor = "monitor.cycle"
	scheduleSweep   = "relay.sweep"
)

var errNotReady = errors.New("not ready")

// relayQueue is what the app needs from either queue backend.
type relayQueue interface {
	ingest.Enqueuer
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

type App struct {
	cfgm *config.ConfigManager

	mu  sync.Mutex
	set *settings

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   systemd.Notifier

	store   storage.Store
	metrics *metrics.Metrics

	relayEngine *engine.Service // local backend only
	jobs        *engine.Service
	sched       *scheduler.Service

	queue  relayQueue
	local  *relay.LocalQueue
	direct *relay.HTTPRelayer

	ingest  *ingest.Handler
	monitor *monitor.Monitor
	notif   *notifier.Service
	http    *server.Server

	sup   *rtsup.Supervisor
	ready atomic.Bool
}

// New loads the config at cfgPath and builds every component. Connections
// that need a context (NATS) use ctx.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(set.Logging)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, set: set, log: log, logs: logSvc, bus: bus}
	if err := a.build(ctx, root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, root logx.Logger) error {
	set := a.set
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	st, err := storage.Open(set.Storage, comp("storage"))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", set.Storage.Driver))

	if set.Metrics {
		a.metrics = metrics.New()
	}

	// Notifications
	senders := []kit.Sender{}
	if set.Telegram != nil {
		tg, err := telegram.New(*set.Telegram, comp("telegram"))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		senders = append(senders, tg)
	} else {
		senders = append(senders, kit.LogSender{Log: comp("alerts")})
	}
	a.notif = notifier.New(set.Notifier, senders, comp("notifier"), a.bus)

	// Relay
	relayer, err := relay.NewHTTPRelayer(set.Relay, nil, comp("relay"))
	if err != nil {
		return err
	}
	if a.direct, err = relay.NewHTTPRelayer(set.Direct, nil, comp("relay")); err != nil {
		return err
	}
	switch set.Backend {
	case BackendJetStream:
		q, err := relay.NewJetStreamQueue(ctx, set.JetStream, relayer, a.bus, comp("jetstream"))
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		a.queue = q
	default:
		a.relayEngine = engine.New(set.RelayEngine, comp("relay.engine"), a.bus)
		a.local = relay.NewLocalQueue(set.Local, st, a.relayEngine, relayer, a.bus, comp("relay"))
		a.queue = a.local
	}

	// Background jobs: monitor cycles and journal sweeps.
	a.jobs = engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 64, HistorySize: 100}, comp("jobs"), a.bus)
	a.sched = scheduler.New(set.Scheduler, a.jobs, comp("scheduler"))

	a.ingest = ingest.New(ingest.Deps{
		Store:    st,
		Queue:    a.queue,
		Decoders: feed.NewDecoders(),
		Bus:      a.bus,
		Log:      root,
	})
	a.ingest.SetAllowedKeys(set.AllowedKeys)

	a.monitor = monitor.New(set.Monitor, st, a.notif, comp("monitor"), monitor.WithBus(a.bus))

	var metricsHandler http.Handler
	if a.metrics != nil {
		metricsHandler = a.metrics.Handler()
	}
	a.http = server.New(set.Server, server.Deps{
		Ingest:  a.ingest,
		Relayer: a.direct,
		Monitor: a.monitor,
		Streams: st,
		Metrics: metricsHandler,
		Ready:   a.readyCheck,
		Log:     root,
	})
	return nil
}

func (a *App) settings() *settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set
}

func (a *App) readyCheck(context.Context) error {
	if !a.ready.Load() {
		return errNotReady
	}
	return nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr returns the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	set := a.settings()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	if a.metrics != nil {
		a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	}
	a.notif.Start(runCtx)
	if a.relayEngine != nil {
		a.relayEngine.Start(runCtx)
	}
	a.jobs.Start(runCtx)
	if err := a.queue.Start(runCtx); err != nil {
		return fmt.Errorf("relay queue: %w", err)
	}
	if err := a.applySchedules(set); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	if err := a.http.Start(runCtx); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if a.log.Enabled(logx.LevelTrace) {
					a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, systemd.WatchdogInterval(), a.ready.Load)
	})

	a.ready.Store(true)
	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = a.sd.Status("relaying to " + set.Relay.Endpoint)
	a.log.Info("app started",
		logx.String("addr", a.http.Addr()),
		logx.String("relay_backend", set.Backend),
		logx.String("storage", set.Storage.Driver),
		logx.Bool("monitor", set.MonitorEnabled),
	)
	return nil
}

// applySchedules (re)registers the monitor and sweep schedules.
func (a *App) applySchedules(set *settings) error {
	if set.MonitorEnabled {
		err := a.sched.AddSchedule(scheduleMonitor, set.MonitorSchedule, set.MonitorTimeout, func(ctx context.Context) error {
			_, err := a.monitor.RunCycle(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("monitor.schedule: %w", err)
		}
	} else {
		a.sched.Remove(scheduleMonitor)
	}
	if a.local != nil {
		err := a.sched.AddSchedule(scheduleSweep, set.SweepInterval.String(), set.SweepInterval, func(ctx context.Context) error {
			_, err := a.local.Sweep(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("relay.sweep_interval: %w", err)
		}
	}
	return nil
}

// Run starts the app and blocks until ctx is done or a fatal error occurs,
// then stops within shutdownTimeout.
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		a.Stop(stopCtx)
		cancel()
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Stop(stopCtx)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop shuts components down in dependency order: intake first, then
// triggers, delivery and notifications, storage last.
func (a *App) Stop(ctx context.Context) {
	a.ready.Store(false)
	_, _ = a.sd.Stopping()
	a.log.Info("stopping")

	a.step(ctx, "http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "relay.queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	if a.relayEngine != nil {
		a.step(ctx, "relay.engine", 5*time.Second, func(c context.Context) error { a.relayEngine.Stop(c); return nil })
	}
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	if a.sup != nil {
		a.sup.Cancel()
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	_ = a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline, so a
// stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// reloadLoop applies published configs. Bursts are coalesced to the latest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, cfg)
			lastApplied = cfg
		}
	}
}

// applyConfig applies the live-reloadable sections of cfg.
func (a *App) applyConfig(prev, cfg *config.Config) {
	set, err := resolve(cfg)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	sections, attrs, restart := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(set.Logging)
	a.ingest.SetAllowedKeys(set.AllowedKeys)
	a.monitor.SetConfig(set.Monitor)
	a.sched.Apply(set.Scheduler)
	if err := a.applySchedules(set); err != nil {
		a.log.Warn("schedule update failed; keeping previous", logx.Err(err))
	}

	wasEnabled := a.notif.Enabled()
	a.notif.Apply(set.Notifier)
	switch {
	case wasEnabled && !set.Notifier.Enabled:
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.log.Info("notifier disabled via config")
	case !wasEnabled && set.Notifier.Enabled && a.sup != nil:
		a.notif.Start(a.sup.Context())
		a.log.Info("notifier enabled via config")
	}

	a.mu.Lock()
	old := a.set
	// Restart-only sections keep their running values.
	set.Storage, set.Server, set.Backend = old.Storage, old.Server, old.Backend
	set.Relay, set.Direct, set.Local, set.JetStream, set.RelayEngine = old.Relay, old.Direct, old.Local, old.JetStream, old.RelayEngine
	set.Telegram, set.Metrics = old.Telegram, old.Metrics
	a.set = set
	a.mu.Unlock()

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
