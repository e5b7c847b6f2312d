// Package monitor detects frozen feeds: feeds with at least one sub-stream
// that has not been written for longer than the stale window.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

const (
	DefaultStaleWindow    = 10 * time.Minute
	DefaultAlertThreshold = 3

	// casAttempts bounds re-reads after a version conflict.
	casAttempts = 3

	// streamTimeout bounds the store calls for one feed.
	streamTimeout = 10 * time.Second
)

// Store is the part of storage.Store the monitor uses.
type Store interface {
	ScanAll(ctx context.Context) iter.Seq2[feed.StreamRecord, error]
	GetHealth(ctx context.Context, streamID string) (feed.StreamHealth, bool, error)
	PutHealth(ctx context.Context, h feed.StreamHealth) error
}

// Notifier receives alert and recovery messages.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Override struct {
	StaleWindow    time.Duration
	AlertThreshold int
}

type Config struct {
	StaleWindow    time.Duration
	AlertThreshold int
	// Streams overrides the window or threshold per top-level feed id.
	Streams map[string]Override
}

func (c Config) withDefaults() Config {
	if c.StaleWindow <= 0 {
		c.StaleWindow = DefaultStaleWindow
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = DefaultAlertThreshold
	}
	return c
}

func (c Config) limitsFor(streamID string) (time.Duration, int) {
	window, threshold := c.StaleWindow, c.AlertThreshold
	if o, ok := c.Streams[streamID]; ok {
		if o.StaleWindow > 0 {
			window = o.StaleWindow
		}
		if o.AlertThreshold > 0 {
			threshold = o.AlertThreshold
		}
	}
	return window, threshold
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithBus(bus eventbus.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

type Monitor struct {
	store    Store
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, store Store, notifier Notifier, log logx.Logger, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		store:    store,
		notifier: notifier,
		log:      log.With(logx.String("comp", "monitor")),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetConfig swaps thresholds; the next cycle uses them.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// StreamStatus is one feed's line in a Report.
type StreamStatus struct {
	StreamID   string    `json:"stream_id"`
	Frozen     bool      `json:"frozen"`
	Stale      []string  `json:"stale,omitempty"`
	OldestSeen time.Time `json:"oldest_seen"`
	ErrorCount int       `json:"error_count"`
	Sent       bool      `json:"sent"`
	Notice     string    `json:"notice,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Report struct {
	At        time.Time      `json:"at"`
	Took      time.Duration  `json:"took"`
	Frozen    int            `json:"frozen"`
	Alerts    int            `json:"alerts"`
	Recovered int            `json:"recovered"`
	Conflicts int            `json:"conflicts"`
	Failed    int            `json:"failed"`
	Streams   []StreamStatus `json:"streams"`
}

type observation struct {
	stale  []string
	oldest time.Time
}

// observe scans every record and groups it by top-level feed.
func (m *Monitor) observe(ctx context.Context, now time.Time, cfg Config) (map[string]*observation, error) {
	obs := map[string]*observation{}
	for rec, err := range m.store.ScanAll(ctx) {
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", feed.ErrStoreUnavailable, err)
		}
		feedID, sub, ok := feed.SplitKey(rec.ID)
		if !ok {
			m.log.Warn("skipping malformed stream key", logx.String("key", rec.ID))
			continue
		}
		o := obs[feedID]
		if o == nil {
			o = &observation{oldest: rec.LastSeenAt}
			obs[feedID] = o
		}
		if rec.LastSeenAt.Before(o.oldest) {
			o.oldest = rec.LastSeenAt
		}
		window, _ := cfg.limitsFor(feedID)
		if now.Sub(rec.LastSeenAt) > window {
			o.stale = append(o.stale, sub)
		}
	}
	for _, o := range obs {
		sort.Strings(o.stale)
	}
	return obs, nil
}

func sortedIDs(obs map[string]*observation) []string {
	ids := make([]string, 0, len(obs))
	for id := range obs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunCycle checks every feed once, persists the new health records and sends
// notifications for transitions.
//
// A failure on one feed is recorded in the report and does not stop the
// others. The returned error is set only when the records could not be read.
func (m *Monitor) RunCycle(ctx context.Context) (Report, error) {
	start := time.Now()
	now := m.now()
	cfg := m.config()
	rep := Report{At: now}

	obs, err := m.observe(ctx, now, cfg)
	if err != nil {
		m.log.Error("monitor cycle aborted", logx.Err(err))
		m.publish(eventbus.MonitorCycle, eventbus.CycleEvent{Took: time.Since(start), Error: err.Error()})
		return rep, err
	}

	// Once scanned, every feed is taken to completion even if ctx ends: a
	// committed transition must reach the notifier or it is lost for good.
	work := context.WithoutCancel(ctx)
	for _, id := range sortedIDs(obs) {
		o := obs[id]
		_, threshold := cfg.limitsFor(id)
		st := StreamStatus{StreamID: id, Frozen: len(o.stale) > 0, Stale: o.stale, OldestSeen: o.oldest}

		sctx, cancel := context.WithTimeout(work, streamTimeout)
		h, notice, conflicts, err := m.advance(sctx, id, st.Frozen, threshold, now)
		cancel()
		rep.Conflicts += conflicts
		if err != nil {
			rep.Failed++
			st.Error = err.Error()
			m.log.Warn("stream check failed", logx.String("stream", id), logx.Int("conflicts", conflicts), logx.Err(err))
			rep.Streams = append(rep.Streams, st)
			continue
		}
		st.ErrorCount, st.Sent = h.ErrorCount, h.Sent
		if notice != NoticeNone {
			st.Notice = notice.String()
		}
		if st.Frozen {
			rep.Frozen++
		}
		switch notice {
		case NoticeAlert:
			rep.Alerts++
			m.send(work, frozenMessage(id))
			m.publish(eventbus.StreamAlerted, eventbus.StreamEvent{StreamID: id, ErrorCount: h.ErrorCount})
		case NoticeRecovery:
			rep.Recovered++
			m.send(work, okMessage(id))
			m.publish(eventbus.StreamRecovered, eventbus.StreamEvent{StreamID: id})
		default:
			if st.Frozen && h.ErrorCount == 1 {
				m.publish(eventbus.StreamFrozen, eventbus.StreamEvent{StreamID: id, ErrorCount: 1})
			}
		}
		rep.Streams = append(rep.Streams, st)
	}

	rep.Took = time.Since(start)
	m.publish(eventbus.MonitorCycle, eventbus.CycleEvent{
		Streams:   len(rep.Streams),
		Frozen:    rep.Frozen,
		Alerts:    rep.Alerts,
		Conflicts: rep.Conflicts,
		Took:      rep.Took,
	})
	m.log.Debug("monitor cycle",
		logx.Int("streams", len(rep.Streams)),
		logx.Int("frozen", rep.Frozen),
		logx.Int("alerts", rep.Alerts),
		logx.Int("recovered", rep.Recovered),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}

// advance runs the read, transition, compare-and-swap loop for one feed. Only
// a successful write returns a notice, so a cycle that lost the race to a
// concurrent one stays silent.
func (m *Monitor) advance(ctx context.Context, id string, frozen bool, threshold int, now time.Time) (feed.StreamHealth, Notice, int, error) {
	conflicts := 0
	for range casAttempts {
		prev, ok, err := m.store.GetHealth(ctx, id)
		if err != nil {
			return feed.StreamHealth{}, NoticeNone, conflicts, fmt.Errorf("%w: read health: %v", feed.ErrStoreUnavailable, err)
		}
		if !ok {
			prev = feed.StreamHealth{StreamID: id}
		}
		next, notice := Advance(prev, frozen, threshold)
		if ok && next == prev {
			return prev, NoticeNone, conflicts, nil
		}
		next.UpdatedAt = now
		err = m.store.PutHealth(ctx, next)
		if err == nil {
			next.Version++
			return next, notice, conflicts, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return feed.StreamHealth{}, NoticeNone, conflicts, fmt.Errorf("%w: write health: %v", feed.ErrStoreUnavailable, err)
		}
		conflicts++
	}
	return feed.StreamHealth{}, NoticeNone, conflicts, fmt.Errorf("%w: %d attempts", storage.ErrConflict, casAttempts)
}

func (m *Monitor) send(ctx context.Context, msg string) {
	if m.notifier == nil {
		m.log.Info("notification", logx.String("msg", msg))
		return
	}
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.log.Warn("notification failed", logx.String("msg", msg), logx.Err(err))
	}
}

// Evaluate classifies every feed against the stored health without writing
// anything or notifying. Notice shows what the next cycle would do.
func (m *Monitor) Evaluate(ctx context.Context) (Report, error) {
	start := time.Now()
	now := m.now()
	cfg := m.config()
	rep := Report{At: now}

	obs, err := m.observe(ctx, now, cfg)
	if err != nil {
		return rep, err
	}
	for _, id := range sortedIDs(obs) {
		o := obs[id]
		_, threshold := cfg.limitsFor(id)
		st := StreamStatus{StreamID: id, Frozen: len(o.stale) > 0, Stale: o.stale, OldestSeen: o.oldest}
		prev, ok, err := m.store.GetHealth(ctx, id)
		if err != nil {
			rep.Failed++
			st.Error = err.Error()
			rep.Streams = append(rep.Streams, st)
			continue
		}
		if !ok {
			prev = feed.StreamHealth{StreamID: id}
		}
		next, notice := Advance(prev, st.Frozen, threshold)
		st.ErrorCount, st.Sent = prev.ErrorCount, prev.Sent
		if notice != NoticeNone {
			st.Notice = notice.String()
		}
		if st.Frozen {
			rep.Frozen++
		}
		if next.Sent && !prev.Sent {
			rep.Alerts++
		}
		if notice == NoticeRecovery {
			rep.Recovered++
		}
		rep.Streams = append(rep.Streams, st)
	}
	rep.Took = time.Since(start)
	return rep, nil
}

func (m *Monitor) publish(typ string, data any) {
	eventbus.Emit(m.bus, typ, data)
}
