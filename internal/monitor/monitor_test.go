package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

// Notify drops the message on a done ctx, as notifier.Service does.
func (r *recorder) Notify(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	m     *Monitor
	store storage.Store
	clk   *clock
	notes *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clk := &clock{t: t0}
	notes := &recorder{}
	return &fixture{
		m:     New(cfg, st, notes, logx.Nop(), WithClock(clk.Now)),
		store: st,
		clk:   clk,
		notes: notes,
	}
}

func (f *fixture) seen(t *testing.T, key string, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), key, at, "1"))
}

func (f *fixture) cycleAt(t *testing.T, at time.Time) Report {
	t.Helper()
	f.clk.Set(at)
	rep, err := f.m.RunCycle(context.Background())
	require.NoError(t, err)
	return rep
}

func (f *fixture) health(t *testing.T, id string) feed.StreamHealth {
	t.Helper()
	h, ok, err := f.store.GetHealth(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return h
}

func TestAdvance(t *testing.T) {
	t.Parallel()
	fresh := feed.StreamHealth{StreamID: "F"}

	next, n := Advance(fresh, true, 3)
	assert.Equal(t, NoticeNone, n)
	assert.True(t, next.Frozen)
	assert.Equal(t, 1, next.ErrorCount)

	next.ErrorCount = 3
	next, n = Advance(next, true, 3)
	assert.Equal(t, NoticeAlert, n)
	assert.True(t, next.Sent)
	assert.Equal(t, 4, next.ErrorCount)

	next, n = Advance(next, true, 3)
	assert.Equal(t, NoticeNone, n)
	assert.Equal(t, 5, next.ErrorCount)

	next, n = Advance(next, false, 3)
	assert.Equal(t, NoticeRecovery, n)
	assert.Equal(t, feed.StreamHealth{StreamID: "F"}, next)

	next, n = Advance(fresh, false, 3)
	assert.Equal(t, NoticeNone, n)
	assert.Equal(t, fresh, next)
}

func TestFirstCheckCreatesHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seen(t, "F:s1", t0)

	rep := f.cycleAt(t, t0.Add(time.Minute))
	require.Len(t, rep.Streams, 1)
	assert.False(t, rep.Streams[0].Frozen)

	h := f.health(t, "F")
	assert.False(t, h.Frozen)
	assert.Zero(t, h.ErrorCount)
	assert.Equal(t, int64(1), h.Version)

	// Nothing changed: no further write.
	f.cycleAt(t, t0.Add(2*time.Minute))
	assert.Equal(t, int64(1), f.health(t, "F").Version)
	assert.Empty(t, f.notes.Messages())
}

func TestStaleAfterWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seen(t, "F:s1", t0)

	rep := f.cycleAt(t, t0.Add(10*time.Minute))
	assert.Zero(t, rep.Frozen, "exactly the window is still fresh")

	rep = f.cycleAt(t, t0.Add(11*time.Minute))
	assert.Equal(t, 1, rep.Frozen)
	h := f.health(t, "F")
	assert.True(t, h.Frozen)
	assert.Equal(t, 1, h.ErrorCount)
	assert.False(t, h.Sent)
	assert.Empty(t, f.notes.Messages())
}

func TestAnyStaleSubStreamFreezesFeed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seen(t, "F:old", t0)
	f.seen(t, "F:new", t0.Add(20*time.Minute))
	f.seen(t, "G:new", t0.Add(20*time.Minute))

	rep := f.cycleAt(t, t0.Add(21*time.Minute))
	require.Len(t, rep.Streams, 2)
	assert.Equal(t, "F", rep.Streams[0].StreamID)
	assert.True(t, rep.Streams[0].Frozen)
	assert.Equal(t, []string{"old"}, rep.Streams[0].Stale)
	assert.False(t, rep.Streams[1].Frozen)
}

func TestAlertHysteresisAndRecovery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seen(t, "F:s1", t0)

	for i := 1; i <= 3; i++ {
		rep := f.cycleAt(t, t0.Add(time.Duration(10+i)*time.Minute))
		assert.Zero(t, rep.Alerts, "cycle %d", i)
	}
	assert.Empty(t, f.notes.Messages())

	rep := f.cycleAt(t, t0.Add(14*time.Minute))
	assert.Equal(t, 1, rep.Alerts)
	assert.Equal(t, []string{"Stream F Frozen"}, f.notes.Messages())
	h := f.health(t, "F")
	assert.Equal(t, 4, h.ErrorCount)
	assert.True(t, h.Sent)

	rep = f.cycleAt(t, t0.Add(15*time.Minute))
	assert.Zero(t, rep.Alerts)
	assert.Len(t, f.notes.Messages(), 1)
	assert.Equal(t, 5, f.health(t, "F").ErrorCount)

	f.seen(t, "F:s1", t0.Add(16*time.Minute))
	rep = f.cycleAt(t, t0.Add(16*time.Minute))
	assert.Equal(t, 1, rep.Recovered)
	assert.Equal(t, []string{"Stream F Frozen", "Stream F OK"}, f.notes.Messages())
	h = f.health(t, "F")
	assert.False(t, h.Frozen)
	assert.False(t, h.Sent)
	assert.Zero(t, h.ErrorCount)
}

func TestRecoveryAnnouncedWithoutPriorAlert(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seen(t, "F:s1", t0)
	f.cycleAt(t, t0.Add(11*time.Minute))

	f.seen(t, "F:s1", t0.Add(12*time.Minute))
	f.cycleAt(t, t0.Add(12*time.Minute))
	assert.Equal(t, []string{"Stream F OK"}, f.notes.Messages())
}

func TestPerStreamOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Streams: map[string]Override{
		"G": {StaleWindow: time.Minute, AlertThreshold: 1},
	}})
	f.seen(t, "F:s1", t0)
	f.seen(t, "G:s1", t0)

	rep := f.cycleAt(t, t0.Add(2*time.Minute))
	assert.Equal(t, 1, rep.Frozen)
	rep = f.cycleAt(t, t0.Add(3*time.Minute))
	assert.Equal(t, 1, rep.Alerts)
	assert.Equal(t, []string{"Stream G Frozen"}, f.notes.Messages())
}

func TestNotifyFailureKeepsState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AlertThreshold: 1})
	f.notes.err = errors.New("telegram down")
	f.seen(t, "F:s1", t0)

	f.cycleAt(t, t0.Add(11*time.Minute))
	rep := f.cycleAt(t, t0.Add(12*time.Minute))
	assert.Equal(t, 1, rep.Alerts)
	assert.True(t, f.health(t, "F").Sent)

	f.cycleAt(t, t0.Add(13*time.Minute))
	assert.Len(t, f.notes.Messages(), 1, "no resend after a failed notify")
}

// racingStore lets a concurrent writer win the first PutHealth for a stream.
type racingStore struct {
	storage.Store
	raced atomic.Bool
}

func (s *racingStore) PutHealth(ctx context.Context, h feed.StreamHealth) error {
	if s.raced.CompareAndSwap(false, true) {
		// Another cycle gets there first with the same transition.
		cur, ok, err := s.Store.GetHealth(ctx, h.StreamID)
		if err != nil {
			return err
		}
		if !ok {
			cur = feed.StreamHealth{StreamID: h.StreamID}
		}
		won := h
		won.Version = cur.Version
		if err := s.Store.PutHealth(ctx, won); err != nil {
			return err
		}
	}
	return s.Store.PutHealth(ctx, h)
}

func TestConflictRereadsAndStaysSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AlertThreshold: 1})
	f.seen(t, "F:s1", t0)
	f.cycleAt(t, t0.Add(11*time.Minute))

	rs := &racingStore{Store: f.store}
	m := New(Config{AlertThreshold: 1}, rs, f.notes, logx.Nop(), WithClock(f.clk.Now))
	f.clk.Set(t0.Add(12 * time.Minute))
	rep, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	// The racer already recorded the alert; the re-read moves on from there.
	assert.Equal(t, 1, rep.Conflicts)
	assert.Zero(t, rep.Alerts)
	assert.Empty(t, f.notes.Messages())
	h := f.health(t, "F")
	assert.True(t, h.Sent)
	assert.Equal(t, 3, h.ErrorCount)
}

// cancelOnWrite cancels the cycle ctx right after the first successful
// health write.
type cancelOnWrite struct {
	storage.Store
	cancel context.CancelFunc
	armed  atomic.Bool
}

func (s *cancelOnWrite) PutHealth(ctx context.Context, h feed.StreamHealth) error {
	if err := s.Store.PutHealth(ctx, h); err != nil {
		return err
	}
	if s.armed.CompareAndSwap(true, false) {
		s.cancel()
	}
	return nil
}

func TestCancelledCycleStillDeliversCommittedAlerts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AlertThreshold: 1})
	f.seen(t, "F:s1", t0)
	f.seen(t, "G:s1", t0)
	f.cycleAt(t, t0.Add(11*time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs := &cancelOnWrite{Store: f.store, cancel: cancel}
	cs.armed.Store(true)
	m := New(Config{AlertThreshold: 1}, cs, f.notes, logx.Nop(), WithClock(f.clk.Now))
	f.clk.Set(t0.Add(12 * time.Minute))

	rep, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Error(t, ctx.Err())
	assert.Equal(t, 2, rep.Alerts)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, []string{"Stream F Frozen", "Stream G Frozen"}, f.notes.Messages())
	assert.True(t, f.health(t, "F").Sent)
	assert.True(t, f.health(t, "G").Sent)
}

// brokenStream fails every health read and write for one feed.
type brokenStream struct {
	storage.Store
	id string
}

var errBroken = errors.New("disk on fire")

func (s *brokenStream) GetHealth(ctx context.Context, id string) (feed.StreamHealth, bool, error) {
	if id == s.id {
		return feed.StreamHealth{}, false, errBroken
	}
	return s.Store.GetHealth(ctx, id)
}

func (s *brokenStream) PutHealth(ctx context.Context, h feed.StreamHealth) error {
	if h.StreamID == s.id {
		return errBroken
	}
	return s.Store.PutHealth(ctx, h)
}

func TestStreamFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AlertThreshold: 1})
	f.seen(t, "A:s1", t0)
	f.seen(t, "B:s1", t0)
	m := New(Config{AlertThreshold: 1}, &brokenStream{Store: f.store, id: "A"}, f.notes, logx.Nop(), WithClock(f.clk.Now))

	f.clk.Set(t0.Add(11 * time.Minute))
	rep, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Frozen)

	f.clk.Set(t0.Add(12 * time.Minute))
	rep, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Alerts)
	assert.Equal(t, []string{"Stream B Frozen"}, f.notes.Messages())

	require.Len(t, rep.Streams, 2)
	assert.Equal(t, "A", rep.Streams[0].StreamID)
	assert.Contains(t, rep.Streams[0].Error, "disk on fire")
	assert.True(t, f.health(t, "B").Sent)
	_, ok, err := f.store.GetHealth(context.Background(), "A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentCyclesAlertOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AlertThreshold: 1})
	f.seen(t, "F:s1", t0)
	f.cycleAt(t, t0.Add(11*time.Minute))
	f.clk.Set(t0.Add(12 * time.Minute))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.m.RunCycle(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"Stream F Frozen"}, f.notes.Messages())
}

func TestEvaluateHasNoSideEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seen(t, "F:s1", t0)
	f.clk.Set(t0.Add(11 * time.Minute))

	rep, err := f.m.Evaluate(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Streams, 1)
	assert.True(t, rep.Streams[0].Frozen)

	_, ok, err := f.store.GetHealth(context.Background(), "F")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.notes.Messages())
}

func TestCyclePublishesEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AlertThreshold: 1})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	f.m = New(Config{AlertThreshold: 1}, f.store, f.notes, logx.Nop(), WithClock(f.clk.Now), WithBus(bus))
	f.seen(t, "F:s1", t0)

	f.cycleAt(t, t0.Add(11*time.Minute))
	f.cycleAt(t, t0.Add(12*time.Minute))

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{
		eventbus.StreamFrozen, eventbus.MonitorCycle,
		eventbus.StreamAlerted, eventbus.MonitorCycle,
	}, types)
}

func TestMalformedKeysAreSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seen(t, "nocolon", t0)
	f.seen(t, "F:s1", t0.Add(11*time.Minute))

	rep := f.cycleAt(t, t0.Add(11*time.Minute))
	require.Len(t, rep.Streams, 1)
	assert.Equal(t, "F", rep.Streams[0].StreamID)
}
