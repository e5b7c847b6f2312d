package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/eventbus"
	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name  string
	fails atomic.Int32 // remaining failures
	mu    sync.Mutex
	sent  []string
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, text string) error {
	if f.fails.Add(-1) >= 0 {
		return errors.New("transport down")
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func startService(t *testing.T, cfg Config, senders ...kit.Sender) (*Service, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	s := New(cfg, senders, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, events
}

func waitFor(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.NotifyEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e.Data.(eventbus.NotifyEvent)
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return eventbus.NotifyEvent{}
		}
	}
}

func TestNotifyDeliversToEverySender(t *testing.T) {
	t.Parallel()
	a, b := &fakeSender{name: "a"}, &fakeSender{name: "b"}
	s, events := startService(t, Config{}, a, b)

	require.NoError(t, s.Notify(context.Background(), "Stream F Frozen"))
	waitFor(t, events, eventbus.NotifySent)
	waitFor(t, events, eventbus.NotifySent)

	assert.Equal(t, []string{"Stream F Frozen"}, a.Sent())
	assert.Equal(t, []string{"Stream F Frozen"}, b.Sent())
	assert.Len(t, s.Snapshot(), 2)
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "flaky"}
	snd.fails.Store(2)
	s, events := startService(t, Config{RetryMax: 3}, snd)

	require.NoError(t, s.Notify(context.Background(), "Stream F OK"))
	waitFor(t, events, eventbus.NotifySent)
	assert.Equal(t, []string{"Stream F OK"}, snd.Sent())
}

func TestNotifyGivesUpQuietly(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "down"}
	snd.fails.Store(100)
	s, events := startService(t, Config{RetryMax: 1}, snd)

	require.NoError(t, s.Notify(context.Background(), "Stream F Frozen"))
	ev := waitFor(t, events, eventbus.NotifyFailed)
	assert.Equal(t, "down", ev.Sender)
	assert.Contains(t, ev.Error, "transport down")

	hist := s.Snapshot()
	require.Len(t, hist, 1)
	assert.NotEmpty(t, hist[0].Error)
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "a"}
	s, events := startService(t, Config{DedupWindow: time.Hour}, snd)

	require.NoError(t, s.Notify(context.Background(), "Stream F Frozen"))
	require.NoError(t, s.Notify(context.Background(), "Stream F Frozen"))
	waitFor(t, events, eventbus.NotifyDeduped)
	require.NoError(t, s.Notify(context.Background(), "Stream F OK"))

	require.Eventually(t, func() bool { return len(snd.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"Stream F Frozen", "Stream F OK"}, snd.Sent())
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "a"}

	off := New(Config{}, []kit.Sender{snd}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Notify(context.Background(), "x"), ErrDisabled)

	notStarted := New(Config{Enabled: true}, []kit.Sender{snd}, logx.Nop(), nil)
	assert.ErrorIs(t, notStarted.Notify(context.Background(), "x"), ErrStopped)

	s, _ := startService(t, Config{}, snd)
	assert.NoError(t, s.Notify(context.Background(), "   "))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(context.Background(), "x"), ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for i := 0; i < 20; i++ {
		d := retryDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, 130*time.Millisecond)
		assert.LessOrEqual(t, retryDelay(cfg, 10), time.Second)
	}
}
