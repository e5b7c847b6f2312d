package relay

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/storage"
	"feedrelay/internal/task/engine"
	logx "feedrelay/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFunc func(ctx context.Context, job feed.RelayJob) error

func (f relayFunc) Relay(ctx context.Context, job feed.RelayJob) error { return f(ctx, job) }

type queueFixture struct {
	q     *LocalQueue
	store storage.Store
	eng   *engine.Service
	bus   eventbus.Bus
}

func newQueue(t *testing.T, retryMax int, r Relayer) *queueFixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	q := NewLocalQueue(LocalConfig{
		RetryMax:      retryMax,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		RelayTimeout:  time.Second,
	}, st, eng, r, bus, logx.Nop())
	return &queueFixture{q: q, store: st, eng: eng, bus: bus}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.RelayEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e.Data.(eventbus.RelayEvent)
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return eventbus.RelayEvent{}
		}
	}
}

func pending(t *testing.T, st storage.Store) []feed.RelayJob {
	t.Helper()
	jobs, err := st.PendingRelayJobs(context.Background())
	require.NoError(t, err)
	return jobs
}

func TestLocalQueueDeliversAndForgets(t *testing.T) {
	t.Parallel()
	got := make(chan feed.RelayJob, 1)
	f := newQueue(t, 3, relayFunc(func(ctx context.Context, job feed.RelayJob) error {
		got <- job
		return nil
	}))
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	job := feed.RelayJob{ID: "j1", FeedID: "F", AuthKey: "k", Body: []byte("s1,10")}
	require.NoError(t, f.q.Enqueue(context.Background(), job))

	relayed := <-got
	assert.Equal(t, "F", relayed.FeedID)
	assert.Equal(t, 1, relayed.Attempts)
	ev := waitEvent(t, events, eventbus.RelayDelivered)
	assert.Equal(t, "j1", ev.JobID)
	assert.Empty(t, pending(t, f.store))
}

func TestLocalQueueRetriesThenDrops(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := newQueue(t, 2, relayFunc(func(ctx context.Context, job feed.RelayJob) error {
		calls.Add(1)
		return &StatusError{Code: 500}
	}))
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	require.NoError(t, f.q.Enqueue(context.Background(), feed.RelayJob{ID: "j2", FeedID: "F"}))

	ev := waitEvent(t, events, eventbus.RelayDropped)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, 500, ev.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, pending(t, f.store))
}

func TestLocalQueuePermanentFailureDropsAtOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := newQueue(t, 5, relayFunc(func(ctx context.Context, job feed.RelayJob) error {
		calls.Add(1)
		return engine.NoRetry(&StatusError{Code: 404})
	}))
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	require.NoError(t, f.q.Enqueue(context.Background(), feed.RelayJob{ID: "j3", FeedID: "F"}))

	ev := waitEvent(t, events, eventbus.RelayDropped)
	assert.Equal(t, 404, ev.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, pending(t, f.store))
}

func TestLocalQueueRetriesClientErrors(t *testing.T) {
	t.Parallel()
	srv, hits := upstream(t, http.StatusNotFound, nil)
	f := newQueue(t, 2, newRelayer(t, HTTPConfig{Endpoint: srv.URL}))
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	require.NoError(t, f.q.Enqueue(context.Background(), feed.RelayJob{ID: "j4", FeedID: "F"}))

	ev := waitEvent(t, events, eventbus.RelayDropped)
	assert.Equal(t, http.StatusNotFound, ev.Status)
	assert.Equal(t, 3, ev.Attempts)
	assert.Len(t, hits, 3)
	assert.Empty(t, pending(t, f.store))
}

func TestLocalQueueReplaysJournalOnStart(t *testing.T) {
	t.Parallel()
	got := make(chan string, 4)
	f := newQueue(t, 3, relayFunc(func(ctx context.Context, job feed.RelayJob) error {
		got <- job.ID
		return nil
	}))
	ctx := context.Background()
	require.NoError(t, f.store.PutRelayJob(ctx, feed.RelayJob{ID: "old-1", FeedID: "F", EnqueuedAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, f.store.PutRelayJob(ctx, feed.RelayJob{ID: "old-2", FeedID: "G", EnqueuedAt: time.Now()}))

	require.NoError(t, f.q.Start(ctx))

	seen := map[string]bool{}
	for range 2 {
		select {
		case id := <-got:
			seen[id] = true
		case <-time.After(3 * time.Second):
			t.Fatal("journal not replayed")
		}
	}
	assert.True(t, seen["old-1"])
	assert.True(t, seen["old-2"])
	require.Eventually(t, func() bool { return len(pending(t, f.store)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestLocalQueueHonoursAttemptsAcrossRestarts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := newQueue(t, 2, relayFunc(func(ctx context.Context, job feed.RelayJob) error {
		calls.Add(1)
		return errors.New("upstream down")
	}))
	events, unsub := f.bus.Subscribe(32)
	defer unsub()
	ctx := context.Background()

	// Two attempts already spent before the restart: one left.
	require.NoError(t, f.store.PutRelayJob(ctx, feed.RelayJob{ID: "half", FeedID: "F", Attempts: 2}))
	require.NoError(t, f.q.Start(ctx))
	ev := waitEvent(t, events, eventbus.RelayDropped)
	assert.Equal(t, "half", ev.JobID)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	// Budget already exhausted: dropped without another attempt.
	require.NoError(t, f.store.PutRelayJob(ctx, feed.RelayJob{ID: "spent", FeedID: "F", Attempts: 3}))
	_, err := f.q.Sweep(ctx)
	require.NoError(t, err)
	ev = waitEvent(t, events, eventbus.RelayDropped)
	assert.Equal(t, "spent", ev.JobID)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, pending(t, f.store))
}

func TestLocalQueueKeepsJobWhenEngineIsDown(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	// Never started: Enqueue on the engine fails with ErrStopped.
	eng := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	q := NewLocalQueue(LocalConfig{RetryMax: 1}, st, eng, relayFunc(func(context.Context, feed.RelayJob) error { return nil }), nil, logx.Nop())

	require.NoError(t, q.Enqueue(context.Background(), feed.RelayJob{ID: "kept", FeedID: "F"}))
	jobs := pending(t, st)
	require.Len(t, jobs, 1)
	assert.Equal(t, "kept", jobs[0].ID)
	assert.False(t, jobs[0].EnqueuedAt.IsZero())
}

type brokenJournal struct{}

func (brokenJournal) PutRelayJob(context.Context, feed.RelayJob) error { return storage.ErrClosed }
func (brokenJournal) DeleteRelayJob(context.Context, string) error     { return storage.ErrClosed }
func (brokenJournal) PendingRelayJobs(context.Context) ([]feed.RelayJob, error) {
	return nil, storage.ErrClosed
}

func TestLocalQueueJournalFailure(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	q := NewLocalQueue(LocalConfig{}, brokenJournal{}, eng, relayFunc(func(context.Context, feed.RelayJob) error { return nil }), nil, logx.Nop())

	err := q.Enqueue(context.Background(), feed.RelayJob{ID: "x", FeedID: "F"})
	assert.ErrorIs(t, err, feed.ErrQueueUnavailable)

	err = q.Enqueue(context.Background(), feed.RelayJob{FeedID: "F"})
	assert.ErrorIs(t, err, feed.ErrQueueUnavailable)

	_, err = q.Sweep(context.Background())
	assert.ErrorIs(t, err, feed.ErrQueueUnavailable)
}
