package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []feed.RelayJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job feed.RelayJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, string, time.Time, string) error {
	return errors.New("disk on fire")
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newHandler(t *testing.T) (*Handler, storage.Store, *fakeQueue) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	q := &fakeQueue{}
	h := New(Deps{
		Store: st,
		Queue: q,
		Now:   func() time.Time { return t0 },
		NewID: func() string { return "job-1" },
	})
	return h, st, q
}

func records(t *testing.T, st storage.Store) map[string]feed.StreamRecord {
	t.Helper()
	out := map[string]feed.StreamRecord{}
	for rec, err := range st.ScanAll(context.Background()) {
		require.NoError(t, err)
		out[rec.ID] = rec
	}
	return out
}

func TestIngestRecordsAndEnqueuesOnce(t *testing.T) {
	t.Parallel()
	h, st, q := newHandler(t)

	acc, err := h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "k", Body: []byte("s1,10\ns2,20")})
	require.NoError(t, err)
	assert.Equal(t, feed.Accepted{JobID: "job-1", Records: 2, Tracked: true}, acc)

	recs := records(t, st)
	require.Len(t, recs, 2)
	assert.Equal(t, "10", recs["F:s1"].LastValue)
	assert.Equal(t, "20", recs["F:s2"].LastValue)
	assert.True(t, recs["F:s1"].LastSeenAt.Equal(t0))

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, "F", job.FeedID)
	assert.Equal(t, "k", job.AuthKey)
	assert.Equal(t, "s1,10\ns2,20", string(job.Body))
	assert.True(t, job.EnqueuedAt.Equal(t0))
}

func TestIngestDatapoint(t *testing.T) {
	t.Parallel()
	h, st, q := newHandler(t)

	acc, err := h.Ingest(context.Background(), feed.Update{
		FeedID: "F", Datastream: "temp", AuthKey: "k", ContentType: "text/csv; charset=utf-8",
		Body: []byte("2024-03-01T10:00:00Z,21.5\n2024-03-01T10:00:05Z,21.7"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Records)
	assert.Equal(t, "21.7", records(t, st)["F:temp"].LastValue)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "temp", q.jobs[0].Datastream)
}

func TestIngestRejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		u    feed.Update
		want error
	}{
		{name: "empty body", u: feed.Update{FeedID: "F", AuthKey: "k"}, want: feed.ErrInvalidInput},
		{name: "empty feed", u: feed.Update{AuthKey: "k", Body: []byte("a,1")}, want: feed.ErrInvalidInput},
		{name: "feed with separator", u: feed.Update{FeedID: "F:x", AuthKey: "k", Body: []byte("a,1")}, want: feed.ErrInvalidInput},
		{name: "missing key", u: feed.Update{FeedID: "F", Body: []byte("a,1")}, want: feed.ErrUnauthorized},
		{name: "malformed csv", u: feed.Update{FeedID: "F", AuthKey: "k", Body: []byte("a,1\nnocomma")}, want: feed.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h, st, q := newHandler(t)
			_, err := h.Ingest(context.Background(), tc.u)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, records(t, st))
			assert.Empty(t, q.jobs)
		})
	}
}

func TestIngestAllowedKeys(t *testing.T) {
	t.Parallel()
	h, _, q := newHandler(t)
	h.SetAllowedKeys([]string{"good", " "})

	_, err := h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "bad", Body: []byte("a,1")})
	assert.ErrorIs(t, err, feed.ErrUnauthorized)

	_, err = h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "good", Body: []byte("a,1")})
	require.NoError(t, err)

	h.SetAllowedKeys(nil)
	_, err = h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "anything", Body: []byte("a,1")})
	require.NoError(t, err)
	assert.Len(t, q.jobs, 2)
}

func TestIngestUnsupportedTypeIsRelayedUntracked(t *testing.T) {
	t.Parallel()
	h, st, q := newHandler(t)

	acc, err := h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "k", ContentType: "application/json", Body: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.False(t, acc.Tracked)
	assert.Zero(t, acc.Records)
	assert.Empty(t, records(t, st))
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "application/json", q.jobs[0].ContentType)
}

func TestIngestStoreFailure(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	h := New(Deps{Store: failingStore{}, Queue: q})

	_, err := h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "k", Body: []byte("a,1")})
	assert.ErrorIs(t, err, feed.ErrStoreUnavailable)
	assert.Empty(t, q.jobs)
}

func TestIngestQueueFailure(t *testing.T) {
	t.Parallel()
	h, _, q := newHandler(t)
	q.err = errors.New("journal full")

	_, err := h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "k", Body: []byte("a,1")})
	assert.ErrorIs(t, err, feed.ErrQueueUnavailable)
}

func TestIngestPublishesEvents(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	h := New(Deps{Store: st, Queue: &fakeQueue{}, Bus: bus})

	_, err = h.Ingest(context.Background(), feed.Update{FeedID: "F", AuthKey: "k", Body: []byte("a,1")})
	require.NoError(t, err)
	_, err = h.Ingest(context.Background(), feed.Update{FeedID: "F", Body: []byte("a,1")})
	require.Error(t, err)

	e := <-events
	assert.Equal(t, eventbus.IngestAccepted, e.Type)
	assert.Equal(t, 1, e.Data.(eventbus.IngestEvent).Records)
	e = <-events
	assert.Equal(t, eventbus.IngestRejected, e.Type)
	assert.Equal(t, "unauthorized", e.Data.(eventbus.IngestEvent).Reason)
}
