// Package ingest accepts feed writes: it records freshness synchronously and
// hands the raw body to the relay queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
)

// Recorder is the part of storage.Store ingest writes to.
type Recorder interface {
	Upsert(ctx context.Context, id string, at time.Time, value string) error
}

// Enqueuer is the relay queue as seen by ingest.
type Enqueuer interface {
	Enqueue(ctx context.Context, job feed.RelayJob) error
}

type Deps struct {
	Store    Recorder
	Queue    Enqueuer
	Decoders *feed.Decoders
	Bus      eventbus.Bus
	Log      logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to random UUIDs.
	NewID func() string
}

type Handler struct {
	store    Recorder
	queue    Enqueuer
	decoders *feed.Decoders
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	newID    func() string

	allowed atomic.Pointer[map[string]struct{}]
}

func New(d Deps) *Handler {
	if d.Decoders == nil {
		d.Decoders = feed.NewDecoders()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.NewString() }
	}
	return &Handler{
		store:    d.Store,
		queue:    d.Queue,
		decoders: d.Decoders,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "ingest")),
		now:      d.Now,
		newID:    d.NewID,
	}
}

// SetAllowedKeys restricts accepted API keys. An empty list accepts any
// non-empty key. Safe to call while serving.
func (h *Handler) SetAllowedKeys(keys []string) {
	if len(keys) == 0 {
		h.allowed.Store(nil)
		return
	}
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = struct{}{}
		}
	}
	h.allowed.Store(&m)
}

func (h *Handler) authorized(key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	m := h.allowed.Load()
	if m == nil || len(*m) == 0 {
		return true
	}
	_, ok := (*m)[key]
	return ok
}

// Ingest validates u, upserts one StreamRecord per decoded sample and
// enqueues exactly one RelayJob carrying the raw body.
//
// Nothing is written when validation or decoding fails. A content type
// without a decoder is still relayed, only untracked.
func (h *Handler) Ingest(ctx context.Context, u feed.Update) (feed.Accepted, error) {
	if len(u.Body) == 0 {
		return h.reject(u, fmt.Errorf("%w: empty body", feed.ErrInvalidInput))
	}
	if err := feed.ValidateFeedID(u.FeedID); err != nil {
		return h.reject(u, err)
	}
	if u.Datastream != "" && strings.TrimSpace(u.Datastream) == "" {
		return h.reject(u, fmt.Errorf("%w: datastream id is blank", feed.ErrInvalidInput))
	}
	if !h.authorized(u.AuthKey) {
		return h.reject(u, feed.ErrUnauthorized)
	}

	tracked := true
	samples, err := h.decoders.Decode(u.ContentType, u.Body, u.Datastream)
	switch {
	case err == nil:
	case errors.Is(err, feed.ErrUnsupported):
		tracked = false
		h.log.Info("untracked content type, relaying only", logx.String("feed", u.FeedID), logx.Err(err))
	case errors.Is(err, feed.ErrInvalidInput):
		return h.reject(u, err)
	default:
		return h.reject(u, fmt.Errorf("%w: %v", feed.ErrInvalidInput, err))
	}

	now := h.now()
	for _, s := range samples {
		if err := h.store.Upsert(ctx, feed.ComposeKey(u.FeedID, s.ID), now, s.Value); err != nil {
			h.log.Error("stream upsert failed", logx.String("feed", u.FeedID), logx.String("stream", s.ID), logx.Err(err))
			return h.reject(u, fmt.Errorf("%w: %v", feed.ErrStoreUnavailable, err))
		}
	}

	job := feed.RelayJob{
		ID:          h.newID(),
		FeedID:      u.FeedID,
		Datastream:  u.Datastream,
		AuthKey:     u.AuthKey,
		ContentType: u.ContentType,
		Body:        u.Body,
		EnqueuedAt:  now,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		h.log.Error("relay enqueue failed", logx.String("feed", u.FeedID), logx.Err(err))
		if !errors.Is(err, feed.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %v", feed.ErrQueueUnavailable, err)
		}
		return h.reject(u, err)
	}

	acc := feed.Accepted{JobID: job.ID, Records: len(samples), Tracked: tracked}
	h.publish(eventbus.IngestAccepted, eventbus.IngestEvent{FeedID: u.FeedID, JobID: job.ID, Records: acc.Records, Tracked: tracked})
	if h.log.Enabled(logx.LevelDebug) {
		h.log.Debug("ingest accepted",
			logx.String("feed", u.FeedID),
			logx.String("datastream", u.Datastream),
			logx.String("job", job.ID),
			logx.Int("records", acc.Records),
			logx.Int("bytes", len(u.Body)),
		)
	}
	return acc, nil
}

func (h *Handler) reject(u feed.Update, err error) (feed.Accepted, error) {
	h.publish(eventbus.IngestRejected, eventbus.IngestEvent{FeedID: u.FeedID, Reason: reason(err)})
	return feed.Accepted{}, err
}

// reason is a short label for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, feed.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, feed.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, feed.ErrStoreUnavailable):
		return "store"
	case errors.Is(err, feed.ErrQueueUnavailable):
		return "queue"
	default:
		return "other"
	}
}

func (h *Handler) publish(typ string, ev eventbus.IngestEvent) {
	eventbus.Emit(h.bus, typ, ev)
}
