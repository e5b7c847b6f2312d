package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"feedrelay/internal/feed"
	"feedrelay/internal/monitor"
	"feedrelay/internal/relay"
	logx "feedrelay/pkg/logx"
)

type Ingester interface {
	Ingest(ctx context.Context, u feed.Update) (feed.Accepted, error)
}

type CycleRunner interface {
	RunCycle(ctx context.Context) (monitor.Report, error)
}

// StreamLister is the read side of storage.Store used by /admin/streams.
type StreamLister interface {
	ScanAll(ctx context.Context) iter.Seq2[feed.StreamRecord, error]
	ScanHealth(ctx context.Context) iter.Seq2[feed.StreamHealth, error]
}

type Deps struct {
	Ingest  Ingester
	Relayer relay.Relayer
	Monitor CycleRunner
	Streams StreamLister
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
	// Ready reports readiness for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	Now   func() time.Time
	Log   logx.Logger
}

type handlers struct {
	cfg Config
	d   Deps
	log logx.Logger
}

// NewRouter builds the full handler tree including request-id and access log
// middleware.
func NewRouter(cfg Config, d Deps) http.Handler {
	cfg = cfg.withDefaults()
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{cfg: cfg, d: d, log: d.Log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.epoch)
	mux.HandleFunc("PUT /v2/feeds/{feedid}", h.putFeed)
	mux.HandleFunc("PUT /v2/feeds/{feedid}/datastreams/{datastream}/datapoints", h.putFeed)
	mux.HandleFunc("GET /healthz", h.healthz)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	admin := func(fn http.HandlerFunc) http.HandlerFunc { return adminOnly(cfg.AdminToken, fn) }
	mux.HandleFunc("POST /admin/relay", admin(h.adminRelay))
	mux.HandleFunc("POST /admin/monitor", admin(h.adminMonitor))
	mux.HandleFunc("GET /admin/streams", admin(h.adminStreams))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", admin(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", admin(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", admin(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", admin(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", admin(hpprof.Trace))
	}

	return RequestID(AccessLog(d.Log)(mux))
}

// epoch answers with the current unix time so constrained clients can set
// their clocks.
func (h *handlers) epoch(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, strconv.FormatInt(h.d.Now().Unix(), 10))
}

func (h *handlers) putFeed(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(body) == 0 {
		writeText(w, http.StatusBadRequest, "No Data")
		return
	}
	u := feed.Update{
		FeedID:      r.PathValue("feedid"),
		Datastream:  r.PathValue("datastream"),
		AuthKey:     r.Header.Get(relay.HeaderAPIKey),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	}
	if _, err := h.d.Ingest.Ingest(r.Context(), u); err != nil {
		h.log.Debug("feed write rejected",
			logx.String("feed", u.FeedID),
			logx.String("request_id", GetRequestID(r.Context())),
			logx.Err(err),
		)
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "OK")
}

// adminRelay performs one relay attempt for a push-style queue. It always
// answers 200 so the caller never redelivers because of the upstream answer.
func (h *handlers) adminRelay(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.log.Warn("admin relay: unreadable body", logx.Err(err))
		writeText(w, http.StatusOK, "OK")
		return
	}
	var job feed.RelayJob
	if err := json.Unmarshal(body, &job); err != nil || job.FeedID == "" {
		h.log.Warn("admin relay: malformed job", logx.Int("bytes", len(body)), logx.Err(err))
		writeText(w, http.StatusOK, "OK")
		return
	}
	if h.d.Relayer == nil {
		h.log.Warn("admin relay: no relayer configured", logx.String("feed", job.FeedID))
		writeText(w, http.StatusOK, "OK")
		return
	}
	if err := h.d.Relayer.Relay(r.Context(), job); err != nil {
		h.log.Warn("admin relay failed",
			logx.String("feed", job.FeedID),
			logx.String("job", job.ID),
			logx.Int("status", relay.StatusCode(err)),
			logx.Err(err),
		)
	}
	writeText(w, http.StatusOK, "OK")
}

func (h *handlers) adminMonitor(w http.ResponseWriter, r *http.Request) {
	if h.d.Monitor == nil {
		http.Error(w, "monitor not configured", http.StatusServiceUnavailable)
		return
	}
	rep, err := h.d.Monitor.RunCycle(r.Context())
	if err != nil {
		h.log.Warn("manual monitor cycle failed", logx.Err(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type streamsResponse struct {
	Records []feed.StreamRecord `json:"records"`
	Health  []feed.StreamHealth `json:"health"`
}

func (h *handlers) adminStreams(w http.ResponseWriter, r *http.Request) {
	if h.d.Streams == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	out := streamsResponse{Records: []feed.StreamRecord{}, Health: []feed.StreamHealth{}}
	for rec, err := range h.d.Streams.ScanAll(r.Context()) {
		if err != nil {
			writeError(w, errors.Join(feed.ErrStoreUnavailable, err))
			return
		}
		out.Records = append(out.Records, rec)
	}
	for hl, err := range h.d.Streams.ScanHealth(r.Context()) {
		if err != nil {
			writeError(w, errors.Join(feed.ErrStoreUnavailable, err))
			return
		}
		out.Health = append(out.Health, hl)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.d.Ready != nil {
		if err := h.d.Ready(r.Context()); err != nil {
			writeText(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeText(w, http.StatusOK, "ok")
}

func (h *handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, errors.Join(feed.ErrInvalidInput, err)
	}
	return body, nil
}
