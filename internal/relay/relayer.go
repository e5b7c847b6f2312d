package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedrelay/internal/feed"
	"feedrelay/internal/task/engine"
	logx "feedrelay/pkg/logx"
)

const (
	// HeaderAPIKey carries the upstream API key on both the inbound and the
	// relayed request.
	HeaderAPIKey = "X-ApiKey"

	DefaultRelayTimeout = 10 * time.Second
	DefaultDialTimeout  = 5 * time.Second
)

// Relayer performs one delivery attempt. It never retries; redelivery is the
// queue's job. Replaying a job is safe: a feed update overwrites the same
// upstream resource.
type Relayer interface {
	Relay(ctx context.Context, job feed.RelayJob) error
}

// StatusError is returned for a non-2xx upstream answer. It wraps
// feed.ErrRelayFailed.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return feed.ErrRelayFailed }

type HTTPConfig struct {
	// Endpoint is the upstream base URL, e.g. "https://api.example.com".
	Endpoint string
	// APIKey, when set, replaces the caller-supplied key on every relay.
	APIKey string
	// Timeout bounds one whole attempt (connect, send, response headers).
	Timeout time.Duration
	// DialTimeout bounds connection setup.
	DialTimeout time.Duration
}

// HTTPRelayer PUTs the job body to the upstream feed API.
type HTTPRelayer struct {
	base    *url.URL
	apiKey  string
	timeout time.Duration
	client  *http.Client
	log     logx.Logger
}

// NewHTTPRelayer builds a relayer. A nil client gets a dedicated transport
// honouring cfg.DialTimeout.
func NewHTTPRelayer(cfg HTTPConfig, client *http.Client, log logx.Logger) (*HTTPRelayer, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRelayTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
		tr.TLSHandshakeTimeout = cfg.DialTimeout
		client = &http.Client{Transport: tr}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPRelayer{base: base, apiKey: cfg.APIKey, timeout: cfg.Timeout, client: client, log: log}, nil
}

// URL returns the upstream URL for job.
func (r *HTTPRelayer) URL(job feed.RelayJob) string {
	p := "/v2/feeds/" + url.PathEscape(job.FeedID)
	if job.Datastream != "" {
		p += "/datastreams/" + url.PathEscape(job.Datastream) + "/datapoints"
	}
	return r.base.String() + p
}

func (r *HTTPRelayer) Relay(ctx context.Context, job feed.RelayJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.URL(job), bytes.NewReader(job.Body))
	if err != nil {
		return engine.NoRetry(fmt.Errorf("%w: build request: %v", feed.ErrRelayFailed, err))
	}
	key := job.AuthKey
	if r.apiKey != "" {
		key = r.apiKey
	}
	req.Header.Set(HeaderAPIKey, key)
	ct := job.ContentType
	if ct == "" {
		ct = feed.ContentTypeCSV
	}
	req.Header.Set("Content-Type", ct)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", feed.ErrRelayFailed, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	r.log.Debug("relay attempt",
		logx.String("job", job.ID),
		logx.String("feed", job.FeedID),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp, strings.TrimSpace(string(snippet)))
}

func classifyStatus(resp *http.Response, body string) error {
	se := &StatusError{Code: resp.StatusCode, Body: body}
	// Every non-2xx is a failed attempt; the queue's retry budget decides
	// whether it is replayed.
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return engine.RetryAfter(se, d)
		}
	}
	return se
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// StatusCode extracts the upstream status from a relay error, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
