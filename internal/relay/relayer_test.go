package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedrelay/internal/feed"
	"feedrelay/internal/task/engine"
	logx "feedrelay/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method, path, key, contentType, body string
}

func upstream(t *testing.T, status int, hdr map[string]string) (*httptest.Server, <-chan captured) {
	t.Helper()
	ch := make(chan captured, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- captured{
			method:      r.Method,
			path:        r.URL.EscapedPath(),
			key:         r.Header.Get(HeaderAPIKey),
			contentType: r.Header.Get("Content-Type"),
			body:        string(b),
		}
		for k, v := range hdr {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("upstream says hi"))
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func newRelayer(t *testing.T, cfg HTTPConfig) *HTTPRelayer {
	t.Helper()
	r, err := NewHTTPRelayer(cfg, nil, logx.Nop())
	require.NoError(t, err)
	return r
}

func TestRelayPutsFeedUpdate(t *testing.T) {
	t.Parallel()
	srv, got := upstream(t, http.StatusOK, nil)
	r := newRelayer(t, HTTPConfig{Endpoint: srv.URL + "/"})

	err := r.Relay(context.Background(), feed.RelayJob{ID: "j1", FeedID: "F", AuthKey: "k1", Body: []byte("s1,10\ns2,20")})
	require.NoError(t, err)

	c := <-got
	assert.Equal(t, http.MethodPut, c.method)
	assert.Equal(t, "/v2/feeds/F", c.path)
	assert.Equal(t, "k1", c.key)
	assert.Equal(t, feed.ContentTypeCSV, c.contentType)
	assert.Equal(t, "s1,10\ns2,20", c.body)
}

func TestRelayDatapointsAndKeyOverride(t *testing.T) {
	t.Parallel()
	srv, got := upstream(t, http.StatusNoContent, nil)
	r := newRelayer(t, HTTPConfig{Endpoint: srv.URL, APIKey: "service-key"})

	job := feed.RelayJob{ID: "j2", FeedID: "F 1", Datastream: "temp", AuthKey: "client", ContentType: "application/json", Body: []byte(`{"v":1}`)}
	require.NoError(t, r.Relay(context.Background(), job))

	c := <-got
	assert.Equal(t, "/v2/feeds/F%201/datastreams/temp/datapoints", c.path)
	assert.Equal(t, "service-key", c.key)
	assert.Equal(t, "application/json", c.contentType)
	assert.Equal(t, srv.URL+"/v2/feeds/F%201/datastreams/temp/datapoints", r.URL(job))
}

func TestRelayStatusClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		hdr    map[string]string
		after  time.Duration
	}{
		{name: "server error retries", status: http.StatusInternalServerError},
		{name: "not found retries", status: http.StatusNotFound},
		{name: "unauthorized retries", status: http.StatusUnauthorized},
		{name: "bad request retries", status: http.StatusBadRequest},
		{name: "rate limited honours hint", status: http.StatusTooManyRequests, hdr: map[string]string{"Retry-After": "2"}, after: 2 * time.Second},
		{name: "unavailable without hint", status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := upstream(t, tc.status, tc.hdr)
			r := newRelayer(t, HTTPConfig{Endpoint: srv.URL})

			err := r.Relay(context.Background(), feed.RelayJob{ID: "j", FeedID: "F"})
			require.Error(t, err)
			assert.ErrorIs(t, err, feed.ErrRelayFailed)
			assert.Equal(t, tc.status, StatusCode(err))
			assert.False(t, engine.IsNoRetry(err), "retry budget applies to every status")

			var ra engine.RetryAfterError
			if tc.after > 0 {
				require.True(t, errors.As(err, &ra))
				assert.Equal(t, tc.after, ra.RetryAfter())
			} else {
				assert.False(t, errors.As(err, &ra))
			}
		})
	}
}

func TestRelayTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	r := newRelayer(t, HTTPConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})

	start := time.Now()
	err := r.Relay(context.Background(), feed.RelayJob{ID: "j", FeedID: "F"})
	require.Error(t, err)
	assert.ErrorIs(t, err, feed.ErrRelayFailed)
	assert.False(t, engine.IsNoRetry(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewHTTPRelayerRejectsBadEndpoint(t *testing.T) {
	t.Parallel()
	for _, ep := range []string{"", "not a url", "/relative/only"} {
		_, err := NewHTTPRelayer(HTTPConfig{Endpoint: ep}, nil, logx.Nop())
		assert.Error(t, err, ep)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("30", now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	d, ok = parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, d)

	for _, v := range []string{"", "-1", "soon"} {
		_, ok = parseRetryAfter(v, now)
		assert.False(t, ok, v)
	}
}
