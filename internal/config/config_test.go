package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  addr: "127.0.0.1:8080"
  admin_token: s3cret
upstream:
  endpoint: https://api.example.com
  api_key: upstream-key
  relay_timeout: 10s
auth:
  allowed_keys: [a, b]
relay:
  backend: jetstream
  retry_max: 0
  nats:
    url: nats://127.0.0.1:4222
monitor:
  stale_window: 10m
  alert_threshold: 3
  schedule: 1m
  streams:
    1234:
      stale_window: 1h
telegram:
  token: "123:abc"
  chats:
    - chat_id: -100123
      thread_id: 7
storage:
  driver: sqlite
  path: ./feedrelay.db
logging:
  level: debug
  console: true
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "https://api.example.com", cfg.Upstream.Endpoint)
	assert.Equal(t, []string{"a", "b"}, cfg.Auth.AllowedKeys)
	assert.Equal(t, "jetstream", cfg.Relay.Backend)
	require.NotNil(t, cfg.Relay.RetryMax)
	assert.Equal(t, 0, *cfg.Relay.RetryMax)
	assert.Equal(t, "1h", cfg.Monitor.Streams["1234"].StaleWindow)
	require.Len(t, cfg.Telegram.Chats, 1)
	assert.Equal(t, int64(-100123), cfg.Telegram.Chats[0].ChatID)
	assert.Equal(t, 7, cfg.Telegram.Chats[0].ThreadID)
	assert.Nil(t, cfg.Notifier)
}

func TestParseJSONStrict(t *testing.T) {
	t.Parallel()
	_, err := ParseBytes("c.json", []byte(`{"upstream":{"endpoint":"http://u"},"bogus":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = ParseBytes("c.json", []byte(`{"upstream":{"endpoint":"http://u"}}{}`))
	require.Error(t, err)

	cfg, err := ParseBytes("c.json", []byte(`{"upstream":{"endpoint":"http://u"}}`))
	require.NoError(t, err)
	assert.Nil(t, cfg.Relay.RetryMax)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing endpoint", `{}`, "upstream.endpoint is required"},
		{"bad endpoint", `{"upstream":{"endpoint":"ftp://x"}}`, "upstream.endpoint"},
		{"bad backend", `{"upstream":{"endpoint":"http://u"},"relay":{"backend":"kafka"}}`, "relay.backend"},
		{"bad duration", `{"upstream":{"endpoint":"http://u","relay_timeout":"ten"}}`, "upstream.relay_timeout"},
		{"negative retry", `{"upstream":{"endpoint":"http://u"},"relay":{"retry_max":-1}}`, "relay.retry_max"},
		{"stream id with colon", `{"upstream":{"endpoint":"http://u"},"monitor":{"streams":{"a:b":{}}}}`, "monitor.streams"},
		{"token without chats", `{"upstream":{"endpoint":"http://u"},"telegram":{"token":"x"}}`, "telegram.chats"},
		{"sqlite without path", `{"upstream":{"endpoint":"http://u"},"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"redis without url", `{"upstream":{"endpoint":"http://u"},"storage":{"driver":"redis"}}`, "storage.redis_url"},
		{"unknown driver", `{"upstream":{"endpoint":"http://u"},"storage":{"driver":"mongo"}}`, "storage.driver"},
		{"bad level", `{"upstream":{"endpoint":"http://u"},"logging":{"level":"loud"}}`, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBytes("c.json", []byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateReportsEverything(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{Storage: StorageConfig{Driver: "mongo"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.endpoint")
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)

	assert.True(t, BoolOr(nil, true))
	f := false
	assert.False(t, BoolOr(&f, true))
	assert.Equal(t, 4, IntOr(0, 4))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, err := ParseBytes("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b, err := ParseBytes("b.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, restart := SummarizeConfigChange(a, b)
	assert.Empty(t, changed)
	assert.Empty(t, restart)

	b.Auth.AllowedKeys = []string{"c"}
	b.Monitor.AlertThreshold = 5
	b.Storage.Path = "./other.db"
	b.Server.AdminToken = "rotated"
	changed, attrs, restart := SummarizeConfigChange(a, b)
	assert.ElementsMatch(t, []string{"auth", "monitor", "storage", "server"}, changed)
	assert.ElementsMatch(t, []string{"storage", "server"}, restart)
	assert.NotEmpty(t, attrs)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestManagerWatchReloads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"upstream":{"endpoint":"http://u"},"monitor":{"alert_threshold":3}}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Monitor.AlertThreshold)

	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// The watcher may need a moment to register; keep rewriting until seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		writeFile(t, path, `{"upstream":{"endpoint":"http://u"},"monitor":{"alert_threshold":4}}`)
		select {
		case got := <-updates:
			assert.Equal(t, 4, got.Monitor.AlertThreshold)
			assert.Equal(t, 4, m.Get().Monitor.AlertThreshold)
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestManagerKeepsLastGoodConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"upstream":{"endpoint":"http://u"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	writeFile(t, path, `{"upstream":{}}`)
	m.reload(context.Background())
	assert.Equal(t, "http://u", m.Get().Upstream.Endpoint)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	writeFile(t, path, `{"upstream":{"endpoint":"http://v"}}`)
	m.reload(context.Background())
	assert.Equal(t, "http://u", m.Get().Upstream.Endpoint)
}
