package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10, ""))

	parts := splitText(strings.Repeat("a", 25), 10, "")
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, parts)

	parts = splitText("aaaa\nbbbbbbbbbbbb", 10, "")
	assert.Equal(t, "aaaa", parts[0])

	parts = splitText("abcdef<b>bold</b>", 8, "HTML")
	assert.Equal(t, "abcdef", parts[0])
}

type botAPI struct {
	mu    sync.Mutex
	calls []map[string]any
	fail  map[string]bool
}

func (a *botAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		params := map[string]any{}
		_ = json.Unmarshal(body, &params)
		a.mu.Lock()
		a.calls = append(a.calls, params)
		fail := a.fail[fmt.Sprint(params["chat_id"])]
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":%s,"type":"private"},"text":"x"}}`, fmt.Sprint(params["chat_id"]))
	}
}

func TestSendReachesEveryChat(t *testing.T) {
	t.Parallel()
	api := &botAPI{fail: map[string]bool{"13": true}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	s, err := New(Config{
		Token:  "123:abc",
		APIURL: srv.URL,
		Chats:  []kit.ChatTarget{{ChatID: 11}, {ChatID: 13}, {ChatID: 17, ThreadID: 5}},
	}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "telegram", s.Name())

	err = s.Send(context.Background(), "Stream F Frozen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 13")

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.calls, 3)
	for _, c := range api.calls {
		assert.Equal(t, "Stream F Frozen", c["text"])
	}
	assert.Equal(t, "5", fmt.Sprint(api.calls[2]["message_thread_id"]))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Chats: []kit.ChatTarget{{ChatID: 1}}}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "123:abc"}, logx.Nop())
	assert.Error(t, err)
}
