package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
)

const (
	HeaderRequestID  = "X-Request-ID"
	HeaderAdminToken = "X-Admin-Token"
)

type contextKey string

const requestIDKey = contextKey("request-id")

// RequestID propagates X-Request-ID or generates one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// AccessLog logs one line per request: debug for success, warn for 5xx.
// Panics become 500s.
func AccessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					log.Error("http handler panic", logx.String("path", r.URL.Path), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					if rec.status == 0 {
						http.Error(rec, "internal error", http.StatusInternalServerError)
					}
				}
				status := rec.status
				if status == 0 {
					status = http.StatusOK
				}
				fields := []logx.Field{
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", status),
					logx.Int("bytes", rec.bytes),
					logx.Duration("took", time.Since(start)),
					logx.String("request_id", GetRequestID(r.Context())),
				}
				if status >= 500 {
					log.Warn("http request", fields...)
				} else {
					log.Debug("http request", fields...)
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// adminOnly admits loopback callers and callers presenting the admin token.
func adminOnly(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(w http.ResponseWriter, r *http.Request) {
		if isLoopbackRemote(r.RemoteAddr) {
			h(w, r)
			return
		}
		got := r.Header.Get(HeaderAdminToken)
		if tok != "" && subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
			h(w, r)
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	}
}

func isLoopbackRemote(remote string) bool {
	h, _, err := net.SplitHostPort(remote)
	if err != nil {
		h = remote
	}
	ip := net.ParseIP(strings.TrimSpace(h))
	return ip != nil && ip.IsLoopback()
}

// isLoopbackAddr reports whether a listen address binds loopback only.
func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
