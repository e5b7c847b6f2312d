package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"feedrelay/internal/feed"
)

var errBodyTooLarge = fmt.Errorf("%w: request body too large", feed.ErrInvalidInput)

// statusFor maps the feed error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, feed.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, feed.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, feed.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, feed.ErrStoreUnavailable), errors.Is(err, feed.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := http.StatusText(code)
	if code == http.StatusBadRequest {
		msg = err.Error()
	}
	writeText(w, code, msg)
}

func writeText(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(text))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
