package feed

import "errors"

// Error taxonomy shared by ingest, relay and monitor.
//
// The synchronous ingest path returns these to the HTTP edge, which maps them
// to status codes. Relay and monitor errors stay inside their own goroutines
// and are only logged or counted.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrUnsupported      = errors.New("unsupported content type")
	ErrQueueUnavailable = errors.New("relay queue unavailable")
	ErrStoreUnavailable = errors.New("timestamp store unavailable")
	ErrRelayFailed      = errors.New("relay failed")
	ErrNotifyFailed     = errors.New("notify failed")
)
