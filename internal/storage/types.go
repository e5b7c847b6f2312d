package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"feedrelay/internal/feed"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrConflict is returned by PutHealth when the stored version no longer
	// matches the caller's copy. Callers re-read and retry.
	ErrConflict = errors.New("storage: version conflict")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart
//   - "file": in-process maps plus a JSON Lines journal and periodic snapshot
//   - "sqlite": SQLite database file
//   - "redis": Redis server (RedisURL), keys prefixed with KeyPrefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	RedisURL    string
	KeyPrefix   string
}

// Store is the persistence API shared by ingest, relay and monitor.
//
// All methods are safe for concurrent use. No cross-key transactions are
// offered; every write is keyed by a single stream id or job id.
type Store interface {
	// Upsert records an observation of a sub-stream. A write whose timestamp is
	// older than the stored one is ignored, so LastSeenAt never goes backwards.
	Upsert(ctx context.Context, id string, at time.Time, value string) error

	// ScanAll yields every StreamRecord once. The sequence is single-pass;
	// call ScanAll again for a fresh scan.
	ScanAll(ctx context.Context) iter.Seq2[feed.StreamRecord, error]

	// GetHealth returns ok=false when the stream has never been checked.
	GetHealth(ctx context.Context, streamID string) (h feed.StreamHealth, ok bool, err error)

	// PutHealth stores h if the stored version equals h.Version (0 meaning
	// "absent") and bumps the version. Otherwise it returns ErrConflict.
	PutHealth(ctx context.Context, h feed.StreamHealth) error

	ScanHealth(ctx context.Context) iter.Seq2[feed.StreamHealth, error]

	// Relay journal: jobs live here from enqueue until delivered or dropped.
	PutRelayJob(ctx context.Context, job feed.RelayJob) error
	DeleteRelayJob(ctx context.Context, id string) error
	PendingRelayJobs(ctx context.Context) ([]feed.RelayJob, error)

	Close() error
}
