package feed

import "time"

// StreamRecord is the last observation of one sub-stream ("feed:sensor").
// Records are created on first ingest and overwritten by later ones; they are
// never deleted.
type StreamRecord struct {
	ID         string    `json:"id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	LastValue  string    `json:"last_value"`
}

// StreamHealth is the monitor's per-feed state.
//
// Sent implies Frozen: an alert can only be outstanding while the stream is
// classified frozen. Version is the optimistic-concurrency token; stores bump
// it on every successful PutHealth and reject writes carrying a stale value.
type StreamHealth struct {
	StreamID   string    `json:"stream_id"`
	Frozen     bool      `json:"frozen"`
	Sent       bool      `json:"sent"`
	ErrorCount int       `json:"error_count"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RelayJob is one "forward this payload upstream" unit of work.
//
// Datastream is empty for a whole-feed update and set for datapoint creation.
type RelayJob struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feed_id"`
	Datastream  string    `json:"datastream,omitempty"`
	AuthKey     string    `json:"auth_key"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts,omitempty"`
}

// Update is an inbound write as parsed by the HTTP edge.
type Update struct {
	FeedID      string
	Datastream  string
	AuthKey     string
	ContentType string
	Body        []byte
}

// Accepted is returned by a successful ingest.
type Accepted struct {
	JobID   string `json:"job_id"`
	Records int    `json:"records"`
	// Tracked is false when the content type had no decoder; the body is
	// still relayed.
	Tracked bool `json:"tracked"`
}
