package eventbus

import "time"

// Topics for Subscribe.
const (
	TopicRelay   = "relay"
	TopicIngest  = "ingest"
	TopicStream  = "stream"
	TopicMonitor = "monitor"
	TopicNotify  = "notify"
	TopicTask    = "task"
)

// Event types published by the proxy.
const (
	RelayEnqueued  = "relay.enqueued"
	RelayDelivered = "relay.delivered"
	RelayFailed    = "relay.failed"  // one attempt failed; more may follow
	RelayDropped   = "relay.dropped" // retries exhausted or permanent rejection

	IngestAccepted = "ingest.accepted"
	IngestRejected = "ingest.rejected"

	StreamFrozen    = "stream.frozen"
	StreamRecovered = "stream.recovered"
	StreamAlerted   = "stream.alerted"

	MonitorCycle = "monitor.cycle"

	NotifySent    = "notify.sent"
	NotifyFailed  = "notify.failed"
	NotifyDropped = "notify.dropped" // queue full
	NotifyDeduped = "notify.deduped"
)

// RelayEvent is the Data of relay.* events.
type RelayEvent struct {
	JobID    string        `json:"job_id"`
	FeedID   string        `json:"feed_id"`
	Attempts int           `json:"attempts"`
	Status   int           `json:"status,omitempty"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

// StreamEvent is the Data of stream.* events.
type StreamEvent struct {
	StreamID   string `json:"stream_id"`
	ErrorCount int    `json:"error_count"`
}

// CycleEvent is the Data of monitor.cycle events.
type CycleEvent struct {
	Streams   int           `json:"streams"`
	Frozen    int           `json:"frozen"`
	Alerts    int           `json:"alerts"`
	Conflicts int           `json:"conflicts"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}

// IngestEvent is the Data of ingest.* events.
type IngestEvent struct {
	FeedID  string `json:"feed_id"`
	JobID   string `json:"job_id,omitempty"`
	Records int    `json:"records"`
	Tracked bool   `json:"tracked"`
	Reason  string `json:"reason,omitempty"`
}

// NotifyEvent is the Data of notify.* events.
type NotifyEvent struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
}
