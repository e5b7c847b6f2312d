// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"feedrelay/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedrelay"

type Metrics struct {
	reg *prometheus.Registry

	ingest        *prometheus.CounterVec
	ingestRecords prometheus.Counter

	relayEnqueued prometheus.Counter
	relayOutcome  *prometheus.CounterVec
	relayLatency  prometheus.Histogram
	relayAttempts prometheus.Histogram

	streamTransitions *prometheus.CounterVec
	frozenStreams     prometheus.Gauge
	cycleDuration     prometheus.Histogram
	cycleConflicts    prometheus.Counter
	cycleErrors       prometheus.Counter

	notify *prometheus.CounterVec
}

// New registers every collector on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Feed writes by result (accepted or the rejection reason).",
		}, []string{"result"}),
		ingestRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Stream records upserted by accepted writes.",
		}),
		relayEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_enqueued_total",
			Help:      "Relay jobs accepted by the queue.",
		}),
		relayOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attempts_total",
			Help:      "Relay attempts by outcome: delivered, failed (will retry) or dropped.",
		}, []string{"outcome"}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_delivery_seconds",
			Help:      "Time from enqueue to successful upstream delivery.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		relayAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_attempts_per_job",
			Help:      "Attempts spent on each finished job.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
		}),
		streamTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_transitions_total",
			Help:      "Stream state transitions: frozen, alerted, recovered.",
		}, []string{"transition"}),
		frozenStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_frozen",
			Help:      "Streams classified frozen by the last monitor cycle.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_seconds",
			Help:      "Duration of freshness monitor cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		cycleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_conflicts_total",
			Help:      "Health writes that lost a compare-and-swap race.",
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_errors_total",
			Help:      "Monitor cycles that failed to scan storage.",
		}),
		notify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by sender and result.",
		}, []string{"sender", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingest, m.ingestRecords,
		m.relayEnqueued, m.relayOutcome, m.relayLatency, m.relayAttempts,
		m.streamTransitions, m.frozenStreams, m.cycleDuration, m.cycleConflicts, m.cycleErrors,
		m.notify,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024,
		eventbus.TopicIngest, eventbus.TopicRelay, eventbus.TopicStream,
		eventbus.TopicMonitor, eventbus.TopicNotify)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe applies one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.IngestAccepted:
		m.ingest.WithLabelValues("accepted").Inc()
		if ev, ok := eventbus.Payload[eventbus.IngestEvent](e); ok {
			m.ingestRecords.Add(float64(ev.Records))
		}
	case eventbus.IngestRejected:
		reason := "other"
		if ev, ok := eventbus.Payload[eventbus.IngestEvent](e); ok && ev.Reason != "" {
			reason = ev.Reason
		}
		m.ingest.WithLabelValues(reason).Inc()

	case eventbus.RelayEnqueued:
		m.relayEnqueued.Inc()
	case eventbus.RelayDelivered:
		m.relayOutcome.WithLabelValues("delivered").Inc()
		if ev, ok := eventbus.Payload[eventbus.RelayEvent](e); ok {
			m.relayLatency.Observe(ev.Took.Seconds())
			m.relayAttempts.Observe(float64(ev.Attempts))
		}
	case eventbus.RelayFailed:
		m.relayOutcome.WithLabelValues("failed").Inc()
	case eventbus.RelayDropped:
		m.relayOutcome.WithLabelValues("dropped").Inc()
		if ev, ok := eventbus.Payload[eventbus.RelayEvent](e); ok {
			m.relayAttempts.Observe(float64(ev.Attempts))
		}

	case eventbus.StreamFrozen:
		m.streamTransitions.WithLabelValues("frozen").Inc()
	case eventbus.StreamAlerted:
		m.streamTransitions.WithLabelValues("alerted").Inc()
	case eventbus.StreamRecovered:
		m.streamTransitions.WithLabelValues("recovered").Inc()
	case eventbus.MonitorCycle:
		ev, ok := eventbus.Payload[eventbus.CycleEvent](e)
		if !ok {
			return
		}
		if ev.Error != "" {
			m.cycleErrors.Inc()
			return
		}
		m.frozenStreams.Set(float64(ev.Frozen))
		m.cycleDuration.Observe(ev.Took.Seconds())
		m.cycleConflicts.Add(float64(ev.Conflicts))

	case eventbus.NotifySent, eventbus.NotifyFailed, eventbus.NotifyDropped:
		ev, _ := eventbus.Payload[eventbus.NotifyEvent](e)
		m.notify.WithLabelValues(ev.Sender, notifyResult(e.Type)).Inc()
	case eventbus.NotifyDeduped:
		m.notify.WithLabelValues("", "deduped").Inc()
	}
}

func notifyResult(typ string) string {
	switch typ {
	case eventbus.NotifySent:
		return "sent"
	case eventbus.NotifyFailed:
		return "failed"
	default:
		return "dropped"
	}
}
