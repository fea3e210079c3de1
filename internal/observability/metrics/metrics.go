package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the Prometheus collectors for the shared-stream engine. A
// nil *Recorder is valid and records nothing, so components can be built
// without instrumentation in tests.
type Recorder struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	acquisitions     *prometheus.CounterVec
	streamEvents     *prometheus.CounterVec
	segmentsWritten  prometheus.Counter
	bytesWritten     prometheus.Counter
	healthFailures   *prometheus.CounterVec
	failovers        *prometheus.CounterVec
	reclaimedStreams prometheus.Counter
	evictedBytes     prometheus.Counter
	orphansRemoved   prometheus.Counter
	activeSlots      prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamshare_http_requests_total",
			Help: "Admin API requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamshare_http_request_duration_seconds",
			Help:    "Admin API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamshare_acquisitions_total",
			Help: "Stream acquisitions, split into newly created and reused records.",
		}, []string{"result"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamshare_stream_events_total",
			Help: "Stream lifecycle events (start, start_failed, stop, exit).",
		}, []string{"event"}),
		segmentsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamshare_segments_written_total",
			Help: "Segments appended to stream buffers.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamshare_segment_bytes_written_total",
			Help: "Payload bytes appended to stream buffers.",
		}),
		healthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamshare_health_failures_total",
			Help: "Failed health ticks by reason.",
		}, []string{"reason"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamshare_failovers_total",
			Help: "Failover sequences by outcome (attempted, succeeded, exhausted).",
		}, []string{"outcome"}),
		reclaimedStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamshare_janitor_reclaimed_streams_total",
			Help: "Streams reclaimed by the janitor.",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamshare_janitor_evicted_bytes_total",
			Help: "Buffer bytes evicted to honour per-stream and global caps.",
		}),
		orphansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamshare_janitor_orphans_removed_total",
			Help: "Orphaned buffer directories removed.",
		}),
		activeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamshare_buffer_active_slots",
			Help: "Drain loops currently holding an execution slot.",
		}),
	}
	registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.acquisitions,
		r.streamEvents,
		r.segmentsWritten,
		r.bytesWritten,
		r.healthFailures,
		r.failovers,
		r.reclaimedStreams,
		r.evictedBytes,
		r.orphansRemoved,
		r.activeSlots,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one admin API request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	r.requests.WithLabelValues(method, path, statusLabel(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Acquired records an acquisition; created is false when an existing record
// was reused.
func (r *Recorder) Acquired(created bool) {
	if r == nil {
		return
	}
	if created {
		r.acquisitions.WithLabelValues("created").Inc()
		return
	}
	r.acquisitions.WithLabelValues("reused").Inc()
}

// StreamEvent records a lifecycle event.
func (r *Recorder) StreamEvent(event string) {
	if r == nil {
		return
	}
	event = strings.ToLower(strings.TrimSpace(event))
	if event == "" {
		event = "unknown"
	}
	r.streamEvents.WithLabelValues(event).Inc()
}

// SegmentWritten records a segment of n bytes.
func (r *Recorder) SegmentWritten(n int) {
	if r == nil {
		return
	}
	r.segmentsWritten.Inc()
	r.bytesWritten.Add(float64(n))
}

// HealthFailure records a failed health tick.
func (r *Recorder) HealthFailure(reason string) {
	if r == nil {
		return
	}
	r.healthFailures.WithLabelValues(reason).Inc()
}

// Failover records a failover outcome.
func (r *Recorder) Failover(outcome string) {
	if r == nil {
		return
	}
	r.failovers.WithLabelValues(outcome).Inc()
}

// Reclaimed records streams reclaimed by one sweep.
func (r *Recorder) Reclaimed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reclaimedStreams.Add(float64(n))
}

// Evicted records bytes evicted by one sweep.
func (r *Recorder) Evicted(bytes int64) {
	if r == nil || bytes <= 0 {
		return
	}
	r.evictedBytes.Add(float64(bytes))
}

// OrphansRemoved records orphaned directories removed by one sweep.
func (r *Recorder) OrphansRemoved(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.orphansRemoved.Add(float64(n))
}

// SlotAcquired and SlotReleased track drain slot occupancy.
func (r *Recorder) SlotAcquired() {
	if r == nil {
		return
	}
	r.activeSlots.Inc()
}

func (r *Recorder) SlotReleased() {
	if r == nil {
		return
	}
	r.activeSlots.Dec()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
