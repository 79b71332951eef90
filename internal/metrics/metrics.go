package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the narrator. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	chunksTotal        *prometheus.CounterVec
	chunkRejectsTotal  *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
	adapterDuration    *prometheus.HistogramVec
	subscriberDrops    prometheus.Counter
	fallbackDropped    prometheus.Counter
	liveResultsTotal   *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	broadcastPublished prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narrator_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narrator_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "narrator_chunks_appended_total",
			Help: "Chunks stored, by stream kind",
		}, []string{"kind"}),
		chunkRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "narrator_chunk_rejects_total",
			Help: "Chunks rejected, by reason",
		}, []string{"reason"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "narrator_sessions_finished_total",
			Help: "Sessions that reached a terminal status, by status and result source",
		}, []string{"status", "source"}),
		adapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "narrator_adapter_duration_seconds",
			Help:    "Duration of transcription and narration calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		}, []string{"adapter", "result"}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narrator_subscriber_drops_total",
			Help: "Subscribers dropped for falling behind",
		}),
		fallbackDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "narrator_fallback_events_dropped_total",
			Help: "Interaction events dropped from full fallback buffers",
		}),
		liveResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "narrator_live_results_total",
			Help: "Live narration results received, by disposition",
		}, []string{"disposition"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "narrator_active_sessions",
			Help: "Sessions not yet in a terminal status",
		}),
		broadcastPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "narrator_broadcast_published",
			Help: "Messages published on the broadcast channel since start",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.chunksTotal,
		m.chunkRejectsTotal,
		m.sessionsTotal,
		m.adapterDuration,
		m.subscriberDrops,
		m.fallbackDropped,
		m.liveResultsTotal,
		m.activeSessions,
		m.broadcastPublished,
	)
	return m
}

func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

func (m *Metrics) IncChunk(kind string) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncChunkReject(reason string) {
	if m == nil {
		return
	}
	m.chunkRejectsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSessionFinished(status, source string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(status, source).Inc()
}

// ObserveAdapter records one adapter call.
func (m *Metrics) ObserveAdapter(adapter string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.adapterDuration.WithLabelValues(adapter, result).Observe(d.Seconds())
}

func (m *Metrics) IncSubscriberDrops() {
	if m == nil {
		return
	}
	m.subscriberDrops.Inc()
}

func (m *Metrics) AddFallbackDropped(n int) {
	if m == nil {
		return
	}
	m.fallbackDropped.Add(float64(n))
}

func (m *Metrics) IncLiveResult(disposition string) {
	if m == nil {
		return
	}
	m.liveResultsTotal.WithLabelValues(disposition).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetBroadcastPublished(n uint64) {
	if m == nil {
		return
	}
	m.broadcastPublished.Set(float64(n))
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
