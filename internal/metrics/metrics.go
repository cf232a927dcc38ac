// Package metrics exposes the gateway's Prometheus collectors. All recording
// methods are safe to call on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	requests       *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	callbacks      *prometheus.CounterVec
	streamsActive  prometheus.Gauge
	accounts       prometheus.Gauge
	streamsCreated prometheus.Counter
	streamsPruned  prometheus.Counter
	dedupHits      prometheus.Counter
	firstChunkWait *prometheus.HistogramVec
	replyDuration  *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the gateway collectors on reg. A nil reg gets a private
// registry that also carries the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wecombot_http_requests_total",
			Help: "Webhook HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wecombot_rejections_total",
			Help: "Rejected webhook requests grouped by reason.",
		}, []string{"reason"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wecombot_callbacks_total",
			Help: "Authenticated callbacks grouped by message kind.",
		}, []string{"kind"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wecombot_streams_active",
			Help: "Streams currently held in memory.",
		}),
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wecombot_accounts_running",
			Help: "Accounts currently registered on a webhook path.",
		}),
		streamsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wecombot_streams_created_total",
			Help: "Streams created for inbound messages.",
		}),
		streamsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wecombot_streams_pruned_total",
			Help: "Streams removed after exceeding their TTL.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wecombot_dedup_hits_total",
			Help: "Retried deliveries answered from an existing stream.",
		}),
		firstChunkWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wecombot_first_chunk_wait_seconds",
			Help:    "Time spent waiting for the first reply chunk before responding.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"outcome"}),
		replyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wecombot_reply_duration_seconds",
			Help:    "Duration of background reply generation.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.requests,
		m.rejections,
		m.callbacks,
		m.streamsActive,
		m.accounts,
		m.streamsCreated,
		m.streamsPruned,
		m.dedupHits,
		m.firstChunkWait,
		m.replyDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(method string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCallback(kind string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.streamsActive.Set(float64(n))
}

func (m *Metrics) SetRunningAccounts(n int) {
	if m == nil {
		return
	}
	m.accounts.Set(float64(n))
}

func (m *Metrics) StreamCreated() {
	if m == nil {
		return
	}
	m.streamsCreated.Inc()
}

func (m *Metrics) StreamsPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.streamsPruned.Add(float64(n))
}

func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

// ObserveFirstChunk records how long a request waited and whether it could
// answer with real content ("partial") or fell back to the placeholder.
func (m *Metrics) ObserveFirstChunk(d time.Duration, partial bool) {
	if m == nil {
		return
	}
	outcome := "placeholder"
	if partial {
		outcome = "partial"
	}
	m.firstChunkWait.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveReply(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.replyDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
