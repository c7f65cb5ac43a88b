// Package metrics exports pipeline counters to Prometheus. Values are fed
// from event-bus subscriptions so components stay unaware of Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pewpost/internal/eventbus"
	"pewpost/internal/publisher"
	logx "pewpost/pkg/logx"
)

const namespace = "pewpost"

// Metrics holds all Prometheus metrics for the publication pipeline.
type Metrics struct {
	// Labels: content_type
	Published *prometheus.CounterVec
	// Labels: kind
	Failed *prometheus.CounterVec
	// Labels: kind
	Retries *prometheus.CounterVec

	Enqueued         prometheus.Counter
	Duplicates       prometheus.Counter
	DedupUnavailable prometheus.Counter
	RateLimitWait    prometheus.Histogram
	SendLatency      prometheus.Histogram
	QueueDepth       prometheus.Gauge
	BusDropped       prometheus.GaugeFunc

	reg *prometheus.Registry
}

// New builds a private registry with Go and process collectors plus the
// pipeline metrics. bus may be nil.
func New(bus eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "posts_published_total",
			Help: "Posts delivered to their channel.",
		}, []string{"content_type"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "posts_failed_total",
			Help: "Posts that reached FAILED, by error kind.",
		}, []string{"kind"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "post_retries_total",
			Help: "Retry attempts scheduled, by error kind.",
		}, []string{"kind"}),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "posts_enqueued_total",
			Help: "Posts accepted into the scheduler queue.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "posts_duplicate_total",
			Help: "Submissions rejected as duplicates.",
		}),
		DedupUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_unavailable_total",
			Help: "Submissions refused because the dedup store was unreachable.",
		}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit slot.",
			Buckets: []float64{.1, .5, 1, 3, 10, 30, 60, 180},
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_duration_seconds",
			Help:    "Transport latency of successful sends.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Posts waiting in the scheduler queue.",
		}),
		reg: reg,
	}
	m.BusDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "eventbus_dropped",
		Help: "Events dropped because a subscriber was full.",
	}, func() float64 {
		if bus == nil {
			return 0
		}
		return float64(eventbus.Dropped(bus))
	})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Published, m.Failed, m.Retries, m.Enqueued, m.Duplicates,
		m.DedupUnavailable, m.RateLimitWait, m.SendLatency, m.QueueDepth, m.BusDropped,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe applies one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.PostPublished:
		if ev, ok := e.Data.(publisher.PublishedEvent); ok {
			m.Published.WithLabelValues(label(ev.ContentType)).Inc()
			m.SendLatency.Observe(ev.Latency.Seconds())
		}
	case eventbus.PostFailed:
		if ev, ok := e.Data.(publisher.FailureEvent); ok {
			m.Failed.WithLabelValues(label(string(ev.Kind))).Inc()
		}
	case eventbus.PostRetry:
		if ev, ok := e.Data.(publisher.FailureEvent); ok {
			m.Retries.WithLabelValues(label(string(ev.Kind))).Inc()
		}
	case eventbus.PostEnqueued:
		m.Enqueued.Inc()
	case eventbus.PostDuplicate:
		m.Duplicates.Inc()
	case eventbus.DedupUnhealthy:
		m.DedupUnavailable.Inc()
	case eventbus.RateLimitWait:
		if d, ok := e.Data.(time.Duration); ok {
			m.RateLimitWait.Observe(d.Seconds())
		}
	case eventbus.QueueDepth:
		if n, ok := e.Data.(int); ok {
			m.QueueDepth.Set(float64(n))
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				log.Debug("metrics subscription closed")
				return
			}
			m.Observe(e)
		}
	}
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
