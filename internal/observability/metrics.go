package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	firings       *prometheus.CounterVec
	events        *prometheus.CounterVec
	claimsLost    prometheus.Counter
	scanDuration  prometheus.Histogram
	scanItems     prometheus.Counter
	notifications *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalator",
			Name:      "rule_firings_total",
			Help:      "Rule executions by action type and outcome.",
		}, []string{"action", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalator",
			Name:      "events_total",
			Help:      "Canonical events processed by kind and source.",
		}, []string{"kind", "source"}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escalator",
			Name:      "escalation_claims_lost_total",
			Help:      "Scanner claims rejected by the escalation state guard.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "escalator",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one timer/SLA scan pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		scanItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escalator",
			Name:      "scan_evaluations_total",
			Help:      "Item/rule pairs evaluated by the scanner.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escalator",
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		}, []string{"sink", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escalator",
			Name:      "notification_queue_depth",
			Help:      "Notifications waiting for a dispatcher worker.",
		}),
	}
	reg.MustRegister(m.firings, m.events, m.claimsLost, m.scanDuration, m.scanItems, m.notifications, m.queueDepth,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RuleFired(action, outcome string) {
	if m == nil {
		return
	}
	m.firings.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) EventProcessed(kind, source string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) ClaimLost() {
	if m == nil {
		return
	}
	m.claimsLost.Inc()
}

func (m *Metrics) ScanFinished(d time.Duration, evaluated int) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
	m.scanItems.Add(float64(evaluated))
}

func (m *Metrics) NotificationSent(sink, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
