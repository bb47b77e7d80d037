// Package metrics holds the Prometheus collectors exported by riskd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all collectors. Each Registry owns its own
// prometheus.Registry so tests can build as many as they like.
type Registry struct {
	reg *prometheus.Registry

	EventsProcessed *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	PipelineLatency *prometheus.HistogramVec

	AlertsSent    prometheus.Counter
	AlertsDeduped prometheus.Counter
	AlertsDropped *prometheus.CounterVec

	OpenPositions     prometheus.Gauge
	PortfolioValue    prometheus.Gauge
	PortfolioDrawdown prometheus.Gauge
	EnginePaused      prometheus.Gauge
	SnapshotsSaved    *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Registry with every collector registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_events_processed_total",
				Help: "Feed events processed by kind",
			},
			[]string{"kind"},
		),

		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_events_rejected_total",
				Help: "Feed events rejected before processing, by reason",
			},
			[]string{"reason"},
		),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_decisions_total",
				Help: "Decisions emitted by action",
			},
			[]string{"action"},
		),

		PipelineLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskd_pipeline_duration_seconds",
				Help:    "Time from dequeue to decision per event",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"kind"},
		),

		AlertsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "riskd_alerts_sent_total",
				Help: "Alerts delivered to the notifier",
			},
		),

		AlertsDeduped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "riskd_alerts_deduped_total",
				Help: "Alerts suppressed by the cool-down",
			},
		),

		AlertsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_dropped_total",
				Help: "Alerts dropped without delivery, by reason",
			},
			[]string{"reason"},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskd_open_positions",
				Help: "Positions with remaining quantity",
			},
		),

		PortfolioValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskd_portfolio_value",
				Help: "Mark-to-market value of open positions",
			},
		),

		PortfolioDrawdown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskd_portfolio_drawdown",
				Help: "Drawdown from peak value (0.0 to 1.0)",
			},
		),

		EnginePaused: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskd_engine_paused",
				Help: "1 while the pipeline is paused on a fatal error",
			},
		),

		SnapshotsSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_snapshots_total",
				Help: "Snapshot attempts by result",
			},
			[]string{"result"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_http_requests_total",
				Help: "API requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskd_http_request_duration_seconds",
				Help:    "API request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.EventsProcessed,
		r.EventsRejected,
		r.Decisions,
		r.PipelineLatency,
		r.AlertsSent,
		r.AlertsDeduped,
		r.AlertsDropped,
		r.OpenPositions,
		r.PortfolioValue,
		r.PortfolioDrawdown,
		r.EnginePaused,
		r.SnapshotsSaved,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
