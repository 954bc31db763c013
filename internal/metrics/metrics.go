package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cometwatch/internal/alerting"
	"cometwatch/internal/fetcher"
)

// Recorder owns a private registry so several engines can coexist.
type Recorder struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	fallbacks     prometheus.Gauge
	alerts        *prometheus.CounterVec
	activeAlerts  prometheus.Gauge
}

// NewRecorder registers all collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cometwatch_market_fetch_total",
			Help: "Market fetches by outcome (live or failure kind).",
		}, []string{"market", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cometwatch_market_fetch_seconds",
			Help:    "Latency of per-market fetches.",
			Buckets: prometheus.DefBuckets,
		}, []string{"market"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cometwatch_poll_cycles_total",
			Help: "Poll cycles by result (published, discarded, failed).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cometwatch_poll_cycle_seconds",
			Help:    "Duration of a full poll cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		fallbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cometwatch_fallback_markets",
			Help: "Markets served from synthetic data in the latest snapshot.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cometwatch_alerts_total",
			Help: "Alerts emitted by kind and severity.",
		}, []string{"kind", "severity"}),
		activeAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cometwatch_active_alerts",
			Help: "Alerts inside the retention window after the latest cycle.",
		}),
	}

	reg.MustRegister(
		r.fetches, r.fetchDuration, r.cycles, r.cycleDuration,
		r.fallbacks, r.alerts, r.activeAlerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveFetch implements fetcher.Observer.
func (r *Recorder) ObserveFetch(o fetcher.Outcome) {
	outcome := "live"
	if !o.Live {
		outcome = string(o.Failure)
	}
	r.fetches.WithLabelValues(o.Market, outcome).Inc()
	if o.Elapsed > 0 {
		r.fetchDuration.WithLabelValues(o.Market).Observe(o.Elapsed.Seconds())
	}
}

// ObserveCycle records one finished cycle.
func (r *Recorder) ObserveCycle(result string, elapsed time.Duration, fallbacks int) {
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(elapsed.Seconds())
	if result == "published" {
		r.fallbacks.Set(float64(fallbacks))
	}
}

// ObserveAlerts counts emitted alerts and the size of the active feed.
func (r *Recorder) ObserveAlerts(emitted []alerting.Alert, active int) {
	for _, a := range emitted {
		r.alerts.WithLabelValues(string(a.Kind), a.Severity.String()).Inc()
	}
	r.activeAlerts.Set(float64(active))
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

var _ fetcher.Observer = (*Recorder)(nil)
