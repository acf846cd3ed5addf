// Package telemetry exports Prometheus metrics for pipeline runs
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snapshot_pipeline"

// Metrics holds all pipeline Prometheus metrics
type Metrics struct {
	Runs            *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	Categories      *prometheus.CounterVec
	Degraded        *prometheus.CounterVec
	SkippedFiles    *prometheus.CounterVec
	CategoryRows    *prometheus.GaugeVec
	LastSuccessTime *prometheus.GaugeVec
}

// Provider owns a registry so several providers can coexist in one process
type Provider struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// NewProvider registers the pipeline metrics on a fresh registry
func NewProvider() *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	m := &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by profile and outcome",
		}, []string{"profile", "outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"profile"}),
		Categories: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "categories_total",
			Help:      "Converted categories by strategy",
		}, []string{"profile", "strategy"}),
		Degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_categories_total",
			Help:      "Categories that lost files or failed entirely",
		}, []string{"profile"}),
		SkippedFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_files_total",
			Help:      "Source files skipped by the per-file fallback",
		}, []string{"profile"}),
		CategoryRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "category_rows",
			Help:      "Rows written for each category in the latest run",
		}, []string{"profile", "category"}),
		LastSuccessTime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed run",
		}, []string{"profile"}),
	}

	return &Provider{registry: reg, Metrics: m}
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// CategoryOutcome is what the recorder needs to know about one category
type CategoryOutcome struct {
	Category string
	Strategy string
	Rows     int64
	Skipped  int
	Degraded bool
}

// RecordRun records a finished run. A nil provider records nothing.
func (p *Provider) RecordRun(profile string, ok bool, duration time.Duration, categories []CategoryOutcome) {
	if p == nil {
		return
	}

	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	p.Metrics.Runs.WithLabelValues(profile, outcome).Inc()
	p.Metrics.RunDuration.WithLabelValues(profile).Observe(duration.Seconds())

	for _, c := range categories {
		p.Metrics.Categories.WithLabelValues(profile, c.Strategy).Inc()
		p.Metrics.CategoryRows.WithLabelValues(profile, c.Category).Set(float64(c.Rows))
		if c.Degraded {
			p.Metrics.Degraded.WithLabelValues(profile).Inc()
		}
		if c.Skipped > 0 {
			p.Metrics.SkippedFiles.WithLabelValues(profile).Add(float64(c.Skipped))
		}
	}

	if ok {
		p.Metrics.LastSuccessTime.WithLabelValues(profile).SetToCurrentTime()
	}
}
