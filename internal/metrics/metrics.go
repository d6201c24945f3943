// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tryextender"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	classifications *prometheus.CounterVec
	droppedRecords  *prometheus.CounterVec
	graphBuilds     *prometheus.CounterVec
	graphBuildTime  prometheus.Histogram
	catalogReloads  *prometheus.CounterVec
	triggers        *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Revision classifications by outcome.",
			},
			[]string{"outcome"},
		),
		droppedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_records_total",
				Help:      "Job records ignored during classification, by reason.",
			},
			[]string{"reason"},
		),
		graphBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relation_graph_builds_total",
				Help:      "Relation graph builds by result.",
			},
			[]string{"result"},
		),
		graphBuildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relation_graph_build_seconds",
			Help:      "Time spent building the relation graph.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		catalogReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_reloads_total",
				Help:      "Catalog reload attempts by result.",
			},
			[]string{"result"},
		),
		triggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_total",
				Help:      "Trigger job attempts by final status.",
			},
			[]string{"status"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trigger_queue_depth",
				Help:      "Queued trigger jobs by priority.",
			},
			[]string{"priority"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.classifications,
		m.droppedRecords,
		m.graphBuilds,
		m.graphBuildTime,
		m.catalogReloads,
		m.triggers,
		m.queueDepth,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveClassification(outcome string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDroppedRecord(reason string) {
	if m == nil {
		return
	}
	m.droppedRecords.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveGraphBuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.graphBuilds.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.graphBuildTime.Observe(d.Seconds())
	}
}

// ObserveCatalogReload records a watcher reload. changed is ignored on error.
func (m *Metrics) ObserveCatalogReload(changed bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.catalogReloads.WithLabelValues("error").Inc()
	case changed:
		m.catalogReloads.WithLabelValues("changed").Inc()
	default:
		m.catalogReloads.WithLabelValues("unchanged").Inc()
	}
}

func (m *Metrics) ObserveTrigger(status string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(status).Inc()
}

// SetQueueDepth replaces the per-priority queue depth gauges.
func (m *Metrics) SetQueueDepth(depth map[string]int) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for priority, n := range depth {
		m.queueDepth.WithLabelValues(priority).Set(float64(n))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
