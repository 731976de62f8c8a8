// Package metrics exports pipeline activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanbox/internal/pipeline"
)

const namespace = "scanbox"

// Metrics owns a registry and the pipeline collectors
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	detected      *prometheus.CounterVec
	centered      *prometheus.CounterVec
	scans         *prometheus.CounterVec
	submitted     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	state         *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycles_total",
			Help:      "Completed detection cycles",
		}, []string{"scanner"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycle_failures_total",
			Help:      "Detection cycles that ended in a detector failure",
		}, []string{"scanner"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycle_duration_seconds",
			Help:      "Time from frame promotion to overlay rebuild",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"scanner"}),
		detected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "barcodes_detected_total",
			Help:      "Barcodes returned by the detector",
		}, []string{"scanner"}),
		centered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "barcodes_centered_total",
			Help:      "Barcodes accepted by the focus gate",
		}, []string{"scanner"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Barcodes delivered to the scan handler",
		}, []string{"scanner", "format"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "submitted_total",
			Help:      "Frames accepted by the frame buffer",
		}, []string{"scanner"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames overwritten by a newer frame before detection",
		}, []string{"scanner"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "state",
			Help:      "1 for the current lifecycle state, 0 otherwise",
		}, []string{"scanner", "state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.failures, m.cycleDuration, m.detected, m.centered,
		m.scans, m.submitted, m.dropped, m.state,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Attach feeds the collectors from bus for scannerID. The returned func
// unsubscribes.
func (m *Metrics) Attach(bus *pipeline.EventBus, scannerID string) func() {
	m.setState(scannerID, pipeline.StateActive)

	unsubs := []func(){
		bus.OnCycle(func(ev pipeline.CycleEvent) { m.ObserveCycle(scannerID, ev) }),
		bus.OnScan(func(ev pipeline.ScanEvent) { m.ObserveScan(scannerID, ev) }),
		bus.OnLifecycle(func(ev pipeline.LifecycleEvent) { m.setState(scannerID, ev.State) }),
	}
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}

// ObserveCycle records one detection cycle
func (m *Metrics) ObserveCycle(scannerID string, ev pipeline.CycleEvent) {
	m.cycles.WithLabelValues(scannerID).Inc()
	if ev.Failed {
		m.failures.WithLabelValues(scannerID).Inc()
	}
	m.cycleDuration.WithLabelValues(scannerID).Observe(ev.Duration.Seconds())
	m.detected.WithLabelValues(scannerID).Add(float64(ev.Results))
	m.centered.WithLabelValues(scannerID).Add(float64(ev.Centered))
	m.submitted.WithLabelValues(scannerID).Add(float64(ev.Submitted))
	m.dropped.WithLabelValues(scannerID).Add(float64(ev.Dropped))
}

// ObserveScan records one delivered barcode
func (m *Metrics) ObserveScan(scannerID string, ev pipeline.ScanEvent) {
	m.scans.WithLabelValues(scannerID, string(ev.Format)).Inc()
}

func (m *Metrics) setState(scannerID string, current pipeline.LifecycleState) {
	for _, s := range []pipeline.LifecycleState{pipeline.StateActive, pipeline.StatePaused, pipeline.StateStopped} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(scannerID, s.String()).Set(v)
	}
}
