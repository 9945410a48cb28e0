// Package metrics exposes Prometheus collectors for the monitor and the
// post-processing pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the application updates
type Metrics struct {
	polls             *prometheus.CounterVec
	samplesLogged     prometheus.Counter
	monitorState      *prometheus.GaugeVec
	extractions       *prometheus.CounterVec
	extractionLatency prometheus.Histogram
	layers            *prometheus.CounterVec
	medianFrameBytes  prometheus.Gauge
}

// Monitor states reported through the layerlapse_monitor_state gauge
var monitorStates = []string{"idle", "waiting", "recording", "stopped"}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layerlapse_printer_polls_total",
			Help: "Printer telemetry polls, by result.",
		}, []string{"result"}),
		samplesLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "layerlapse_samples_logged_total",
			Help: "Telemetry samples appended to the session log.",
		}),
		monitorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "layerlapse_monitor_state",
			Help: "1 for the state the monitor is currently in, 0 otherwise.",
		}, []string{"state"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layerlapse_frame_extractions_total",
			Help: "Frame extraction attempts, by result.",
		}, []string{"result"}),
		extractionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "layerlapse_frame_extraction_seconds",
			Help:    "Wall time of a single frame extraction.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		layers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layerlapse_layers_resolved_total",
			Help: "Layers resolved by the repair stage, by status.",
		}, []string{"status"}),
		medianFrameBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "layerlapse_median_frame_bytes",
			Help: "Median size of the initially extracted frames of the last run.",
		}),
	}

	reg.MustRegister(
		m.polls,
		m.samplesLogged,
		m.monitorState,
		m.extractions,
		m.extractionLatency,
		m.layers,
		m.medianFrameBytes,
	)
	return m
}

// PollSucceeded counts a successful telemetry poll
func (m *Metrics) PollSucceeded() {
	if m == nil {
		return
	}
	m.polls.WithLabelValues("ok").Inc()
}

// PollFailed counts a failed telemetry poll
func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.polls.WithLabelValues("error").Inc()
}

// SampleLogged counts a sample written to the session log
func (m *Metrics) SampleLogged() {
	if m == nil {
		return
	}
	m.samplesLogged.Inc()
}

// SetMonitorState marks state as the current monitor state
func (m *Metrics) SetMonitorState(state string) {
	if m == nil {
		return
	}
	for _, s := range monitorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.monitorState.WithLabelValues(s).Set(v)
	}
}

// ObserveExtraction records one extraction attempt
func (m *Metrics) ObserveExtraction(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.extractions.WithLabelValues(result).Inc()
	m.extractionLatency.Observe(seconds)
}

// LayerResolved counts a layer leaving the repair stage with status
func (m *Metrics) LayerResolved(status string) {
	if m == nil {
		return
	}
	m.layers.WithLabelValues(status).Inc()
}

// SetMedianFrameSize records the median frame size used as the corruption baseline
func (m *Metrics) SetMedianFrameSize(bytes float64) {
	if m == nil {
		return
	}
	m.medianFrameBytes.Set(bytes)
}
