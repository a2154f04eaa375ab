package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "mnist_serving"

	metricsNamePredictionLatency = "server_prediction_latency"
	metricsNamePredictions       = "server_predictions_total"
	metricsNameModelReloads      = "server_model_reloads_total"

	metricLabelCode   = "code"
	metricLabelLabel  = "label"
	metricLabelResult = "result"
)

// MetricsMonitoring is an interface for monitoring metrics.
type MetricsMonitoring interface {
	ObservePredictionLatency(code int, latency time.Duration)
	ObservePrediction(label uint8)
	ObserveModelReload(err error)
}

// MetricsMonitor holds and updates Prometheus metrics.
type MetricsMonitor struct {
	reg prometheus.Registerer

	predictionLatencyHistVec *prometheus.HistogramVec
	predictionCounterVec     *prometheus.CounterVec
	modelReloadCounterVec    *prometheus.CounterVec
}

// latencyBuckets are the buckets for the latencies from 1ms to 5 seconds.
var latencyBuckets = []float64{
	.001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5,
}

// NewMetricsMonitor returns a new MetricsMonitor registering its collectors
// to reg.
func NewMetricsMonitor(reg prometheus.Registerer) *MetricsMonitor {
	m := &MetricsMonitor{
		reg: reg,
		predictionLatencyHistVec: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      metricsNamePredictionLatency,
				Buckets:   latencyBuckets,
			},
			[]string{metricLabelCode},
		),
		predictionCounterVec: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricsNamePredictions,
			},
			[]string{metricLabelLabel},
		),
		modelReloadCounterVec: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricsNameModelReloads,
			},
			[]string{metricLabelResult},
		),
	}

	reg.MustRegister(
		m.predictionLatencyHistVec,
		m.predictionCounterVec,
		m.modelReloadCounterVec,
	)
	return m
}

// ObservePredictionLatency observes the latency of a prediction request.
func (m *MetricsMonitor) ObservePredictionLatency(code int, latency time.Duration) {
	m.predictionLatencyHistVec.WithLabelValues(strconv.Itoa(code)).Observe(float64(latency) / float64(time.Second))
}

// ObservePrediction counts a prediction of the label.
func (m *MetricsMonitor) ObservePrediction(label uint8) {
	m.predictionCounterVec.WithLabelValues(strconv.Itoa(int(label))).Inc()
}

// ObserveModelReload counts a model reload.
func (m *MetricsMonitor) ObserveModelReload(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.modelReloadCounterVec.WithLabelValues(result).Inc()
}

// UnregisterAllCollectors unregisters all collectors.
func (m *MetricsMonitor) UnregisterAllCollectors() {
	m.reg.Unregister(m.predictionLatencyHistVec)
	m.reg.Unregister(m.predictionCounterVec)
	m.reg.Unregister(m.modelReloadCounterVec)
}
