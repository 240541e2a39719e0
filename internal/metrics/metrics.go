package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuantizeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantsim_quantize_calls_total",
		Help: "Fake-quantization operator calls",
	}, []string{"strategy", "mode"})

	QuantizeElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantsim_quantize_elements_total",
		Help: "Tensor elements passed through fake-quantization",
	}, []string{"strategy"})

	// ZeroScale counts calls whose scale fell under the epsilon guard.
	ZeroScale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantsim_zero_scale_total",
		Help: "Calls quantizing with a scale below the epsilon guard",
	}, []string{"strategy"})

	LayerScale = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantsim_layer_scale",
		Help: "Most recent trained scalar scale per session layer",
	}, []string{"session", "layer"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantsim_active_sessions",
		Help: "Quantizer sessions currently held by the server",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantsim_validation_errors_total",
		Help: "Total number of rejected requests or plans",
	}, []string{"operation", "error_type"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantsim_operation_duration_seconds",
		Help:    "Duration of fake-quantization operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})
)

// RecordQuantize bumps the call and element counters for one operator run.
func RecordQuantize(strategy, mode string, elements int, zeroScale bool) {
	QuantizeCalls.WithLabelValues(strategy, mode).Inc()
	QuantizeElements.WithLabelValues(strategy).Add(float64(elements))
	if zeroScale {
		ZeroScale.WithLabelValues(strategy).Inc()
	}
}

// ForgetSession deletes every LayerScale series of a session and returns how
// many were removed.
func ForgetSession(session string) int {
	return LayerScale.DeletePartialMatch(prometheus.Labels{"session": session})
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordDuration(strategy string, d time.Duration) {
	OperationDuration.WithLabelValues(strategy).Observe(d.Seconds())
}
