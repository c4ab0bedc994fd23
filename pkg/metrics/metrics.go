package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Cycle outcomes recorded by the engine
const (
	OutcomeComputed    = "computed"
	OutcomeSkippedBusy = "skipped_busy"
	OutcomeSilent      = "silent"
	OutcomeNoProfile   = "no_profile"
	OutcomeNoMatch     = "no_match"
	OutcomeError       = "error"
)

// MetricsPath is where the registry is served
const MetricsPath = "/metrics"

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Engine metrics
	CyclesTotal       *prometheus.CounterVec
	ComputeDuration   prometheus.Histogram
	AudioSamplesTotal prometheus.Counter
	Volume            prometheus.Gauge
	PhonemeRatio      *prometheus.GaugeVec
	CalibrationsTotal *prometheus.CounterVec
	ResizesTotal      prometheus.Counter

	// Transport metrics
	WebSocketClients      prometheus.Gauge
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
	RateLimitedRequests   *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		CyclesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneme_cycles_total",
				Help: "Consumer cycles by outcome",
			},
			[]string{"outcome"},
		)

		ComputeDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "phoneme_compute_seconds",
				Help:    "Time spent conditioning, transforming and classifying one frame",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
			},
		)

		AudioSamplesTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "phoneme_audio_samples_total",
				Help: "Mono samples written into the ring buffer",
			},
		)

		Volume = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "phoneme_volume",
				Help: "Latest normalized volume in [0,1]",
			},
		)

		PhonemeRatio = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "phoneme_ratio",
				Help: "Latest smoothed ratio per phoneme",
			},
			[]string{"phoneme"},
		)

		CalibrationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneme_calibrations_total",
				Help: "Calibration samples applied per phoneme",
			},
			[]string{"phoneme"},
		)

		ResizesTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "phoneme_resizes_total",
				Help: "Buffer reallocations caused by configuration changes",
			},
		)

		WebSocketClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "phoneme_ws_clients",
				Help: "Connected result websocket clients",
			},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneme_amqp_published_total",
				Help: "Results published to AMQP by status",
			},
			[]string{"status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "phoneme_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		RateLimitedRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneme_http_rate_limited_total",
				Help: "API requests rejected by the rate limiter per path",
			},
			[]string{"path"},
		)

		registry.MustRegister(
			CyclesTotal,
			ComputeDuration,
			AudioSamplesTotal,
			Volume,
			PhonemeRatio,
			CalibrationsTotal,
			ResizesTotal,
			WebSocketClients,
			AMQPPublishedMessages,
			AMQPConnectionStatus,
			RateLimitedRequests,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsEnabled enables or disables metrics collection
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// Handler returns the HTTP handler serving the registry
func Handler() http.Handler {
	return promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if IsMetricsEnabled() {
		mux.Handle(MetricsPath, Handler())
	}
}

// RecordCycle counts one consumer cycle with the given outcome
func RecordCycle(outcome string) {
	if IsMetricsEnabled() {
		CyclesTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordComputeDuration records an already measured computation time
func RecordComputeDuration(d time.Duration) {
	if IsMetricsEnabled() {
		ComputeDuration.Observe(d.Seconds())
	}
}

// RecordAudioSamples counts mono samples accepted by the ring buffer
func RecordAudioSamples(count int) {
	if IsMetricsEnabled() {
		AudioSamplesTotal.Add(float64(count))
	}
}

// RecordResult publishes the latest volume and ratio distribution
func RecordResult(volume float64, ratios map[string]float64) {
	if !IsMetricsEnabled() {
		return
	}
	Volume.Set(volume)
	for name, ratio := range ratios {
		PhonemeRatio.WithLabelValues(name).Set(ratio)
	}
}

// ResetRatios drops ratio series, used when the profile vocabulary changes
func ResetRatios() {
	if IsMetricsEnabled() {
		PhonemeRatio.Reset()
	}
}

// RecordCalibration counts one applied calibration sample
func RecordCalibration(phoneme string) {
	if IsMetricsEnabled() {
		CalibrationsTotal.WithLabelValues(phoneme).Inc()
	}
}

// RecordResize counts one buffer reallocation
func RecordResize() {
	if IsMetricsEnabled() {
		ResizesTotal.Inc()
	}
}

// SetWebSocketClients sets the connected websocket client count
func SetWebSocketClients(count int) {
	if IsMetricsEnabled() {
		WebSocketClients.Set(float64(count))
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(status string) {
	if IsMetricsEnabled() {
		AMQPPublishedMessages.WithLabelValues(status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if IsMetricsEnabled() {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}

// RecordRateLimited counts a request rejected by the rate limiter
func RecordRateLimited(path string) {
	if IsMetricsEnabled() {
		RateLimitedRequests.WithLabelValues(path).Inc()
	}
}
