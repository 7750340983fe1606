package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Browser session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tutor_gateway_active_sessions",
		Help: "Number of connected browser sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutor_gateway_session_duration_seconds",
		Help:    "Duration of browser sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	})

	// Speech capture metrics
	captureSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_capture_sessions_total",
		Help: "Capture sessions ended, by reason",
	}, []string{"reason"})

	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutor_gateway_capture_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180},
	})

	speechErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_speech_errors_total",
		Help: "Speech errors by kind and fatality",
	}, []string{"kind", "fatal"})

	// Playback metrics
	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_utterances_total",
		Help: "Utterances by outcome (started, superseded, failed)",
	}, []string{"outcome"})

	// Reply generation metrics
	tutorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_tutor_requests_total",
		Help: "Total number of reply generation requests",
	}, []string{"status"})

	tutorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutor_gateway_tutor_latency_seconds",
		Help:    "Reply generation latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tutor_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// RecordSessionStart records a browser session connecting and returns a func to call when it ends
func RecordSessionStart() func() {
	start := time.Now()
	activeSessions.Inc()
	return func() {
		activeSessions.Dec()
		sessionDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordCaptureEnd records a capture session ending
func RecordCaptureEnd(reason string, duration time.Duration) {
	captureSessions.WithLabelValues(reason).Inc()
	captureDuration.Observe(duration.Seconds())
}

// RecordSpeechError records a classified speech error
func RecordSpeechError(kind string, fatal bool) {
	f := "false"
	if fatal {
		f = "true"
	}
	speechErrors.WithLabelValues(kind, f).Inc()
}

// RecordUtterance records an utterance outcome
func RecordUtterance(outcome string) {
	utterances.WithLabelValues(outcome).Inc()
}

// RecordTutorRequest records a reply generation round trip
func RecordTutorRequest(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	tutorRequests.WithLabelValues(status).Inc()
	tutorLatency.Observe(latency.Seconds())
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
