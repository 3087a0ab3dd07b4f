package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the token
// engine. All methods are nil-safe so services can run without metrics
// in tests.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	tokensIssued       *prometheus.CounterVec
	verifications      *prometheus.CounterVec
	verifyFailures     *prometheus.CounterVec
	refreshRotations   prometheus.Counter
	revocations        *prometheus.CounterVec
	secretRotations    *prometheus.CounterVec
	auditBufferDepth   prometheus.Gauge
	verifyDuration     *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	tokensIssued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokens_issued_total",
		Help: "Total tokens issued per class",
	}, []string{"class"})

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_verifications_total",
		Help: "Total verification attempts per class and result",
	}, []string{"class", "result"})

	verifyFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_verification_failures_total",
		Help: "Verification failures per reason code",
	}, []string{"reason"})

	refreshRotations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_token_rotations_total",
		Help: "Total refresh token generation rotations",
	})

	revocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_revocations_total",
		Help: "Total token revocations per reason",
	}, []string{"reason"})

	secretRotations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secret_rotations_total",
		Help: "Total signing secret rotations per class",
	}, []string{"class"})

	auditBufferDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_buffer_depth",
		Help: "Unflushed audit events in the in-memory buffer",
	})

	verifyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "token_verification_duration_seconds",
		Help:    "Duration of token verification pipelines",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, tokensIssued, verifications,
		verifyFailures, refreshRotations, revocations, secretRotations, auditBufferDepth,
		verifyDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		tokensIssued:     tokensIssued,
		verifications:    verifications,
		verifyFailures:   verifyFailures,
		refreshRotations: refreshRotations,
		revocations:      revocations,
		secretRotations:  secretRotations,
		auditBufferDepth: auditBufferDepth,
		verifyDuration:   verifyDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// TokenIssued counts an issued token of the given class.
func (m *MetricsService) TokenIssued(class string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(class).Inc()
}

// VerificationResult counts one verification attempt.
func (m *MetricsService) VerificationResult(class string, ok bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
		if reason != "" {
			m.verifyFailures.WithLabelValues(reason).Inc()
		}
	}
	m.verifications.WithLabelValues(class, result).Inc()
	m.verifyDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// RefreshRotated counts one generation rotation.
func (m *MetricsService) RefreshRotated() {
	if m == nil {
		return
	}
	m.refreshRotations.Inc()
}

// TokenRevoked counts revocations by reason.
func (m *MetricsService) TokenRevoked(reason string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.revocations.WithLabelValues(reason).Add(float64(count))
}

// SecretRotated counts a signing secret rotation.
func (m *MetricsService) SecretRotated(class string) {
	if m == nil {
		return
	}
	m.secretRotations.WithLabelValues(class).Inc()
}

// SetAuditBufferDepth publishes the current audit buffer depth.
func (m *MetricsService) SetAuditBufferDepth(depth int) {
	if m == nil {
		return
	}
	m.auditBufferDepth.Set(float64(depth))
}
