package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the
// portal: HTTP traffic plus lifecycle-specific counters.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	saveLocked      prometheus.Counter
	reviewDecisions *prometheus.CounterVec
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

	saveLocked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "criteria_save_locked_total",
		Help: "Content saves rejected because the record was submitted or reviewed",
	})

	reviewDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "criteria_review_decisions_total",
		Help: "Review decisions applied to submitted records",
	}, []string{"decision"})

	registry.MustRegister(requestDuration, requestTotal, saveLocked, reviewDecisions)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		saveLocked:      saveLocked,
		reviewDecisions: reviewDecisions,
	}
}

// ObserveHTTPRequest records one handled request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	s.requestDuration.With(labels).Observe(duration.Seconds())
	s.requestTotal.With(labels).Inc()
}

// ObserveSaveLocked counts a RECORD_LOCKED save rejection.
func (s *MetricsService) ObserveSaveLocked() {
	s.saveLocked.Inc()
}

// ObserveReviewDecision counts one reviewer verdict.
func (s *MetricsService) ObserveReviewDecision(decision string) {
	s.reviewDecisions.With(prometheus.Labels{"decision": decision}).Inc()
}

// Handler exposes the registry for the /metrics endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}
