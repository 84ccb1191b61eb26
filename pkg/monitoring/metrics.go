package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code", "service"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "service"},
	)

	// Audit chain metrics
	auditAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Total number of audit append attempts",
		},
		[]string{"event_type", "status", "service"},
	)

	auditAppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_append_duration_seconds",
			Help:    "Duration of audit append operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"service"},
	)

	auditChainLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_chain_length",
			Help: "Sequence number of the audit chain tail",
		},
		[]string{"service"},
	)

	chainVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_verifications_total",
			Help: "Total number of audit chain verification runs",
		},
		[]string{"result", "service"},
	)

	// PHI encryption metrics
	phiOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_operations_total",
			Help: "Total number of PHI field encryption operations",
		},
		[]string{"operation", "field_type", "status", "service"},
	)

	phiOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phi_operation_duration_seconds",
			Help:    "Duration of PHI field operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation", "service"},
	)

	// Access policy metrics
	accessDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Total number of minimum-necessary access decisions",
		},
		[]string{"role", "purpose", "decision", "service"},
	)

	// Compliance alert metrics
	complianceAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_alerts_total",
			Help: "Total number of compliance alerts raised",
		},
		[]string{"alert_type", "severity", "service"},
	)

	// System metrics
	systemErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "system_errors_total",
			Help: "Total number of system errors",
		},
		[]string{"error_type", "service", "component"},
	)
)

// MetricsCollector handles Prometheus metrics collection
type MetricsCollector struct {
	serviceName string
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		auditAppendsTotal,
		auditAppendDuration,
		auditChainLength,
		chainVerificationsTotal,
		phiOperationsTotal,
		phiOperationDuration,
		accessDecisionsTotal,
		complianceAlertsTotal,
		systemErrors,
	)

	return &MetricsCollector{
		serviceName: serviceName,
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordAuditAppend records an audit append attempt and its duration
func (m *MetricsCollector) RecordAuditAppend(eventType string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	auditAppendsTotal.WithLabelValues(eventType, status, m.serviceName).Inc()
	auditAppendDuration.WithLabelValues(m.serviceName).Observe(duration.Seconds())
}

// SetChainLength records the current tail sequence number
func (m *MetricsCollector) SetChainLength(sequenceNumber uint64) {
	auditChainLength.WithLabelValues(m.serviceName).Set(float64(sequenceNumber))
}

// RecordChainVerification records the outcome of a chain verification run
func (m *MetricsCollector) RecordChainVerification(valid bool) {
	result := "valid"
	if !valid {
		result = "tampered"
	}
	chainVerificationsTotal.WithLabelValues(result, m.serviceName).Inc()
}

// RecordPHIOperation records an encrypt or decrypt of a PHI field
func (m *MetricsCollector) RecordPHIOperation(operation, fieldType string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	phiOperationsTotal.WithLabelValues(operation, fieldType, status, m.serviceName).Inc()
	phiOperationDuration.WithLabelValues(operation, m.serviceName).Observe(duration.Seconds())
}

// RecordAccessDecision records a minimum-necessary policy decision
func (m *MetricsCollector) RecordAccessDecision(role, purpose string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	accessDecisionsTotal.WithLabelValues(role, purpose, decision, m.serviceName).Inc()
}

// RecordComplianceAlert records a raised compliance alert
func (m *MetricsCollector) RecordComplianceAlert(alertType, severity string) {
	complianceAlertsTotal.WithLabelValues(alertType, severity, m.serviceName).Inc()
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	systemErrors.WithLabelValues(errorType, m.serviceName, component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware creates middleware for HTTP request metrics
func (m *MetricsCollector) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		statusCode := strconv.Itoa(wrapper.statusCode)

		m.RecordHTTPRequest(r.Method, r.URL.Path, statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
