package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the credential store answers pings.",
	})
)

// Domain metrics
var (
	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorverify_verifications_total",
			Help: "Verification outcomes by result.",
		},
		[]string{"result"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorverify_alerts_total",
			Help: "Security alerts raised by type.",
		},
		[]string{"type"},
	)

	credentialsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vendorverify_credentials_issued_total",
		Help: "Credentials issued.",
	})

	verifyTransientFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vendorverify_verify_transient_failures_total",
		Help: "Verifications aborted by store timeouts or errors.",
	})

	auditWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorverify_audit_write_failures_total",
			Help: "Audit records that could not be persisted or published.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			verificationsTotal, alertsTotal, credentialsIssued,
			verifyTransientFailures, auditWriteFailures,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func ObserveVerification(result string) { verificationsTotal.WithLabelValues(result).Inc() }

func ObserveAlert(alertType string) { alertsTotal.WithLabelValues(alertType).Inc() }

func ObserveIssued(n int) { credentialsIssued.Add(float64(n)) }

func ObserveVerifyTransient() { verifyTransientFailures.Inc() }

// ObserveAuditFailure counts a failed attempt/alert write or alert publish.
func ObserveAuditFailure(kind string) { auditWriteFailures.WithLabelValues(kind).Inc() }

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	const credPrefix = "/v1/admin/credentials/"
	if strings.HasPrefix(p, credPrefix) {
		rest := strings.TrimPrefix(p, credPrefix)
		parts := strings.Split(rest, "/")
		if len(parts) == 2 && parts[0] != "" && parts[1] == "revoke" {
			return credPrefix + ":id/revoke"
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
