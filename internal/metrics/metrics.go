// Package metrics holds the Prometheus collectors of the API server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidyavaradhi_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vidyavaradhi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidyavaradhi_logins_total",
			Help: "Login attempts by result",
		},
		[]string{"result"},
	)

	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidyavaradhi_registrations_total",
			Help: "Completed registrations by role",
		},
		[]string{"role"},
	)

	otpIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vidyavaradhi_otp_issued_total",
			Help: "Total number of OTPs issued",
		},
	)

	otpVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidyavaradhi_otp_verifications_total",
			Help: "OTP verification attempts by outcome",
		},
		[]string{"outcome"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidyavaradhi_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"limiter"},
	)

	mailTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidyavaradhi_mail_total",
			Help: "Mail hand-offs by kind and result",
		},
		[]string{"kind", "result"},
	)
)

func RecordLogin(result string)            { loginsTotal.WithLabelValues(result).Inc() }
func RecordRegistration(role string)       { registrationsTotal.WithLabelValues(role).Inc() }
func RecordOTPIssued()                     { otpIssuedTotal.Inc() }
func RecordOTPVerification(outcome string) { otpVerificationsTotal.WithLabelValues(outcome).Inc() }
func RecordRateLimited(limiter string)     { rateLimitedTotal.WithLabelValues(limiter).Inc() }
func RecordMail(kind, result string)       { mailTotal.WithLabelValues(kind, result).Inc() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
