package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RunsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_runs_started_total",
			Help: "Total number of workflow runs started",
		},
	)
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_runs_active",
			Help: "Number of workflow runs currently executing",
		},
	)
	RunsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_runs_finished_total",
			Help: "Total number of workflow runs finished by terminal status",
		},
		[]string{"status"},
	)

	ApplicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applications_total",
			Help: "Total number of application outcomes by status",
		},
		[]string{"status"},
	)
	SubmitAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_submit_attempts_total",
			Help: "Total number of portal submit attempts by outcome",
		},
		[]string{"outcome"},
	)
	SubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portal_submit_duration_seconds",
			Help:    "Portal submit attempt duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)

	MatchScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ranker_match_score",
			Help:    "Distribution of ranker match scores [0,100]",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	EventSubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_subscribers_dropped_total",
			Help: "Subscribers dropped for exceeding their pending-queue limit",
		},
	)
)

// InitMetrics registers all Prometheus metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RunsStartedTotal)
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(RunsFinishedTotal)
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(SubmitAttemptsTotal)
	prometheus.MustRegister(SubmitDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(MatchScoreHistogram)
	prometheus.MustRegister(EventSubscribersDropped)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// StartRun records a run starting.
func StartRun() {
	RunsStartedTotal.Inc()
	RunsActive.Inc()
}

// FinishRun records a run reaching a terminal status.
func FinishRun(status string) {
	RunsActive.Dec()
	RunsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveApplication records one application outcome.
func ObserveApplication(status string) {
	ApplicationsTotal.WithLabelValues(status).Inc()
}

// ObserveSubmitAttempt records one portal submit attempt.
func ObserveSubmitAttempt(outcome string, dur time.Duration) {
	SubmitAttemptsTotal.WithLabelValues(outcome).Inc()
	SubmitDuration.Observe(dur.Seconds())
}
