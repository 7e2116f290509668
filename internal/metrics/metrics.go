// Package metrics holds the Prometheus collectors of the support portal.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Conversation metrics
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_conversation_transitions_total",
			Help: "Conversation step transitions",
		},
		[]string{"from", "to"},
	)

	ResolutionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_resolution_outcomes_total",
			Help: "Resolution step calls by outcome",
		},
		[]string{"outcome"},
	)

	ClassifierFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_classifier_fallbacks_total",
			Help: "Classification calls that failed open",
		},
		[]string{"kind"},
	)

	ActiveConversations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportdesk_active_conversations",
			Help: "Conversations currently held in memory",
		},
	)

	// Handoff metrics
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_escalations_total",
			Help: "Escalation calls by result",
		},
		[]string{"result"},
	)

	HandoffPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_handoff_polls_total",
			Help: "Handoff session polls by result",
		},
		[]string{"result"},
	)

	AgentMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_agent_messages_delivered_total",
			Help: "Agent messages delivered to customers",
		},
	)

	// Transcript metrics
	TranscriptWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_transcript_write_failures_total",
			Help: "Remote message appends that failed",
		},
	)

	TranscriptDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_transcript_dropped_total",
			Help: "Remote message appends dropped under backpressure",
		},
	)

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	registerOnce sync.Once
)

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Transitions,
			ResolutionOutcomes,
			ClassifierFallbacks,
			ActiveConversations,
			Escalations,
			HandoffPolls,
			AgentMessages,
			TranscriptWriteFailures,
			TranscriptDropped,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
