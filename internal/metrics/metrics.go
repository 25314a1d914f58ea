// Package metrics provides Prometheus instrumentation for the game engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts accepted bets, partitioned by direction.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpdump_bets_total",
		Help: "Total number of accepted bets",
	}, []string{"direction"})

	// BetsRejected counts bets refused before touching round state.
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpdump_bets_rejected_total",
		Help: "Bets rejected, by reason",
	}, []string{"reason"})

	// BetLatency tracks bet handling time including the ledger decrement.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pumpdump_bet_latency_seconds",
		Help:    "Bet handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// RoundsSettled counts rounds ended by a tide shift, by winning side.
	RoundsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpdump_rounds_settled_total",
		Help: "Rounds settled by a tide shift",
	}, []string{"outcome"})

	// RewardDispatchFailures counts payouts that could not be delivered to
	// a ledger. The credit is retried on the next settlement of that user.
	RewardDispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pumpdump_reward_dispatch_failures_total",
		Help: "Reward payouts that failed to reach the recipient ledger",
	})

	// Settlements counts ledger reconciliations against the backend.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpdump_settlements_total",
		Help: "Ledger settlements, by result",
	}, []string{"result"})

	// TreasuryRejections counts withdrawals refused by the daily cap.
	TreasuryRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpdump_treasury_rejections_total",
		Help: "Withdrawals rejected by the daily treasury limit",
	}, []string{"game"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpdump_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HotOrNotVotes counts hot-or-not votes by result.
	HotOrNotVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpdump_hon_votes_total",
		Help: "Hot-or-not votes, by result",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpdump_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pumpdump_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so that principals and
// token roots in the path do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
