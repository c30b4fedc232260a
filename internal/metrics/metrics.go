// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trades by side and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_trades_total",
		Help: "Total number of trade attempts",
	}, []string{"side", "outcome"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRetries counts transient-conflict retries inside the trade loop.
	TradeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_trade_retries_total",
		Help: "Trade attempts retried after a lock/serialization conflict",
	})

	// InteractionsTotal counts recorded interactions by action type.
	InteractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_interactions_total",
		Help: "Total social interactions recorded",
	}, []string{"action"})

	// FeesCollected accumulates treasury fees across committed trades.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_fees_collected_total",
		Help: "Cumulative trading fees credited to the treasury",
	})

	// WebSocketClients tracks connected subscribers by topic space.
	WebSocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "market_websocket_clients",
		Help: "Number of connected WebSocket subscribers",
	}, []string{"space"})

	// BroadcastDrops counts messages dropped because a subscriber buffer
	// was full or the send failed.
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_broadcast_drops_total",
		Help: "Broadcast messages dropped or failed",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is low.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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
