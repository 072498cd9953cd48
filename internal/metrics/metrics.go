// Package metrics provides Prometheus instrumentation for the ledger service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by direction and
	// initiator ("user" or "admin").
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simtrade_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction", "initiator"})

	// TradeRejections counts trades refused by the ledger, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simtrade_trade_rejections_total",
		Help: "Trades rejected by the ledger engine",
	}, []string{"kind"})

	// TradeLatency tracks end-to-end ledger execution time.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simtrade_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeNotional tracks cumulative USD notional traded per symbol.
	TradeNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simtrade_trade_notional_usd_total",
		Help: "Cumulative traded USD notional",
	}, []string{"symbol", "direction"})

	// OracleRequests counts price lookups by feed and outcome.
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simtrade_oracle_requests_total",
		Help: "Price oracle lookups by source and outcome",
	}, []string{"source", "outcome"})

	// OracleBreakerState exposes the price feed circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	OracleBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simtrade_oracle_breaker_state",
		Help: "Price feed circuit breaker state",
	}, []string{"breaker"})

	// WithdrawalsTotal counts withdrawal transitions by resulting status.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simtrade_withdrawals_total",
		Help: "Withdrawal requests by status",
	}, []string{"status"})

	// AccountsCreated counts registrations.
	AccountsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simtrade_accounts_created_total",
		Help: "Accounts created",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simtrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simtrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simtrade_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern returns the matched chi route ("/api/v1/accounts/{accountID}")
// so account ids do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
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

// Unwrap lets http.ResponseController reach the hijacker for websocket upgrades.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
