// Package metrics provides Prometheus instrumentation for the engine.
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
	// ExecsTotal counts executed messages by message name and outcome.
	ExecsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpfi_execs_total",
		Help: "Total exec messages processed",
	}, []string{"msg", "outcome"})

	// PositionsOpened counts positions opened, partitioned by direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpfi_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"direction"})

	// PositionsClosed counts positions closed, partitioned by reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpfi_positions_closed_total",
		Help: "Total positions closed",
	}, []string{"reason"})

	// CrankWorkTotal counts processed crank work units by kind.
	CrankWorkTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpfi_crank_work_total",
		Help: "Total crank work units processed",
	}, []string{"kind"})

	// PoolLocked gauges the pool's locked counter-collateral.
	PoolLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpfi_pool_locked_collateral",
		Help: "Pool collateral locked behind open positions",
	})

	// PoolUnlocked gauges the pool's unlocked collateral.
	PoolUnlocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpfi_pool_unlocked_collateral",
		Help: "Pool collateral available for new positions",
	})

	// OpenInterestNotional gauges aggregate exposure per side.
	OpenInterestNotional = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpfi_open_interest_notional",
		Help: "Aggregate open interest in notional units",
	}, []string{"side"})

	// PricePointsTotal counts appended price points.
	PricePointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpfi_price_points_total",
		Help: "Total price points appended",
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpfi_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpfi_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpfi_http_request_duration_seconds",
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

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
