// Package metrics provides Prometheus instrumentation for the auction engine.
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
	// AuctionsCreated counts auctions started.
	AuctionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_auctions_created_total",
		Help: "Total number of auctions started",
	})

	// BidsTotal counts accepted bids.
	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_bids_total",
		Help: "Total number of accepted bids",
	})

	// Rejections counts failed operations, partitioned by operation and reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_operation_rejections_total",
		Help: "Operations rejected by the auction engine",
	}, []string{"op", "reason"})

	// Extensions counts deadline extensions caused by late bids.
	Extensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_auction_extensions_total",
		Help: "Deadline extensions caused by late bids",
	})

	// OperationLatency tracks engine operation latency, including persistence.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_operation_latency_seconds",
		Help:    "Auction operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// PayoutVolume tracks cumulative paid-out value by payout kind.
	PayoutVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_payout_volume_total",
		Help: "Cumulative value transferred out, in minor units",
	}, []string{"kind"})

	// FeesCollected tracks cumulative settlement fees.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_fees_collected_total",
		Help: "Cumulative settlement fees, in minor units",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts events delivered to external sinks.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_events_published_total",
		Help: "Auction events published, by sink and outcome",
	}, []string{"sink", "outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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

		// Route pattern keeps auction IDs out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
