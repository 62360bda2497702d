// Package metrics provides Prometheus metrics for the hub bridge and the
// reference hub server.
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
	// Bridge command metrics
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_commands_total",
			Help: "Total hub commands completed by the bridge",
		},
		[]string{"verb", "status"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_command_duration_seconds",
			Help:    "Hub command round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	commandsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_commands_pending",
			Help: "Commands submitted and not yet completed",
		},
	)

	// Cache tree metrics
	nodeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_node_events_total",
			Help: "Node events raised in cached trees",
		},
		[]string{"kind"},
	)

	cachedNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_cached_nodes",
			Help: "Nodes held in a bridge's cached tree",
		},
		[]string{"root"},
	)

	refreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_refresh_round_duration_seconds",
			Help:    "Latency of one auto-refresh round",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Content cache metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_content_bytes_downloaded_total",
			Help: "Total bytes downloaded into the content cache",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_content_cache_lookups_total",
			Help: "Content cache lookups",
		},
		[]string{"result"},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_content_cache_bytes",
			Help: "Bytes held in the content cache",
		},
	)

	// Server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	serverTreeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_server_tree_size",
			Help: "Number of nodes in the served tree",
		},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_sse_connections_active",
			Help: "Number of active change feed connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_sse_events_total",
			Help: "Total change feed events published",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordCommand records a completed bridge command.
func RecordCommand(verb string, duration time.Duration, success bool) {
	commandsTotal.WithLabelValues(verb, status(success)).Inc()
	commandDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// SetCommandsPending sets the number of in-flight commands.
func SetCommandsPending(n int) {
	commandsPending.Set(float64(n))
}

// RecordNodeEvent counts a node event by kind.
func RecordNodeEvent(kind string) {
	nodeEventsTotal.WithLabelValues(kind).Inc()
}

// SetCachedNodes sets the size of the tree cached under root.
func SetCachedNodes(root string, n int) {
	cachedNodes.WithLabelValues(root).Set(float64(n))
}

// RecordRefreshRound records the latency of an auto-refresh round.
func RecordRefreshRound(duration time.Duration) {
	refreshDuration.Observe(duration.Seconds())
}

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordCacheLookup records a content cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheBytes sets the content cache size.
func SetCacheBytes(n int64) {
	cacheBytes.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetServerTreeSize sets the number of nodes served.
func SetServerTreeSize(n int) {
	serverTreeSize.Set(float64(n))
}

// SetSSEConnectionsActive sets the number of active change feed connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records a change feed publication.
func RecordSSEEvent(kind string) {
	sseEventsTotal.WithLabelValues(kind).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
