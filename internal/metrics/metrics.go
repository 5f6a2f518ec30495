// Package metrics provides Prometheus metrics for a peershare node.
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
	// Operator API metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_http_requests_total",
			Help: "Total number of operator API requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peershare_http_request_duration_seconds",
			Help:    "Operator API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Catalog metrics
	catalogEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_catalog_entries",
			Help: "Number of distinct content hashes currently shared",
		},
	)

	catalogRescanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peershare_catalog_rescan_duration_seconds",
			Help:    "Time to walk and hash the shared folder",
			Buckets: prometheus.DefBuckets,
		},
	)

	hashCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_hash_cache_lookups_total",
			Help: "Hash cache lookups by result",
		},
		[]string{"result"},
	)

	// Discovery metrics
	discoveryBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_discovery_broadcasts_total",
			Help: "Discovery probes sent, by outcome",
		},
		[]string{"status"},
	)

	discoveryPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_discovery_peers",
			Help: "Number of peers found by the last discovery round",
		},
	)

	discoveryRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_discovery_replies_total",
			Help: "Discovery probes answered or throttled by the responder",
		},
		[]string{"result"},
	)

	// Transfer protocol metrics
	protocolRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_protocol_requests_total",
			Help: "Transfer protocol requests served, by command and status",
		},
		[]string{"command", "status"},
	)

	chunkBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peershare_chunk_bytes_served_total",
			Help: "Total chunk bytes sent to peers",
		},
	)

	chunkFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_chunk_fetches_total",
			Help: "Chunk fetch attempts against peers",
		},
		[]string{"status"},
	)

	chunkBytesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peershare_chunk_bytes_fetched_total",
			Help: "Total chunk bytes received from peers",
		},
	)

	chunkFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peershare_chunk_fetch_duration_seconds",
			Help:    "Chunk fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Download metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_downloads_total",
			Help: "Completed download attempts by result",
		},
		[]string{"result"},
	)

	downloadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_downloads_active",
			Help: "Downloads currently in progress",
		},
	)

	// Loop metrics
	loopIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_loop_iterations_total",
			Help: "Background loop iterations by loop and outcome",
		},
		[]string{"loop", "status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
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

// RecordHTTPRequest records an operator API request.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetCatalogEntries sets the number of shared hashes.
func SetCatalogEntries(n int) {
	catalogEntries.Set(float64(n))
}

// RecordCatalogRescan records how long a rescan took.
func RecordCatalogRescan(duration time.Duration) {
	catalogRescanDuration.Observe(duration.Seconds())
}

// RecordHashCacheLookup records a hash cache hit or miss.
func RecordHashCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	hashCacheLookups.WithLabelValues(result).Inc()
}

// RecordDiscoveryBroadcast records a discovery probe send.
func RecordDiscoveryBroadcast(success bool) {
	discoveryBroadcastsTotal.WithLabelValues(status(success)).Inc()
}

// RecordDiscoveryFloodLimited records a probe refused by the flood limit.
func RecordDiscoveryFloodLimited() {
	discoveryBroadcastsTotal.WithLabelValues("flood_limited").Inc()
}

// SetDiscoveryPeers sets the peer count of the latest round.
func SetDiscoveryPeers(n int) {
	discoveryPeers.Set(float64(n))
}

// RecordDiscoveryReply records whether the responder answered a probe.
func RecordDiscoveryReply(answered bool) {
	result := "answered"
	if !answered {
		result = "throttled"
	}
	discoveryRepliesTotal.WithLabelValues(result).Inc()
}

// RecordProtocolRequest records a served transfer protocol request.
func RecordProtocolRequest(command string, success bool) {
	protocolRequestsTotal.WithLabelValues(command, status(success)).Inc()
}

// RecordChunkServed records chunk bytes sent to a peer.
func RecordChunkServed(bytes int64) {
	chunkBytesServed.Add(float64(bytes))
}

// RecordChunkFetch records a chunk fetch from a peer.
func RecordChunkFetch(bytes int64, duration time.Duration, success bool) {
	chunkFetchesTotal.WithLabelValues(status(success)).Inc()
	chunkFetchDuration.Observe(duration.Seconds())
	if bytes > 0 {
		chunkBytesFetched.Add(float64(bytes))
	}
}

// RecordDownload records the outcome of a download: "verified",
// "mismatch" or "failed".
func RecordDownload(result string) {
	downloadsTotal.WithLabelValues(result).Inc()
}

// AddDownloadsActive adjusts the in-progress download gauge.
func AddDownloadsActive(delta int) {
	downloadsActive.Add(float64(delta))
}

// RecordLoopIteration records a background loop pass.
func RecordLoopIteration(loop string, success bool) {
	loopIterationsTotal.WithLabelValues(loop, status(success)).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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
// The route pattern is used as the path label when available to keep
// cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
