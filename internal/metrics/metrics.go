// Package metrics provides Prometheus metrics for qbtfs.
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
	// Tree generation metrics
	rebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_rebuilds_total",
			Help: "Total tree rebuild attempts",
		},
		[]string{"result"},
	)

	rebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qbtfs_rebuild_duration_seconds",
			Help:    "Time to fetch the item list and build a tree generation",
			Buckets: prometheus.DefBuckets,
		},
	)

	rebuildSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_rebuild_skipped_total",
			Help: "Items and sub-items skipped during rebuilds",
		},
		[]string{"reason"},
	)

	treeGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbtfs_tree_generation",
			Help: "Generation number of the tree being served",
		},
	)

	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbtfs_tree_nodes",
			Help: "Number of nodes in the tree being served",
		},
	)

	treeItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbtfs_tree_items",
			Help: "Number of top-level item directories being served",
		},
	)

	// FUSE operation metrics
	fuseOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_fuse_ops_total",
			Help: "Total FUSE operations by result",
		},
		[]string{"op", "status"},
	)

	readBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_read_bytes_total",
			Help: "Bytes returned by read operations",
		},
		[]string{"content"},
	)

	// Web API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_api_requests_total",
			Help: "Total qBittorrent Web API requests",
		},
		[]string{"endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qbtfs_api_request_duration_seconds",
			Help:    "qBittorrent Web API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	apiOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbtfs_api_online",
			Help: "1 if the qBittorrent Web API is reachable",
		},
	)

	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_logins_total",
			Help: "Web API login attempts",
		},
		[]string{"result"},
	)

	snapshotOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_snapshot_ops_total",
			Help: "Offline snapshot saves and loads",
		},
		[]string{"op", "result"},
	)

	// Status server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_http_requests_total",
			Help: "Total status server HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbtfs_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbtfs_events_total",
			Help: "Events published by type",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRebuild records the outcome of a rebuild attempt.
func RecordRebuild(duration time.Duration, success bool) {
	rebuildDuration.Observe(duration.Seconds())
	rebuildsTotal.WithLabelValues(result(success)).Inc()
}

// RecordSkipped adds n skipped entries for reason.
func RecordSkipped(reason string, n int) {
	if n > 0 {
		rebuildSkippedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// SetTree publishes the shape of the generation being served.
func SetTree(generation uint64, nodes, items int) {
	treeGeneration.Set(float64(generation))
	treeNodes.Set(float64(nodes))
	treeItems.Set(float64(items))
}

// RecordFuseOp records one FUSE operation and its errno (0 for success).
func RecordFuseOp(op string, errno int) {
	fuseOpsTotal.WithLabelValues(op, strconv.Itoa(errno)).Inc()
}

// RecordRead records bytes served for a content kind.
func RecordRead(content string, n int) {
	readBytesTotal.WithLabelValues(content).Add(float64(n))
}

// RecordAPIRequest records a Web API request. Status 0 means a transport
// error.
func RecordAPIRequest(endpoint string, status int, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetAPIOnline records Web API reachability.
func SetAPIOnline(online bool) {
	if online {
		apiOnline.Set(1)
	} else {
		apiOnline.Set(0)
	}
}

// RecordLogin records a login attempt.
func RecordLogin(success bool) {
	loginsTotal.WithLabelValues(result(success)).Inc()
}

// RecordSnapshot records a snapshot save or load.
func RecordSnapshot(op string, success bool) {
	snapshotOpsTotal.WithLabelValues(op, result(success)).Inc()
}

// SetEventSubscribers sets the number of event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
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
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
