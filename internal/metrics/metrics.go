package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const prefix = "mediafetch_"

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	requestCount    map[string]*uint64    // endpoint:method -> count
	requestDuration map[string]*Histogram // endpoint:method -> duration histogram
	requestErrors   map[string]*uint64    // endpoint:method:status_class -> count

	// Job metrics
	jobOutcomes  map[string]*uint64 // terminal state -> count
	jobDuration  *Histogram
	activeJobs   int64
	waitingJobs  int64
	jobsAccepted uint64

	// Delivery and user-facing traffic
	rateLimitRejections uint64
	progressEdits       uint64
	progressDropped     uint64
	activeWSConnections int64
	activeSessions      int64

	startTime time.Time
}

// Histogram tracks value distributions
type Histogram struct {
	mu         sync.Mutex
	count      uint64
	sum        float64
	buckets    []float64
	bucketVals []uint64
}

// NewHistogram creates a new histogram with latency buckets from 5ms to 10s
func NewHistogram() *Histogram {
	return NewHistogramWithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
}

// NewHistogramWithBuckets creates a histogram with the given upper bounds
func NewHistogramWithBuckets(buckets []float64) *Histogram {
	return &Histogram{
		buckets:    buckets,
		bucketVals: make([]uint64, len(buckets)),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, bucket := range h.buckets {
		fmt.Fprintf(sb, "%s_bucket{%s%sle=\"%g\"} %d\n", name, labels, sep, bucket, h.bucketVals[i])
	}
	fmt.Fprintf(sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, h.count)
	if labels != "" {
		fmt.Fprintf(sb, "%s_sum{%s} %f\n", name, labels, h.sum)
		fmt.Fprintf(sb, "%s_count{%s} %d\n", name, labels, h.count)
	} else {
		fmt.Fprintf(sb, "%s_sum %f\n", name, h.sum)
		fmt.Fprintf(sb, "%s_count %d\n", name, h.count)
	}
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		jobOutcomes:     make(map[string]*uint64),
		jobDuration:     NewHistogramWithBuckets([]float64{1, 5, 15, 30, 60, 120, 300, 600}),
		startTime:       time.Now(),
	}
}

// global metrics instance
var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// counter returns the counter stored under key, creating it on first use.
func (m *Metrics) counter(set map[string]*uint64, key string) *uint64 {
	m.mu.RLock()
	c := set[key]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if set[key] == nil {
		var zero uint64
		set[key] = &zero
	}
	return set[key]
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	atomic.AddUint64(m.counter(m.requestCount, key), 1)

	m.mu.Lock()
	h := m.requestDuration[key]
	if h == nil {
		h = NewHistogram()
		m.requestDuration[key] = h
	}
	m.mu.Unlock()
	h.Observe(duration.Seconds())

	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100)
		atomic.AddUint64(m.counter(m.requestErrors, errorKey), 1)
	}
}

// normalizeEndpoint normalizes an endpoint path for metrics (removes IDs)
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// UUID pattern (simplified)
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	atomic.AddInt64(&m.activeWSConnections, 1)
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	atomic.AddInt64(&m.activeWSConnections, -1)
}

// SetActiveSessions reports the number of open selection sessions
func (m *Metrics) SetActiveSessions(n int) {
	atomic.StoreInt64(&m.activeSessions, int64(n))
}

// JobAccepted counts a submitted job
func (m *Metrics) JobAccepted() {
	atomic.AddUint64(&m.jobsAccepted, 1)
}

// SetSlotUsage reports executing and waiting job counts
func (m *Metrics) SetSlotUsage(active, waiting int) {
	atomic.StoreInt64(&m.activeJobs, int64(active))
	atomic.StoreInt64(&m.waitingJobs, int64(waiting))
}

// RecordJobOutcome counts a terminal job and observes its lifetime
func (m *Metrics) RecordJobOutcome(state string, duration time.Duration) {
	atomic.AddUint64(m.counter(m.jobOutcomes, state), 1)
	m.jobDuration.Observe(duration.Seconds())
}

// IncRateLimitRejections counts a request turned away by the rate limiter
func (m *Metrics) IncRateLimitRejections() {
	atomic.AddUint64(&m.rateLimitRejections, 1)
}

// IncProgressEdits counts a progress update pushed to a user
func (m *Metrics) IncProgressEdits() {
	atomic.AddUint64(&m.progressEdits, 1)
}

// IncProgressDropped counts a progress snapshot skipped for a lagging
// subscriber
func (m *Metrics) IncProgressDropped() {
	atomic.AddUint64(&m.progressDropped, 1)
}

func writeHeader(sb *strings.Builder, name, kind, help string) {
	fmt.Fprintf(sb, "# HELP %s%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s%s %s\n", prefix, name, kind)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		writeHeader(&sb, "uptime_seconds", "gauge", "Time since the server started")
		fmt.Fprintf(&sb, "%suptime_seconds %f\n\n", prefix, time.Since(m.startTime).Seconds())

		writeHeader(&sb, "websocket_connections_active", "gauge", "Active WebSocket connections")
		fmt.Fprintf(&sb, "%swebsocket_connections_active %d\n\n", prefix, atomic.LoadInt64(&m.activeWSConnections))

		writeHeader(&sb, "sessions_active", "gauge", "Open selection sessions")
		fmt.Fprintf(&sb, "%ssessions_active %d\n\n", prefix, atomic.LoadInt64(&m.activeSessions))

		writeHeader(&sb, "jobs_accepted_total", "counter", "Jobs accepted for execution")
		fmt.Fprintf(&sb, "%sjobs_accepted_total %d\n\n", prefix, atomic.LoadUint64(&m.jobsAccepted))

		writeHeader(&sb, "jobs_active", "gauge", "Jobs holding a concurrency slot")
		fmt.Fprintf(&sb, "%sjobs_active %d\n\n", prefix, atomic.LoadInt64(&m.activeJobs))

		writeHeader(&sb, "jobs_waiting", "gauge", "Jobs waiting for a concurrency slot")
		fmt.Fprintf(&sb, "%sjobs_waiting %d\n\n", prefix, atomic.LoadInt64(&m.waitingJobs))

		writeHeader(&sb, "rate_limit_rejections_total", "counter", "Requests rejected by the per-user rate limiter")
		fmt.Fprintf(&sb, "%srate_limit_rejections_total %d\n\n", prefix, atomic.LoadUint64(&m.rateLimitRejections))

		writeHeader(&sb, "progress_edits_total", "counter", "Progress updates emitted to users")
		fmt.Fprintf(&sb, "%sprogress_edits_total %d\n\n", prefix, atomic.LoadUint64(&m.progressEdits))

		writeHeader(&sb, "progress_dropped_total", "counter", "Progress snapshots skipped for lagging subscribers")
		fmt.Fprintf(&sb, "%sprogress_dropped_total %d\n\n", prefix, atomic.LoadUint64(&m.progressDropped))

		writeHeader(&sb, "job_duration_seconds", "histogram", "Job lifetime from submission to terminal state")
		m.jobDuration.write(&sb, prefix+"job_duration_seconds", "")
		sb.WriteString("\n")

		m.mu.RLock()
		if len(m.jobOutcomes) > 0 {
			writeHeader(&sb, "jobs_total", "counter", "Terminal jobs by state")
			for _, state := range sortedKeys(m.jobOutcomes) {
				fmt.Fprintf(&sb, "%sjobs_total{state=\"%s\"} %d\n", prefix, state, atomic.LoadUint64(m.jobOutcomes[state]))
			}
			sb.WriteString("\n")
		}

		if len(m.requestCount) > 0 {
			writeHeader(&sb, "http_requests_total", "counter", "Total HTTP requests")
			for _, key := range sortedKeys(m.requestCount) {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					fmt.Fprintf(&sb, "%shttp_requests_total{endpoint=\"%s\",method=\"%s\"} %d\n", prefix, parts[0], parts[1], atomic.LoadUint64(m.requestCount[key]))
				}
			}
			sb.WriteString("\n")
		}

		if len(m.requestDuration) > 0 {
			writeHeader(&sb, "http_request_duration_seconds", "histogram", "HTTP request latency")
			for _, key := range sortedKeys(m.requestDuration) {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					labels := fmt.Sprintf("endpoint=\"%s\",method=\"%s\"", parts[0], parts[1])
					m.requestDuration[key].write(&sb, prefix+"http_request_duration_seconds", labels)
				}
			}
			sb.WriteString("\n")
		}

		if len(m.requestErrors) > 0 {
			writeHeader(&sb, "http_errors_total", "counter", "Total HTTP errors by status class")
			for _, key := range sortedKeys(m.requestErrors) {
				// key format: endpoint:method:statusClass
				parts := strings.Split(key, ":")
				if len(parts) >= 3 {
					fmt.Fprintf(&sb, "%shttp_errors_total{endpoint=\"%s\",method=\"%s\",status_class=\"%sxx\"} %d\n", prefix, parts[0], parts[1], parts[2], atomic.LoadUint64(m.requestErrors[key]))
				}
			}
			sb.WriteString("\n")
		}
		m.mu.RUnlock()

		w.Write([]byte(sb.String()))
	}
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
