package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the terminal subsystem.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Terminal metrics
	TerminalsActive prometheus.Gauge
	TerminalsTotal  prometheus.Counter
	DataChunks      prometheus.Counter
	BytesStreamed   prometheus.Counter

	// Supervision metrics
	HostRestarts     prometheus.Counter
	StormsSuppressed prometheus.Counter

	// Bridge metrics
	BridgeReconnects prometheus.Counter
	BridgeQueueDepth prometheus.Gauge

	// Monitor metrics
	AlertsRaised *prometheus.CounterVec
	SamplePasses prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON stats API.
type Snapshot struct {
	TotalRequests   int64   `json:"totalRequests"`
	TotalErrors     int64   `json:"totalErrors"`
	ActiveTerminals int64   `json:"activeTerminals"`
	ActiveWS        int64   `json:"activeConnections"`
	DataChunks      int64   `json:"dataChunks"`
	BytesStreamed   int64   `json:"bytesStreamed"`
	HostRestarts    int64   `json:"hostRestarts"`
	AlertsRaised    int64   `json:"alertsRaised"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
}

// NewMetrics creates a new metrics collector. Call once per process: the
// instruments register on the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terminal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		TerminalsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_sessions_active",
				Help: "Number of live terminal sessions",
			},
		),
		TerminalsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_sessions_total",
				Help: "Total number of terminal sessions created",
			},
		),
		DataChunks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_data_chunks_total",
				Help: "Total number of data chunks forwarded",
			},
		),
		BytesStreamed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_bytes_streamed_total",
				Help: "Total terminal output bytes forwarded",
			},
		),

		HostRestarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_host_restarts_total",
				Help: "Total number of host process restarts after crashes",
			},
		),
		StormsSuppressed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_storms_suppressed_total",
				Help: "Total number of resize-storm suppression events",
			},
		),

		BridgeReconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_bridge_reconnects_total",
				Help: "Total number of bridge reconnection attempts",
			},
		),
		BridgeQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_bridge_queue_depth",
				Help: "Messages queued while the bridge is disconnected",
			},
		),

		AlertsRaised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_alerts_total",
				Help: "Total number of performance alerts raised",
			},
			[]string{"type", "severity"},
		),
		SamplePasses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_monitor_samples_total",
				Help: "Total number of monitor sampling passes",
			},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// SetTerminalsActive sets the live terminal count
func (m *Metrics) SetTerminalsActive(count int) {
	m.TerminalsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveTerminals = int64(count)
	m.mu.Unlock()
}

// IncTerminalsTotal increments the created-terminal counter
func (m *Metrics) IncTerminalsTotal() {
	m.TerminalsTotal.Inc()
}

// RecordDataChunk records one forwarded output chunk
func (m *Metrics) RecordDataChunk(size int) {
	m.DataChunks.Inc()
	m.BytesStreamed.Add(float64(size))
	m.mu.Lock()
	m.snapshot.DataChunks++
	m.snapshot.BytesStreamed += int64(size)
	m.mu.Unlock()
}

// IncHostRestarts increments the host restart counter
func (m *Metrics) IncHostRestarts() {
	m.HostRestarts.Inc()
	m.mu.Lock()
	m.snapshot.HostRestarts++
	m.mu.Unlock()
}

// IncStormsSuppressed increments the storm suppression counter
func (m *Metrics) IncStormsSuppressed() {
	m.StormsSuppressed.Inc()
}

// IncBridgeReconnects increments the bridge reconnect counter
func (m *Metrics) IncBridgeReconnects() {
	m.BridgeReconnects.Inc()
}

// SetBridgeQueueDepth sets the current bridge queue depth
func (m *Metrics) SetBridgeQueueDepth(depth int) {
	m.BridgeQueueDepth.Set(float64(depth))
}

// RecordAlert records a raised performance alert
func (m *Metrics) RecordAlert(alertType, severity string) {
	m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
	m.mu.Lock()
	m.snapshot.AlertsRaised++
	m.mu.Unlock()
}

// IncSamplePasses increments the monitor sampling pass counter
func (m *Metrics) IncSamplePasses() {
	m.SamplePasses.Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveWS++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveWS--
	m.mu.Unlock()
}

// GetSnapshot returns current metric values for the JSON stats API.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snapshot
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}
