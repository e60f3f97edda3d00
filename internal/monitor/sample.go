package monitor

import "time"

// Health describes the state of a terminal's output buffer.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// BufferMetrics are the flow-control figures a terminal exposes about
// its output buffer.
type BufferMetrics struct {
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	Utilization    float64 `json:"utilization"`
	DroppedPercent float64 `json:"droppedPercent"`
	QueueDepth     int     `json:"queueDepth"`
}

// Instrumented is implemented by terminals that expose buffer
// telemetry. The capability is checked once when a terminal is
// registered, never per sampling pass.
type Instrumented interface {
	BufferHealth() Health
	BufferMetrics() BufferMetrics
}

// Sample is one sampling-pass observation for one terminal.
type Sample struct {
	TerminalID  string        `json:"terminalId"`
	Strategy    string        `json:"strategy"`
	Timestamp   time.Time     `json:"timestamp"`
	Health      Health        `json:"health"`
	Buffer      BufferMetrics `json:"buffer"`
	MemoryBytes uint64        `json:"memoryBytes"`
	CPUPercent  float64       `json:"cpuPercent"`
}
