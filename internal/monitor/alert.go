package monitor

import (
	"fmt"
	"time"
)

// AlertType identifies the threshold family that produced an alert.
type AlertType string

const (
	AlertMemory      AlertType = "memory"
	AlertLatency     AlertType = "latency"
	AlertUtilization AlertType = "utilization"
	AlertDropped     AlertType = "dropped"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert records a threshold breach observed during a sampling pass.
type Alert struct {
	TerminalID string    `json:"terminalId"`
	Type       AlertType `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Timestamp  time.Time `json:"timestamp"`
}

// Thresholds holds the warning and critical levels for each of the
// four threshold families. Critical always binds tighter than warning.
type Thresholds struct {
	MemoryWarningBytes  uint64
	MemoryCriticalBytes uint64

	LatencyWarningMs  float64
	LatencyCriticalMs float64

	UtilizationWarning  float64
	UtilizationCritical float64

	DroppedWarning  float64
	DroppedCritical float64
}

// DefaultThresholds returns the stock alerting levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryWarningBytes:  512 << 20,
		MemoryCriticalBytes: 1 << 30,

		LatencyWarningMs:  50,
		LatencyCriticalMs: 200,

		UtilizationWarning:  75,
		UtilizationCritical: 90,

		DroppedWarning:  1,
		DroppedCritical: 5,
	}
}

// evaluate checks one sample against every threshold family and
// returns at most one alert per family, the critical level winning
// over warning when both are crossed.
func evaluate(s Sample, t Thresholds) []Alert {
	var alerts []Alert

	check := func(typ AlertType, value, warning, critical float64, unit string) {
		var sev Severity
		var threshold float64
		switch {
		case value >= critical:
			sev, threshold = SeverityCritical, critical
		case value >= warning:
			sev, threshold = SeverityWarning, warning
		default:
			return
		}
		alerts = append(alerts, Alert{
			TerminalID: s.TerminalID,
			Type:       typ,
			Severity:   sev,
			Message:    fmt.Sprintf("%s at %.1f%s exceeds %s threshold %.1f%s", typ, value, unit, sev, threshold, unit),
			Value:      value,
			Threshold:  threshold,
			Timestamp:  s.Timestamp,
		})
	}

	check(AlertMemory, float64(s.MemoryBytes)/(1<<20), float64(t.MemoryWarningBytes)/(1<<20), float64(t.MemoryCriticalBytes)/(1<<20), "MB")
	check(AlertLatency, s.Buffer.AvgLatencyMs, t.LatencyWarningMs, t.LatencyCriticalMs, "ms")
	check(AlertUtilization, s.Buffer.Utilization, t.UtilizationWarning, t.UtilizationCritical, "%")
	check(AlertDropped, s.Buffer.DroppedPercent, t.DroppedWarning, t.DroppedCritical, "%")

	return alerts
}
