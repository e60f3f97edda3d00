package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
)

// Recorder receives alert and sampling counters, typically backed by
// the Prometheus metrics collector.
type Recorder interface {
	RecordAlert(alertType, severity string)
	IncSamplePasses()
}

// Config tunes the sampling loop and the bounded histories.
type Config struct {
	SampleInterval time.Duration
	MaxHistory     int
	MaxAlerts      int
	Thresholds     Thresholds
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 100
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = 50
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	return c
}

// GlobalStats aggregates the latest sample of every registered
// terminal.
type GlobalStats struct {
	Terminals        int     `json:"terminals"`
	Healthy          int     `json:"healthy"`
	Degraded         int     `json:"degraded"`
	Critical         int     `json:"critical"`
	TotalMemoryBytes uint64  `json:"totalMemoryBytes"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
	AlertCount       int     `json:"alertCount"`
}

type entry struct {
	strategy string
	source   Instrumented
	history  []Sample
	alerts   []Alert
}

// Monitor samples buffer and process telemetry for registered
// terminals and raises threshold alerts. The sampler runs only while
// at least one terminal is registered.
type Monitor struct {
	cfg     Config
	log     *logging.Logger
	metrics Recorder
	usage   *processUsage

	mu      sync.Mutex
	entries map[string]*entry
	stop    chan struct{}
	done    chan struct{}
}

// New creates a stopped monitor. metrics may be nil.
func New(cfg Config, log *logging.Logger, metrics Recorder) *Monitor {
	if log == nil {
		log = logging.NewNop()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		log:     log.Component("monitor"),
		metrics: metrics,
		usage:   newProcessUsage(),
		entries: make(map[string]*entry),
	}
}

// Register starts tracking a terminal. The Instrumented capability is
// probed here, once; terminals without it get a healthy zeroed
// baseline on every pass. Registering the first terminal starts the
// sampler.
func (m *Monitor) Register(id string, term any, strategy string) {
	src, instrumented := term.(Instrumented)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[id]; exists {
		return
	}

	e := &entry{strategy: strategy}
	if instrumented {
		e.source = src
	}
	m.entries[id] = e

	m.log.Debug("terminal registered",
		zap.String("id", id),
		zap.String("strategy", strategy),
		zap.Bool("instrumented", instrumented))

	if len(m.entries) == 1 {
		m.startLocked()
	}
}

// Unregister stops tracking a terminal. Removing the last one stops
// the sampler.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[id]; !exists {
		return
	}
	delete(m.entries, id)
	m.log.Debug("terminal unregistered", zap.String("id", id))

	if len(m.entries) == 0 {
		m.stopLocked()
	}
}

// Stop halts the sampler and forgets all terminals.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	m.stopLocked()
}

// Running reports whether the sampler loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// History returns a copy of the bounded sample history for a terminal.
func (m *Monitor) History(id string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	out := make([]Sample, len(e.history))
	copy(out, e.history)
	return out
}

// Alerts returns a copy of the bounded alert history for a terminal.
func (m *Monitor) Alerts(id string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	out := make([]Alert, len(e.alerts))
	copy(out, e.alerts)
	return out
}

// GlobalStats aggregates across all registered terminals using the
// most recent sample of each.
func (m *Monitor) GlobalStats() GlobalStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := GlobalStats{Terminals: len(m.entries)}
	var latencySum float64
	var sampled int

	for _, e := range m.entries {
		stats.AlertCount += len(e.alerts)
		if len(e.history) == 0 {
			continue
		}
		latest := e.history[len(e.history)-1]
		switch latest.Health {
		case HealthCritical:
			stats.Critical++
		case HealthDegraded:
			stats.Degraded++
		default:
			stats.Healthy++
		}
		stats.TotalMemoryBytes += latest.MemoryBytes
		latencySum += latest.Buffer.AvgLatencyMs
		sampled++
	}
	if sampled > 0 {
		stats.AvgLatencyMs = latencySum / float64(sampled)
	}
	return stats
}

func (m *Monitor) startLocked() {
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	m.log.Info("sampler started", zap.Duration("interval", m.cfg.SampleInterval))
}

func (m *Monitor) stopLocked() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stop = nil
	m.done = nil
	m.log.Info("sampler stopped")
}

func (m *Monitor) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.samplePass()
		}
	}
}

func (m *Monitor) samplePass() {
	now := time.Now()
	memBytes, cpuPercent := m.usage.read()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.entries {
		if err := m.sampleOne(id, e, now, memBytes, cpuPercent); err != nil {
			m.log.Warn("metric collection failed",
				zap.String("id", id),
				zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.IncSamplePasses()
	}
}

// sampleOne collects one terminal's sample and evaluates thresholds.
// A panicking collector is converted to an error so one terminal's
// failure never aborts the pass for the others.
func (m *Monitor) sampleOne(id string, e *entry, now time.Time, memBytes uint64, cpuPercent float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panic: %v", r)
		}
	}()

	s := Sample{
		TerminalID:  id,
		Strategy:    e.strategy,
		Timestamp:   now,
		Health:      HealthHealthy,
		MemoryBytes: memBytes,
		CPUPercent:  cpuPercent,
	}
	if e.source != nil {
		s.Health = e.source.BufferHealth()
		s.Buffer = e.source.BufferMetrics()
	}

	e.history = appendBounded(e.history, s, m.cfg.MaxHistory)

	for _, a := range evaluate(s, m.cfg.Thresholds) {
		e.alerts = appendBounded(e.alerts, a, m.cfg.MaxAlerts)
		m.logAlert(a)
		if m.metrics != nil {
			m.metrics.RecordAlert(string(a.Type), string(a.Severity))
		}
	}
	return nil
}

func (m *Monitor) logAlert(a Alert) {
	fields := []zap.Field{
		zap.String("id", a.TerminalID),
		zap.String("type", string(a.Type)),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
	}
	if a.Severity == SeverityCritical {
		m.log.Error(a.Message, fields...)
	} else {
		m.log.Warn(a.Message, fields...)
	}
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
