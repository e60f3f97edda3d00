package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/infrastructure/resilience"
	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/shared/id"
)

// Errors surfaced to callers. The exact strings are part of the
// consumer contract.
var (
	ErrNotConnected = errors.New("MessagePort not connected")
	errDisconnected = errors.New("MessagePort disconnected")
)

// Recorder receives bridge counters, typically backed by the
// Prometheus metrics collector.
type Recorder interface {
	IncBridgeReconnects()
	SetBridgeQueueDepth(depth int)
}

// Config tunes reconnection and queueing behavior.
type Config struct {
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	QueueSize            int
	BreakerFailures      int
	BreakerCooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// ConnectionStatus is a point-in-time snapshot of the bridge.
type ConnectionStatus struct {
	Connected         bool    `json:"connected"`
	QueueDepth        int     `json:"queueDepth"`
	ReconnectAttempts int     `json:"reconnectAttempts"`
	MessageCount      int64   `json:"messageCount"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
	MaxLatencyMs      float64 `json:"maxLatencyMs"`
}

// Bridge maintains a message channel to a consumer with bounded-queue
// buffering while disconnected and exponential-backoff reconnection.
type Bridge struct {
	cfg       Config
	log       *logging.Logger
	metrics   Recorder
	transport Transport
	breaker   *resilience.Breaker
	idgen     *id.Generator

	mu             sync.Mutex
	port           Port
	generation     int
	connected      bool
	attempts       int
	queue          []Message
	sentAt         map[string]time.Time
	observers      map[int]func(Event)
	nextObserver   int
	reconnectTimer *time.Timer
	closed         bool

	messageCount int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

// New creates a disconnected bridge. metrics may be nil.
func New(cfg Config, transport Transport, log *logging.Logger, metrics Recorder) *Bridge {
	if log == nil {
		log = logging.NewNop()
	}
	c := cfg.withDefaults()
	return &Bridge{
		cfg:       c,
		log:       log.Component("bridge"),
		metrics:   metrics,
		transport: transport,
		breaker:   resilience.New("bridge-send", c.BreakerFailures, c.BreakerCooldown),
		idgen:     id.NewGenerator(),
		sentAt:    make(map[string]time.Time),
		observers: make(map[int]func(Event)),
	}
}

// Subscribe registers an observer for bridge events. The returned
// function removes it.
func (b *Bridge) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := b.nextObserver
	b.nextObserver++
	b.observers[key] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.observers, key)
	}
}

// Initialize opens the transport and starts the receive loop. Failure
// is returned to the caller and also emitted as an ErrorEvent.
func (b *Bridge) Initialize() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bridge is closed")
	}
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	port, err := b.transport.Open()
	if err != nil {
		err = fmt.Errorf("channel setup failed: %w", err)
		b.emit(ErrorEvent{Err: err})
		return err
	}

	b.mu.Lock()
	b.port = port
	b.connected = true
	b.attempts = 0
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	go b.readLoop(port)
	go b.watchClose(port, gen)

	b.log.Info("channel connected")
	b.emit(ConnectedEvent{})
	b.drainQueue()
	return nil
}

// Send transmits a request envelope. While disconnected the message is
// queued for later draining and ErrNotConnected is returned; callers
// are expected to retry rather than wait for the queue.
func (b *Bridge) Send(msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.RequestID == "" {
		msg.RequestID = b.idgen.NewRequestID().String()
	}

	b.mu.Lock()
	if !b.connected {
		b.enqueueLocked(msg)
		b.mu.Unlock()
		return ErrNotConnected
	}
	port := b.port
	b.sentAt[msg.RequestID] = time.Now()
	b.mu.Unlock()

	return b.sendOn(port, msg)
}

// Reconnect resets the attempt counter and re-initializes the channel.
func (b *Bridge) Reconnect() error {
	b.mu.Lock()
	b.attempts = 0
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	b.mu.Unlock()

	b.breaker.Reset()
	return b.Initialize()
}

// Status reports connection state, queue depth, and latency figures.
func (b *Bridge) Status() ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := ConnectionStatus{
		Connected:         b.connected,
		QueueDepth:        len(b.queue),
		ReconnectAttempts: b.attempts,
		MessageCount:      b.messageCount,
		MaxLatencyMs:      float64(b.maxLatency.Microseconds()) / 1000,
	}
	if b.messageCount > 0 {
		avg := b.totalLatency / time.Duration(b.messageCount)
		status.AvgLatencyMs = float64(avg.Microseconds()) / 1000
	}
	return status
}

// Cleanup closes the channel and clears the queue. Safe to call on a
// bridge that was never initialized.
func (b *Bridge) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.connected = false
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
	b.queue = nil
	b.sentAt = make(map[string]time.Time)
	b.observers = make(map[int]func(Event))
	b.reportQueueDepthLocked()
}

// sendOn marshals and sends a single message through the breaker.
func (b *Bridge) sendOn(port Port, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.breaker.Do(func() error {
		return port.Send(data)
	})
}

// enqueueLocked appends to the bounded queue, evicting the oldest
// entry when full. Callers must hold b.mu.
func (b *Bridge) enqueueLocked(msg Message) {
	if len(b.queue) >= b.cfg.QueueSize {
		b.queue = b.queue[1:]
		b.log.Warn("queue full, dropping oldest message")
	}
	b.queue = append(b.queue, msg)
	b.reportQueueDepthLocked()
}

// drainQueue flushes queued messages in FIFO order. A failure sending
// one entry is emitted as an error and does not block the remainder.
func (b *Bridge) drainQueue() {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	port := b.port
	b.reportQueueDepthLocked()
	b.mu.Unlock()

	if len(pending) == 0 || port == nil {
		return
	}

	b.log.Info("draining queued messages", zap.Int("count", len(pending)))
	for _, msg := range pending {
		if err := b.sendOn(port, msg); err != nil {
			b.log.Warn("queued message failed",
				zap.String("type", msg.Type),
				zap.Error(err))
			b.emit(ErrorEvent{Err: fmt.Errorf("queued %s message failed: %w", msg.Type, err)})
		}
	}
}

func (b *Bridge) readLoop(port Port) {
	for {
		select {
		case <-port.Closed():
			return
		case data := <-port.Receive():
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				b.log.Warn("malformed response", zap.Error(err))
				continue
			}
			b.recordLatency(resp.RequestID)
			b.emit(ResponseEvent{Response: resp})
		}
	}
}

func (b *Bridge) recordLatency(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sent, ok := b.sentAt[requestID]
	if !ok {
		return
	}
	delete(b.sentAt, requestID)

	latency := time.Since(sent)
	b.messageCount++
	b.totalLatency += latency
	if latency > b.maxLatency {
		b.maxLatency = latency
	}
}

// watchClose waits for the port to close and runs disconnection
// handling, unless a newer generation has already replaced this port.
func (b *Bridge) watchClose(port Port, gen int) {
	<-port.Closed()

	b.mu.Lock()
	if b.closed || b.generation != gen {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.port = nil
	b.mu.Unlock()

	b.log.Warn("channel closed")
	b.emit(ErrorEvent{Err: errDisconnected})
	b.scheduleReconnect()
}

func (b *Bridge) scheduleReconnect() {
	b.mu.Lock()
	if b.closed || b.connected {
		b.mu.Unlock()
		return
	}
	if b.attempts >= b.cfg.MaxReconnectAttempts {
		attempts := b.attempts
		b.mu.Unlock()
		b.log.Error("reconnect attempts exhausted", zap.Int("attempts", attempts))
		b.emit(MaxReconnectsEvent{Attempts: attempts})
		return
	}
	b.attempts++
	attempt := b.attempts
	delay := backoffDelay(attempt, b.cfg.BaseReconnectDelay, b.cfg.MaxReconnectDelay)
	b.log.Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	b.reconnectTimer = time.AfterFunc(delay, func() {
		if b.metrics != nil {
			b.metrics.IncBridgeReconnects()
		}
		if err := b.Initialize(); err != nil {
			b.scheduleReconnect()
		}
	})
	b.mu.Unlock()
}

// backoffDelay doubles the base delay per attempt, capped at max.
// Attempt 1 waits base*2, attempt 2 base*4, and so on.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

func (b *Bridge) emit(evt Event) {
	b.mu.Lock()
	observers := make([]func(Event), 0, len(b.observers))
	for _, fn := range b.observers {
		observers = append(observers, fn)
	}
	b.mu.Unlock()

	for _, fn := range observers {
		fn(evt)
	}
}

// reportQueueDepthLocked pushes the queue depth gauge. Callers must
// hold b.mu.
func (b *Bridge) reportQueueDepthLocked() {
	if b.metrics != nil {
		b.metrics.SetBridgeQueueDepth(len(b.queue))
	}
}
