// Package manager supervises the terminal host process and correlates its
// asynchronous responses back to callers.
//
// The manager owns exactly one host child at a time. A non-zero host exit
// schedules a restart after a fixed delay; a zero exit is a graceful
// shutdown and never restarts. Async operations (create, list) resolve
// through a pending-request map keyed by id; fire-and-forget operations
// (write, resize, kill) never raise, only log.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/backend"
	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/protocol"
	"github.com/HatcherDX/dx-engine-sub007/internal/shared/id"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

var (
	// ErrDestroyed rejects every request outstanding when Destroy runs, and
	// any call made afterwards.
	ErrDestroyed = errors.New("PTY Manager destroyed")
	// ErrNotInitialized means no host link is up.
	ErrNotInitialized = errors.New("host process not initialized")
)

// unknownError substitutes for an empty host-supplied error string.
const unknownError = "Unknown error"

// TerminalSession is the manager-side record of a live terminal.
type TerminalSession struct {
	ID             string               `json:"id"`
	Pid            int                  `json:"pid"`
	Shell          string               `json:"shell"`
	Cwd            string               `json:"cwd"`
	Strategy       string               `json:"strategy"`
	Backend        string               `json:"backend"`
	Capabilities   backend.Capabilities `json:"capabilities"`
	FallbackReason string               `json:"fallbackReason,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// TerminalMonitor receives registry changes. Implemented by
// monitor.Monitor; nil disables monitoring.
type TerminalMonitor interface {
	Register(terminalID string, term any, strategy string)
	Unregister(terminalID string)
}

// Config tunes manager behavior.
type Config struct {
	// HostBinary is the termhost executable; resolved on PATH when relative.
	HostBinary string
	HostArgs   []string
	// RestartDelay is the pause before relaunching a crashed host.
	RestartDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.HostBinary == "" {
		c.HostBinary = "termhost"
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	return c
}

type response struct {
	msg *protocol.Message
	err error
}

// Manager supervises the host process and owns the terminal registry.
type Manager struct {
	cfg     Config
	log     *logging.Logger
	idgen   *id.Generator
	monitor TerminalMonitor
	spawn   SpawnFunc

	mu           sync.Mutex
	link         Link
	terminals    map[string]*TerminalSession
	pending      map[string]chan response
	observers    map[int]func(Event)
	nextObserver int
	destroyed    bool
	restartTimer *time.Timer
}

// New creates a manager. monitor may be nil.
func New(cfg Config, log *logging.Logger, monitor TerminalMonitor) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       log,
		idgen:     id.NewGenerator(),
		monitor:   monitor,
		terminals: make(map[string]*TerminalSession),
		pending:   make(map[string]chan response),
		observers: make(map[int]func(Event)),
	}
	m.spawn = func() (Link, error) {
		return spawnProcess(cfg.HostBinary, cfg.HostArgs...)
	}
	return m
}

// Start launches the host process. Idempotent while a host is running.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.link != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	link, err := m.spawn()
	if err != nil {
		return fmt.Errorf("failed to spawn host process: %w", err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		link.Kill()
		return ErrDestroyed
	}
	m.link = link
	m.mu.Unlock()

	m.log.Info("host process started")

	go m.readLoop(link)
	go m.watchExit(link)
	return nil
}

// readLoop demultiplexes host responses until the link disconnects.
// Disconnect clears the link state but does not restart; restarts are
// decided by the exit watcher from the process exit code.
func (m *Manager) readLoop(link Link) {
	for msg := range link.Messages() {
		m.handleMessage(msg)
	}

	m.mu.Lock()
	if m.link == link {
		m.link = nil
	}
	m.mu.Unlock()
	m.log.Info("host link disconnected")
}

func (m *Manager) watchExit(link Link) {
	code := <-link.Exit()

	m.mu.Lock()
	if m.link == link {
		m.link = nil
	}
	destroyed := m.destroyed
	m.mu.Unlock()

	if destroyed {
		return
	}

	if code == 0 {
		m.log.Info("host process exited gracefully")
		return
	}

	m.log.Error("host process crashed, scheduling restart",
		zap.Int("exitCode", code),
		zap.Duration("delay", m.cfg.RestartDelay))
	m.emit(HostRestarting{ExitCode: code})

	m.mu.Lock()
	m.restartTimer = time.AfterFunc(m.cfg.RestartDelay, func() {
		if err := m.Start(); err != nil && err != ErrDestroyed {
			m.log.Error("host restart failed", zap.Error(err))
			m.emit(HostError{Err: err})
		}
	})
	m.mu.Unlock()
}

// CreateTerminal spawns a terminal in the host and resolves once the host
// confirms or rejects it.
func (m *Manager) CreateTerminal(ctx context.Context, opts strategy.Options) (*TerminalSession, error) {
	tid := m.idgen.NewTerminalID().String()
	ch, err := m.registerPending(tid)
	if err != nil {
		return nil, err
	}

	if err := m.send(&protocol.Message{Type: protocol.TypeCreate, ID: tid, Options: &opts}); err != nil {
		m.removePending(tid)
		return nil, fmt.Errorf("failed to send create request: %w", err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		m.mu.Lock()
		session := m.terminals[tid]
		m.mu.Unlock()
		return session, nil
	case <-ctx.Done():
		m.removePending(tid)
		return nil, ctx.Err()
	}
}

// WriteToTerminal sends input to a terminal. Fire-and-forget: failures are
// logged, never returned.
func (m *Manager) WriteToTerminal(terminalID string, data []byte) {
	err := m.send(&protocol.Message{Type: protocol.TypeWrite, ID: terminalID, Data: data})
	if err != nil {
		m.log.Warn("cannot write to terminal", zap.String("id", terminalID), zap.Error(err))
	}
}

// ResizeTerminal changes a terminal's dimensions. Fire-and-forget.
func (m *Manager) ResizeTerminal(terminalID string, cols, rows int) {
	err := m.send(&protocol.Message{Type: protocol.TypeResize, ID: terminalID, Cols: cols, Rows: rows})
	if err != nil {
		m.log.Warn("cannot resize terminal", zap.String("id", terminalID), zap.Error(err))
	}
}

// KillTerminal terminates a terminal. The id is unregistered locally before
// the kill message is sent, so a failed send still cleans up.
func (m *Manager) KillTerminal(terminalID string) {
	if m.monitor != nil {
		m.monitor.Unregister(terminalID)
	}
	m.mu.Lock()
	delete(m.terminals, terminalID)
	m.mu.Unlock()

	err := m.send(&protocol.Message{Type: protocol.TypeKill, ID: terminalID})
	if err != nil {
		m.log.Warn("cannot kill terminal", zap.String("id", terminalID), zap.Error(err))
	}
}

// ListTerminals asks the host for its running-terminal snapshot.
func (m *Manager) ListTerminals(ctx context.Context) ([]TerminalSession, error) {
	rid := m.idgen.NewRequestID().String()
	ch, err := m.registerPending(rid)
	if err != nil {
		return nil, err
	}

	if err := m.send(&protocol.Message{Type: protocol.TypeList, ID: rid}); err != nil {
		m.removePending(rid)
		return nil, fmt.Errorf("failed to send list request: %w", err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		sessions := make([]TerminalSession, 0, len(r.msg.Terminals))
		for _, info := range r.msg.Terminals {
			sessions = append(sessions, sessionFromInfo(info))
		}
		return sessions, nil
	case <-ctx.Done():
		m.removePending(rid)
		return nil, ctx.Err()
	}
}

// Terminals returns the local registry snapshot.
func (m *Manager) Terminals() []TerminalSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]TerminalSession, 0, len(m.terminals))
	for _, s := range m.terminals {
		sessions = append(sessions, *s)
	}
	return sessions
}

// Subscribe registers an observer for manager events and returns its
// unsubscribe function.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	key := m.nextObserver
	m.nextObserver++
	m.observers[key] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, key)
		m.mu.Unlock()
	}
}

// Destroy tears the manager down: every tracked terminal is unregistered
// from the monitor, every pending request rejects, the host is killed, and
// all observers are dropped. Safe to call repeatedly.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	if m.restartTimer != nil {
		m.restartTimer.Stop()
	}
	link := m.link
	m.link = nil
	terminals := m.terminals
	m.terminals = make(map[string]*TerminalSession)
	pending := m.pending
	m.pending = make(map[string]chan response)
	m.observers = make(map[int]func(Event))
	m.mu.Unlock()

	if m.monitor != nil {
		for tid := range terminals {
			m.monitor.Unregister(tid)
		}
	}
	for _, ch := range pending {
		ch <- response{err: ErrDestroyed}
	}
	if link != nil {
		link.Kill()
	}

	m.log.Info("manager destroyed",
		zap.Int("terminals", len(terminals)),
		zap.Int("rejectedRequests", len(pending)))
}

// handleMessage demultiplexes one host response.
func (m *Manager) handleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCreated:
		m.handleCreated(msg)
	case protocol.TypeData:
		m.emit(TerminalData{ID: msg.ID, Data: msg.Data})
	case protocol.TypeExit:
		m.handleExit(msg)
	case protocol.TypeKilled:
		m.emit(TerminalKilled{ID: msg.ID})
	case protocol.TypeStorm:
		m.log.Warn("host suppressing storm output", zap.String("id", msg.ID))
		m.emit(TerminalStorm{ID: msg.ID})
	case protocol.TypeError:
		m.handleError(msg)
	case protocol.TypeList:
		m.handleList(msg)
	default:
		m.log.Warn("unknown host message type", zap.String("type", string(msg.Type)))
	}
}

func (m *Manager) handleCreated(msg *protocol.Message) {
	if msg.ID == "" {
		m.log.Warn("created response without terminal id, dropping")
		return
	}

	session := sessionFromCreated(msg)

	m.mu.Lock()
	m.terminals[msg.ID] = session
	ch := m.pending[msg.ID]
	delete(m.pending, msg.ID)
	m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.Register(msg.ID, nil, session.Strategy)
	}
	m.emit(TerminalCreated{
		ID:       msg.ID,
		Pid:      msg.Pid,
		Shell:    msg.Shell,
		Strategy: msg.Strategy,
	})

	if ch == nil {
		m.log.Warn("created response without pending request", zap.String("id", msg.ID))
		return
	}
	ch <- response{msg: msg}
}

func (m *Manager) handleExit(msg *protocol.Message) {
	if m.monitor != nil {
		m.monitor.Unregister(msg.ID)
	}
	m.mu.Lock()
	delete(m.terminals, msg.ID)
	m.mu.Unlock()

	code := 0
	if msg.ExitCode != nil {
		code = *msg.ExitCode
	}
	m.emit(TerminalExit{ID: msg.ID, ExitCode: code, Signal: msg.Signal})
}

func (m *Manager) handleError(msg *protocol.Message) {
	if msg.ID == "" {
		m.log.Error("unhandled host error: missing id", zap.String("error", msg.Error))
		return
	}

	m.mu.Lock()
	ch := m.pending[msg.ID]
	delete(m.pending, msg.ID)
	m.mu.Unlock()

	if ch == nil {
		m.log.Error("unhandled host error", zap.String("id", msg.ID), zap.String("error", msg.Error))
		m.emit(TerminalError{ID: msg.ID, Error: msg.Error})
		return
	}

	errMsg := msg.Error
	if errMsg == "" {
		errMsg = unknownError
	}
	ch <- response{err: errors.New(errMsg)}
}

func (m *Manager) handleList(msg *protocol.Message) {
	if msg.RequestID == "" {
		m.log.Warn("list response without request id, dropping")
		return
	}

	m.mu.Lock()
	ch := m.pending[msg.RequestID]
	delete(m.pending, msg.RequestID)
	m.mu.Unlock()

	if ch == nil {
		m.log.Warn("list response without pending request", zap.String("requestId", msg.RequestID))
		return
	}
	ch <- response{msg: msg}
}

func (m *Manager) registerPending(key string) (chan response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, ErrDestroyed
	}
	ch := make(chan response, 1)
	m.pending[key] = ch
	return ch, nil
}

func (m *Manager) removePending(key string) {
	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
}

func (m *Manager) send(msg *protocol.Message) error {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return ErrNotInitialized
	}
	return link.Send(msg)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	observers := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

func sessionFromCreated(msg *protocol.Message) *TerminalSession {
	session := &TerminalSession{
		ID:             msg.ID,
		Pid:            msg.Pid,
		Shell:          msg.Shell,
		Cwd:            msg.Cwd,
		Strategy:       msg.Strategy,
		Backend:        msg.Backend,
		FallbackReason: msg.FallbackReason,
		CreatedAt:      time.Now(),
	}
	if msg.Capabilities != nil {
		session.Capabilities = *msg.Capabilities
	}
	return session
}

func sessionFromInfo(info protocol.TerminalInfo) TerminalSession {
	return TerminalSession{
		ID:             info.ID,
		Pid:            info.Pid,
		Shell:          info.Shell,
		Cwd:            info.Cwd,
		Strategy:       info.Strategy,
		Backend:        info.Backend,
		Capabilities:   info.Capabilities,
		FallbackReason: info.FallbackReason,
	}
}
