// Package host implements the terminal host process: an isolated process
// holding live terminals and speaking the wire protocol on its stdio.
//
// The host is deliberately crash-prone territory (it touches PTYs and shell
// processes), which is why it lives in its own process. The manager
// supervises it and restarts it on non-zero exit.
package host

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/protocol"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

// Config tunes host behavior. Zero values select defaults.
type Config struct {
	ChunkSize      int
	StormPattern   []byte
	StormThreshold int
}

// Factory abstracts terminal creation so tests can inject fakes.
type Factory interface {
	Create(id string, opts strategy.Options) (*strategy.Creation, error)
}

// Host owns live terminals and runs the request dispatch loop.
type Host struct {
	factory Factory
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	log     *logging.Logger
	cfg     Config

	mu        sync.Mutex
	terminals map[string]*hostTerminal
}

// hostTerminal pairs a live terminal with its protocol bookkeeping.
type hostTerminal struct {
	info  protocol.TerminalInfo
	term  strategy.Terminal
	storm *stormFilter
}

// New creates a host reading requests from r and writing responses to w.
func New(factory Factory, r io.Reader, w io.Writer, log *logging.Logger, cfg Config) *Host {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Host{
		factory:   factory,
		enc:       protocol.NewEncoder(w),
		dec:       protocol.NewDecoder(r),
		log:       log,
		cfg:       cfg,
		terminals: make(map[string]*hostTerminal),
	}
}

// Run dispatches requests until the input stream closes or ctx is canceled,
// then kills every tracked terminal. Both paths are graceful: the caller
// exits 0.
func (h *Host) Run(ctx context.Context) error {
	msgs := make(chan *protocol.Message)
	errs := make(chan error, 1)

	go func() {
		for {
			msg, err := h.dec.Decode()
			if err != nil {
				errs <- err
				return
			}
			msgs <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("shutdown signal received")
			h.Shutdown()
			return nil
		case err := <-errs:
			if err == io.EOF {
				h.log.Info("input stream closed, shutting down")
			} else {
				h.log.Warn("request decode failed, shutting down", zap.Error(err))
			}
			h.Shutdown()
			return nil
		case msg := <-msgs:
			h.dispatch(msg)
		}
	}
}

func (h *Host) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCreate:
		h.handleCreate(msg)
	case protocol.TypeWrite:
		h.handleWrite(msg)
	case protocol.TypeResize:
		h.handleResize(msg)
	case protocol.TypeKill:
		h.handleKill(msg)
	case protocol.TypeList:
		h.handleList(msg)
	default:
		h.log.Warn("unknown request type", zap.String("type", string(msg.Type)))
	}
}

func (h *Host) handleCreate(msg *protocol.Message) {
	var opts strategy.Options
	if msg.Options != nil {
		opts = *msg.Options
	}

	creation, err := h.factory.Create(msg.ID, opts)
	if err == nil {
		err = creation.Terminal.Spawn()
	}
	if err != nil {
		h.log.Error("terminal creation failed", zap.String("id", msg.ID), zap.Error(err))
		h.send(&protocol.Message{Type: protocol.TypeError, ID: msg.ID, Error: err.Error()})
		return
	}

	caps := creation.Capabilities
	info := protocol.TerminalInfo{
		ID:             msg.ID,
		Pid:            creation.Terminal.Pid(),
		Shell:          creation.Options.Shell,
		Cwd:            creation.Options.Cwd,
		Strategy:       creation.Strategy,
		Backend:        string(caps.Backend),
		Capabilities:   caps,
		FallbackReason: creation.FallbackReason,
	}

	ht := &hostTerminal{
		info:  info,
		term:  creation.Terminal,
		storm: newStormFilter(h.cfg.StormPattern, h.cfg.StormThreshold),
	}

	h.mu.Lock()
	h.terminals[msg.ID] = ht
	h.mu.Unlock()

	go h.forwardEvents(ht)

	h.log.Info("terminal created",
		zap.String("id", msg.ID),
		zap.Int("pid", info.Pid),
		zap.String("backend", info.Backend))

	h.send(&protocol.Message{
		Type:           protocol.TypeCreated,
		ID:             msg.ID,
		Shell:          info.Shell,
		Cwd:            info.Cwd,
		Pid:            info.Pid,
		Strategy:       info.Strategy,
		Backend:        info.Backend,
		Capabilities:   &caps,
		FallbackReason: info.FallbackReason,
	})
}

// forwardEvents streams one terminal's events out as protocol messages.
// Ordering within the terminal is preserved: the strategy layer emits its
// ExitEvent only after all data has been read, so trailing output always
// reaches the wire before the exit notification.
func (h *Host) forwardEvents(ht *hostTerminal) {
	id := ht.info.ID
	for ev := range ht.term.Events() {
		switch e := ev.(type) {
		case strategy.DataEvent:
			h.emitData(ht, e.Data)
		case strategy.ErrorEvent:
			h.log.Error("terminal error", zap.String("id", id), zap.Error(e.Err))
			h.send(&protocol.Message{Type: protocol.TypeError, ID: id, Error: e.Err.Error()})
		case strategy.ExitEvent:
			h.mu.Lock()
			delete(h.terminals, id)
			h.mu.Unlock()

			h.log.Info("terminal exited",
				zap.String("id", id),
				zap.Int("code", e.Code),
				zap.String("signal", e.Signal))
			h.send(&protocol.Message{
				Type:     protocol.TypeExit,
				ID:       id,
				ExitCode: protocol.IntPtr(e.Code),
				Signal:   e.Signal,
			})
		}
	}
}

// emitData applies storm suppression then chunking before forwarding.
func (h *Host) emitData(ht *hostTerminal, data []byte) {
	switch ht.storm.check(data) {
	case verdictSuppressFirst:
		h.log.Error("resize signal storm detected, suppressing output",
			zap.String("id", ht.info.ID),
			zap.Int("threshold", ht.storm.threshold))
		h.send(&protocol.Message{Type: protocol.TypeStorm, ID: ht.info.ID})
		return
	case verdictSuppress:
		return
	}

	for _, chunk := range chunkPayload(data, h.cfg.ChunkSize) {
		h.send(&protocol.Message{Type: protocol.TypeData, ID: ht.info.ID, Data: chunk})
	}
}

func (h *Host) handleWrite(msg *protocol.Message) {
	ht := h.lookup(msg.ID)
	if ht == nil {
		h.log.Warn("write to unknown terminal", zap.String("id", msg.ID))
		return
	}
	if err := ht.term.Write(msg.Data); err != nil {
		h.log.Error("terminal write failed", zap.String("id", msg.ID), zap.Error(err))
		h.send(&protocol.Message{Type: protocol.TypeError, ID: msg.ID, Error: err.Error()})
	}
}

func (h *Host) handleResize(msg *protocol.Message) {
	ht := h.lookup(msg.ID)
	if ht == nil {
		h.log.Warn("resize of unknown terminal", zap.String("id", msg.ID))
		return
	}
	if err := ht.term.Resize(msg.Cols, msg.Rows); err != nil {
		h.log.Error("terminal resize failed", zap.String("id", msg.ID), zap.Error(err))
	}
}

func (h *Host) handleKill(msg *protocol.Message) {
	ht := h.lookup(msg.ID)
	if ht == nil {
		h.log.Warn("kill of unknown terminal", zap.String("id", msg.ID))
		return
	}
	if err := ht.term.Kill(); err != nil {
		h.log.Error("terminal kill failed", zap.String("id", msg.ID), zap.Error(err))
	}
	h.send(&protocol.Message{Type: protocol.TypeKilled, ID: msg.ID})
}

func (h *Host) handleList(msg *protocol.Message) {
	h.mu.Lock()
	terminals := make([]protocol.TerminalInfo, 0, len(h.terminals))
	for _, ht := range h.terminals {
		terminals = append(terminals, ht.info)
	}
	h.mu.Unlock()

	h.send(&protocol.Message{
		Type:      protocol.TypeList,
		RequestID: msg.ID,
		Terminals: terminals,
	})
}

// Shutdown kills every tracked terminal. Individual failures are logged and
// do not abort the sweep.
func (h *Host) Shutdown() {
	h.mu.Lock()
	terminals := make([]*hostTerminal, 0, len(h.terminals))
	for _, ht := range h.terminals {
		terminals = append(terminals, ht)
	}
	h.terminals = make(map[string]*hostTerminal)
	h.mu.Unlock()

	for _, ht := range terminals {
		if err := ht.term.Kill(); err != nil {
			h.log.Error("failed to kill terminal during shutdown",
				zap.String("id", ht.info.ID), zap.Error(err))
		}
	}
}

func (h *Host) lookup(id string) *hostTerminal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminals[id]
}

func (h *Host) send(msg *protocol.Message) {
	if err := h.enc.Encode(msg); err != nil {
		h.log.Error("failed to send response", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}
