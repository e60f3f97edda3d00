package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/manager"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const createTimeout = 30 * time.Second

// wsConn is one WebSocket connection and the terminal sessions it
// owns. Terminal ids handed to the peer are wire-facing; the mapping
// to manager session ids stays server-side.
type wsConn struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	log     *logging.Logger
	control SessionController

	writeMu sync.Mutex

	mu      sync.Mutex
	owned   map[string]string // wire id -> manager id
	reverse map[string]string // manager id -> wire id

	unsubscribe func()
	closeOnce   sync.Once
}

// handleWebSocket upgrades the request and runs the connection until
// the peer goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wc := &wsConn{
		id:      newSessionID(),
		srv:     s,
		conn:    conn,
		log:     s.log,
		control: s.control,
		owned:   make(map[string]string),
		reverse: make(map[string]string),
	}
	s.registerConn(wc)
	wc.unsubscribe = s.control.Subscribe(wc.forwardEvent)

	wc.send(Envelope{Type: evConnected, SessionID: wc.id, Message: "Connected to terminal server"})
	s.log.Info("websocket connected", zap.String("session", wc.id))

	wc.readLoop()
	wc.close()
}

func (c *wsConn) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("", "malformed message: "+err.Error())
			continue
		}
		c.recordMessage("in", env.Type)
		c.dispatch(env)
	}
}

func (c *wsConn) dispatch(env Envelope) {
	switch env.Type {
	case opCreate:
		c.handleCreate(env)
	case opWrite:
		c.handleWrite(env)
	case opResize:
		c.handleResize(env)
	case opKill:
		c.handleKill(env)
	case opList:
		c.handleList()
	case "ping":
		c.send(Envelope{Type: "pong"})
	default:
		c.sendError(env.TerminalID, "unknown message type: "+env.Type)
	}
}

func (c *wsConn) handleCreate(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	session, err := c.control.CreateTerminal(ctx, strategy.Options{
		Shell: env.Shell,
		Cwd:   env.Cwd,
		Cols:  env.Cols,
		Rows:  env.Rows,
	})
	if err != nil {
		c.sendError("", err.Error())
		return
	}

	wireID := newTerminalID()
	c.mu.Lock()
	c.owned[wireID] = session.ID
	c.reverse[session.ID] = wireID
	c.mu.Unlock()

	c.log.Info("terminal created",
		zap.String("session", c.id),
		zap.String("terminal", wireID))

	c.send(Envelope{
		Type:       evCreated,
		TerminalID: wireID,
		Pid:        session.Pid,
		Shell:      session.Shell,
		Cwd:        session.Cwd,
	})
}

func (c *wsConn) handleWrite(env Envelope) {
	managerID, ok := c.lookup(env.TerminalID)
	if !ok {
		c.sendError(env.TerminalID, "unknown terminal: "+env.TerminalID)
		return
	}
	c.control.WriteToTerminal(managerID, []byte(env.Data))
}

func (c *wsConn) handleResize(env Envelope) {
	managerID, ok := c.lookup(env.TerminalID)
	if !ok {
		c.sendError(env.TerminalID, "unknown terminal: "+env.TerminalID)
		return
	}
	c.control.ResizeTerminal(managerID, env.Cols, env.Rows)
}

func (c *wsConn) handleKill(env Envelope) {
	managerID, ok := c.lookup(env.TerminalID)
	if !ok {
		c.sendError(env.TerminalID, "unknown terminal: "+env.TerminalID)
		return
	}

	c.mu.Lock()
	delete(c.owned, env.TerminalID)
	delete(c.reverse, managerID)
	c.mu.Unlock()

	c.control.KillTerminal(managerID)
	c.send(Envelope{Type: evKilled, TerminalID: env.TerminalID})
}

func (c *wsConn) handleList() {
	sessions := c.control.Terminals()
	if sessions == nil {
		sessions = []manager.TerminalSession{}
	}
	c.send(Envelope{Type: evList, Sessions: sessions})
}

// forwardEvent relays manager events for terminals this connection
// owns, translated to wire ids.
func (c *wsConn) forwardEvent(evt manager.Event) {
	switch e := evt.(type) {
	case manager.TerminalData:
		if wireID, ok := c.reverseLookup(e.ID); ok {
			c.send(Envelope{Type: evData, TerminalID: wireID, Data: string(e.Data)})
		}
	case manager.TerminalExit:
		wireID, ok := c.reverseLookup(e.ID)
		if !ok {
			return
		}
		c.mu.Lock()
		delete(c.owned, wireID)
		delete(c.reverse, e.ID)
		c.mu.Unlock()
		code := e.ExitCode
		c.send(Envelope{Type: evExit, TerminalID: wireID, ExitCode: &code})
	case manager.TerminalError:
		if wireID, ok := c.reverseLookup(e.ID); ok {
			c.sendError(wireID, e.Error)
		}
	}
}

func (c *wsConn) lookup(wireID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	managerID, ok := c.owned[wireID]
	return managerID, ok
}

func (c *wsConn) reverseLookup(managerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wireID, ok := c.reverse[managerID]
	return wireID, ok
}

func (c *wsConn) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owned)
}

func (c *wsConn) send(env Envelope) {
	c.recordMessage("out", env.Type)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(stamp(env)); err != nil {
		c.log.Debug("websocket write failed", zap.Error(err))
	}
}

func (c *wsConn) sendError(terminalID, msg string) {
	c.send(Envelope{Type: evError, TerminalID: terminalID, Error: msg})
}

func (c *wsConn) recordMessage(direction, msgType string) {
	if c.srv.metrics != nil {
		c.srv.metrics.RecordWSMessage(direction, msgType)
	}
}

// close tears the connection down and kills every session it owns.
// Safe to call more than once.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}

		c.mu.Lock()
		owned := make([]string, 0, len(c.owned))
		for _, managerID := range c.owned {
			owned = append(owned, managerID)
		}
		c.owned = make(map[string]string)
		c.reverse = make(map[string]string)
		c.mu.Unlock()

		for _, managerID := range owned {
			c.control.KillTerminal(managerID)
		}

		c.conn.Close()
		c.srv.unregisterConn(c)
		c.log.Info("websocket closed",
			zap.String("session", c.id),
			zap.Int("killed", len(owned)))
	})
}
