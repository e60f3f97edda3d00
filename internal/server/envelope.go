package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HatcherDX/dx-engine-sub007/internal/manager"
)

// Envelope is the textual message format spoken over the terminal
// WebSocket, in both directions.
type Envelope struct {
	Type       string                    `json:"type"`
	TerminalID string                    `json:"terminalId,omitempty"`
	SessionID  string                    `json:"sessionId,omitempty"`
	Data       string                    `json:"data,omitempty"`
	Shell      string                    `json:"shell,omitempty"`
	Cwd        string                    `json:"cwd,omitempty"`
	Cols       int                       `json:"cols,omitempty"`
	Rows       int                       `json:"rows,omitempty"`
	Pid        int                       `json:"pid,omitempty"`
	ExitCode   *int                      `json:"exitCode,omitempty"`
	Message    string                    `json:"message,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Sessions   []manager.TerminalSession `json:"sessions,omitempty"`
	Timestamp  int64                     `json:"timestamp"`
}

// Inbound operation vocabulary.
const (
	opCreate = "create"
	opWrite  = "write"
	opResize = "resize"
	opKill   = "kill"
	opList   = "list"
)

// Outbound envelope types.
const (
	evConnected = "connected"
	evCreated   = "created"
	evData      = "data"
	evExit      = "exit"
	evKilled    = "killed"
	evError     = "error"
	evList      = "list"
)

func stamp(e Envelope) Envelope {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e
}

// newTerminalID returns a wire-facing terminal id of the form
// terminal-<epoch ms>-<random>.
func newTerminalID() string {
	return fmt.Sprintf("terminal-%d-%s", time.Now().UnixMilli(), randomSuffix())
}

// newSessionID returns a per-connection id of the form
// session-<epoch ms>-<random>.
func newSessionID() string {
	return fmt.Sprintf("session-%d-%s", time.Now().UnixMilli(), randomSuffix())
}

func randomSuffix() string {
	id := uuid.New().String()
	return id[:8]
}
