package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/manager"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

type fakeController struct {
	mu        sync.Mutex
	nextPid   int
	createErr error
	sessions  []manager.TerminalSession
	writes    map[string]string
	resizes   map[string][2]int
	killed    []string
	observers []func(manager.Event)
}

func newFakeController() *fakeController {
	return &fakeController{
		nextPid: 12345,
		writes:  make(map[string]string),
		resizes: make(map[string][2]int),
	}
}

func (f *fakeController) CreateTerminal(ctx context.Context, opts strategy.Options) (*manager.TerminalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	session := manager.TerminalSession{
		ID:    fmt.Sprintf("term_%d", len(f.sessions)+1),
		Pid:   f.nextPid,
		Shell: opts.Shell,
		Cwd:   opts.Cwd,
	}
	f.sessions = append(f.sessions, session)
	return &session, nil
}

func (f *fakeController) WriteToTerminal(terminalID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[terminalID] += string(data)
}

func (f *fakeController) ResizeTerminal(terminalID string, cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes[terminalID] = [2]int{cols, rows}
}

func (f *fakeController) KillTerminal(terminalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, terminalID)
}

func (f *fakeController) Terminals() []manager.TerminalSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]manager.TerminalSession, len(f.sessions))
	copy(out, f.sessions)
	return out
}

func (f *fakeController) Subscribe(fn func(manager.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
	return func() {}
}

func (f *fakeController) emit(evt manager.Event) {
	f.mu.Lock()
	observers := append([]func(manager.Event){}, f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(evt)
	}
}

func (f *fakeController) killedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.killed...)
}

func (f *fakeController) writtenTo(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[id]
}

func newTestServer(t *testing.T, control SessionController) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{Port: "0"}, control, logging.NewNop(), nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/terminal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func TestHealthEndpoint(t *testing.T) {
	control := newFakeController()
	_, err := control.CreateTerminal(context.Background(), strategy.Options{Shell: "/bin/sh"})
	require.NoError(t, err)

	_, ts := newTestServer(t, control)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status         string `json:"status"`
		SessionsActive int    `json:"sessionsActive"`
		Timestamp      int64  `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.SessionsActive)
	assert.NotZero(t, body.Timestamp)
}

func TestTerminalsEndpoint(t *testing.T) {
	control := newFakeController()
	_, err := control.CreateTerminal(context.Background(), strategy.Options{Shell: "/bin/bash"})
	require.NoError(t, err)

	_, ts := newTestServer(t, control)

	resp, err := http.Get(ts.URL + "/terminals")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Sessions []manager.TerminalSession `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "/bin/bash", body.Sessions[0].Shell)
}

func TestTerminalsEndpointEmpty(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())

	resp, err := http.Get(ts.URL + "/terminals")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.JSONEq(t, "[]", string(body["sessions"]))
}

func TestWSWelcome(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())
	conn := dialWS(t, ts)

	env := readEnvelope(t, conn)
	assert.Equal(t, "connected", env.Type)
	assert.True(t, strings.HasPrefix(env.SessionID, "session-"), "got %q", env.SessionID)
	assert.NotZero(t, env.Timestamp)
}

func TestWSCreateWriteKill(t *testing.T) {
	control := newFakeController()
	_, ts := newTestServer(t, control)
	conn := dialWS(t, ts)
	readEnvelope(t, conn) // welcome

	writeEnvelope(t, conn, Envelope{Type: "create", Shell: "/bin/bash", Cols: 120, Rows: 40})
	created := readEnvelope(t, conn)
	require.Equal(t, "created", created.Type)
	assert.True(t, strings.HasPrefix(created.TerminalID, "terminal-"), "got %q", created.TerminalID)
	assert.Equal(t, 12345, created.Pid)
	assert.Equal(t, "/bin/bash", created.Shell)

	writeEnvelope(t, conn, Envelope{Type: "write", TerminalID: created.TerminalID, Data: "echo hi"})
	assert.Eventually(t, func() bool {
		return control.writtenTo("term_1") == "echo hi"
	}, time.Second, 5*time.Millisecond)

	writeEnvelope(t, conn, Envelope{Type: "kill", TerminalID: created.TerminalID})
	killed := readEnvelope(t, conn)
	assert.Equal(t, "killed", killed.Type)
	assert.Equal(t, created.TerminalID, killed.TerminalID)
	assert.Eventually(t, func() bool {
		ids := control.killedIDs()
		return len(ids) == 1 && ids[0] == "term_1"
	}, time.Second, 5*time.Millisecond)
}

func TestWSCreateFailure(t *testing.T) {
	control := newFakeController()
	control.createErr = errors.New("spawn failed")
	_, ts := newTestServer(t, control)
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, Envelope{Type: "create"})
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.Contains(t, env.Error, "spawn failed")
}

func TestWSMalformedMessage(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.Contains(t, env.Error, "malformed")

	// Connection survives the bad message.
	writeEnvelope(t, conn, Envelope{Type: "ping"})
	assert.Equal(t, "pong", readEnvelope(t, conn).Type)
}

func TestWSUnknownTerminal(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, Envelope{Type: "write", TerminalID: "terminal-0-bogus", Data: "x"})
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.Contains(t, env.Error, "unknown terminal")
}

func TestWSUnknownType(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, Envelope{Type: "reboot"})
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.Contains(t, env.Error, "unknown message type")
}

func TestWSDataForwarding(t *testing.T) {
	control := newFakeController()
	_, ts := newTestServer(t, control)
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, Envelope{Type: "create"})
	created := readEnvelope(t, conn)
	require.Equal(t, "created", created.Type)

	control.emit(manager.TerminalData{ID: "term_1", Data: []byte("hello\r\n")})

	env := readEnvelope(t, conn)
	assert.Equal(t, "data", env.Type)
	assert.Equal(t, created.TerminalID, env.TerminalID)
	assert.Equal(t, "hello\r\n", env.Data)
}

func TestWSExitForwarding(t *testing.T) {
	control := newFakeController()
	_, ts := newTestServer(t, control)
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, Envelope{Type: "create"})
	created := readEnvelope(t, conn)

	control.emit(manager.TerminalExit{ID: "term_1", ExitCode: 0})

	env := readEnvelope(t, conn)
	assert.Equal(t, "exit", env.Type)
	assert.Equal(t, created.TerminalID, env.TerminalID)
	require.NotNil(t, env.ExitCode)
	assert.Equal(t, 0, *env.ExitCode)
}

func TestWSCloseKillsOwnedSessions(t *testing.T) {
	control := newFakeController()
	_, ts := newTestServer(t, control)
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, Envelope{Type: "create"})
	readEnvelope(t, conn)

	conn.Close()

	assert.Eventually(t, func() bool {
		ids := control.killedIDs()
		return len(ids) == 1 && ids[0] == "term_1"
	}, time.Second, 5*time.Millisecond)
}

func TestStatus(t *testing.T) {
	control := newFakeController()
	s, ts := newTestServer(t, control)

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.Sessions)

	conn := dialWS(t, ts)
	readEnvelope(t, conn)
	writeEnvelope(t, conn, Envelope{Type: "create"})
	readEnvelope(t, conn)

	assert.Eventually(t, func() bool {
		return s.Status().Sessions == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTerminalIDFormat(t *testing.T) {
	id := newTerminalID()
	parts := strings.SplitN(id, "-", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "terminal", parts[0])
	assert.NotEmpty(t, parts[1])
	assert.NotEmpty(t, parts[2])
}
