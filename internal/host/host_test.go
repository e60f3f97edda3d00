package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatcherDX/dx-engine-sub007/internal/backend"
	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/protocol"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

type fakeTerminal struct {
	events   chan strategy.Event
	writes   [][]byte
	killed   bool
	spawnErr error
	writeErr error
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{events: make(chan strategy.Event, 64)}
}

func (t *fakeTerminal) Spawn() error { return t.spawnErr }
func (t *fakeTerminal) Write(data []byte) error {
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, data)
	return nil
}
func (t *fakeTerminal) Resize(cols, rows int) error   { return nil }
func (t *fakeTerminal) Kill() error                   { t.killed = true; return nil }
func (t *fakeTerminal) Pid() int                      { return 12345 }
func (t *fakeTerminal) Events() <-chan strategy.Event { return t.events }

type fakeFactory struct {
	terminal *fakeTerminal
	err      error
}

func (f *fakeFactory) Create(id string, opts strategy.Options) (*strategy.Creation, error) {
	if f.err != nil {
		return nil, f.err
	}
	caps := backend.Capabilities{
		Backend:        backend.KindNativePTY,
		SupportsResize: true,
		Reliability:    backend.ReliabilityHigh,
	}
	return &strategy.Creation{
		Terminal:     f.terminal,
		Strategy:     "node-pty",
		Capabilities: caps,
		Options:      opts.WithDefaults(),
	}, nil
}

// newTestHost wires a host to an in-memory response stream.
func newTestHost(factory Factory, cfg Config) (*Host, *bytes.Buffer) {
	var out bytes.Buffer
	h := New(factory, strings.NewReader(""), &out, logging.NewNop(), cfg)
	return h, &out
}

func decodeAll(t *testing.T, out *bytes.Buffer) []*protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(bytes.NewReader(out.Bytes()))
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
}

func TestCreateRepliesCreated(t *testing.T) {
	term := newFakeTerminal()
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})

	h.dispatch(&protocol.Message{
		Type:    protocol.TypeCreate,
		ID:      "term_1",
		Options: &strategy.Options{Shell: "/bin/bash", Cols: 120, Rows: 40},
	})

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 1)
	created := msgs[0]
	assert.Equal(t, protocol.TypeCreated, created.Type)
	assert.Equal(t, "term_1", created.ID)
	assert.Equal(t, 12345, created.Pid)
	assert.Equal(t, "/bin/bash", created.Shell)
	assert.Equal(t, "node-pty", created.Strategy)
	require.NotNil(t, created.Capabilities)
	assert.True(t, created.Capabilities.SupportsResize)
}

func TestCreateFailureRepliesError(t *testing.T) {
	h, out := newTestHost(&fakeFactory{err: errors.New("spawn failed")}, Config{})

	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	assert.Equal(t, "term_1", msgs[0].ID)
	assert.Contains(t, msgs[0].Error, "spawn failed")

	// The id stays absent: a later write warns instead of erroring.
	assert.Nil(t, h.lookup("term_1"))
}

func TestSpawnFailureRepliesError(t *testing.T) {
	term := newFakeTerminal()
	term.spawnErr = errors.New("pty exhausted")
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})

	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
}

func TestWriteRoutesToTerminal(t *testing.T) {
	term := newFakeTerminal()
	h, _ := newTestHost(&fakeFactory{terminal: term}, Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})

	h.dispatch(&protocol.Message{Type: protocol.TypeWrite, ID: "term_1", Data: []byte("echo hi")})

	require.Len(t, term.writes, 1)
	assert.Equal(t, []byte("echo hi"), term.writes[0])
}

func TestWriteUnknownTerminalIsNoop(t *testing.T) {
	h, out := newTestHost(&fakeFactory{terminal: newFakeTerminal()}, Config{})

	h.dispatch(&protocol.Message{Type: protocol.TypeWrite, ID: "ghost", Data: []byte("x")})

	assert.Empty(t, decodeAll(t, out))
}

func TestWriteErrorSurfacesAsErrorMessage(t *testing.T) {
	term := newFakeTerminal()
	term.writeErr = errors.New("broken pipe")
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})
	out.Reset()

	h.dispatch(&protocol.Message{Type: protocol.TypeWrite, ID: "term_1", Data: []byte("x")})

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	assert.Contains(t, msgs[0].Error, "broken pipe")
}

func TestKillRepliesKilled(t *testing.T) {
	term := newFakeTerminal()
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})
	out.Reset()

	h.dispatch(&protocol.Message{Type: protocol.TypeKill, ID: "term_1"})

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeKilled, msgs[0].Type)
	assert.True(t, term.killed)
}

func TestKillUnknownTerminalIsNoop(t *testing.T) {
	h, out := newTestHost(&fakeFactory{terminal: newFakeTerminal()}, Config{})

	h.dispatch(&protocol.Message{Type: protocol.TypeKill, ID: "ghost"})

	assert.Empty(t, decodeAll(t, out))
}

func TestListSnapshotsRunningTerminals(t *testing.T) {
	term := newFakeTerminal()
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})
	out.Reset()

	h.dispatch(&protocol.Message{Type: protocol.TypeList, ID: "req_9"})

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeList, msgs[0].Type)
	assert.Equal(t, "req_9", msgs[0].RequestID)
	require.Len(t, msgs[0].Terminals, 1)
	assert.Equal(t, "term_1", msgs[0].Terminals[0].ID)
}

func TestDataChunking(t *testing.T) {
	term := newFakeTerminal()
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})
	out.Reset()

	payload := bytes.Repeat([]byte("a"), 2048)
	term.events <- strategy.DataEvent{Data: payload}
	close(term.events)
	h.forwardEvents(h.lookup("term_1"))

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeData, msgs[0].Type)
	assert.Len(t, msgs[0].Data, 1024)
	assert.Len(t, msgs[1].Data, 1024)

	var joined []byte
	for _, m := range msgs {
		joined = append(joined, m.Data...)
	}
	assert.Equal(t, payload, joined)
}

func TestResizeStormSuppression(t *testing.T) {
	term := newFakeTerminal()
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})
	out.Reset()

	storm := []byte("\x1b[8;40;120t")
	for i := 0; i < 5; i++ {
		term.events <- strategy.DataEvent{Data: storm}
	}
	term.events <- strategy.DataEvent{Data: []byte("normal output")}
	close(term.events)
	h.forwardEvents(h.lookup("term_1"))

	msgs := decodeAll(t, out)
	stormForwards := 0
	normalForwards := 0
	stormNotices := 0
	for _, m := range msgs {
		if m.Type == protocol.TypeStorm {
			stormNotices++
			assert.Equal(t, "term_1", m.ID)
			continue
		}
		if bytes.Contains(m.Data, storm) {
			stormForwards++
		}
		if bytes.Contains(m.Data, []byte("normal output")) {
			normalForwards++
		}
	}
	assert.Less(t, stormForwards, 5, "storm pattern should be suppressed")
	assert.Equal(t, 1, normalForwards, "unrelated output must still flow")
	assert.Equal(t, 1, stormNotices, "one storm notice per suppression episode")
}

func TestExitFollowsTrailingData(t *testing.T) {
	term := newFakeTerminal()
	h, out := newTestHost(&fakeFactory{terminal: term}, Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})
	out.Reset()

	term.events <- strategy.DataEvent{Data: []byte("goodbye\n")}
	term.events <- strategy.ExitEvent{Code: 0}
	close(term.events)
	h.forwardEvents(h.lookup("term_1"))

	msgs := decodeAll(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeData, msgs[0].Type)
	assert.Equal(t, protocol.TypeExit, msgs[1].Type)
	require.NotNil(t, msgs[1].ExitCode)
	assert.Equal(t, 0, *msgs[1].ExitCode)

	// Exited terminals leave the registry.
	assert.Nil(t, h.lookup("term_1"))
}

func TestRunShutsDownOnEOF(t *testing.T) {
	term := newFakeTerminal()
	var out bytes.Buffer
	h := New(&fakeFactory{terminal: term}, strings.NewReader(""), &out, logging.NewNop(), Config{})
	h.dispatch(&protocol.Message{Type: protocol.TypeCreate, ID: "term_1"})

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on EOF")
	}
	assert.True(t, term.killed, "shutdown must kill tracked terminals")
}

func TestShutdownSweepContinuesPastFailures(t *testing.T) {
	h, _ := newTestHost(&fakeFactory{terminal: newFakeTerminal()}, Config{})

	bad := newFakeTerminal()
	good := newFakeTerminal()
	h.terminals["bad"] = &hostTerminal{info: protocol.TerminalInfo{ID: "bad"}, term: &failingKillTerminal{bad}}
	h.terminals["good"] = &hostTerminal{info: protocol.TerminalInfo{ID: "good"}, term: good}

	h.Shutdown()

	assert.True(t, good.killed)
	assert.Empty(t, h.terminals)
}

type failingKillTerminal struct {
	*fakeTerminal
}

func (t *failingKillTerminal) Kill() error { return errors.New("kill failed") }
