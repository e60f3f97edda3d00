package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/protocol"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

type fakeLink struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	sendErr error
	killed  bool
	onSend  func(msg *protocol.Message)

	msgs chan *protocol.Message
	exit chan int
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		msgs: make(chan *protocol.Message, 64),
		exit: make(chan int, 1),
	}
}

func (l *fakeLink) Send(msg *protocol.Message) error {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	hook := l.onSend
	err := l.sendErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (l *fakeLink) Messages() <-chan *protocol.Message { return l.msgs }
func (l *fakeLink) Exit() <-chan int                   { return l.exit }
func (l *fakeLink) Kill() {
	l.mu.Lock()
	l.killed = true
	l.mu.Unlock()
}

func (l *fakeLink) sentMessages() []*protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Message(nil), l.sent...)
}

type fakeMonitor struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (f *fakeMonitor) Register(id string, term any, strategy string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, id)
}

func (f *fakeMonitor) Unregister(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, id)
}

func newTestManager(t *testing.T, link *fakeLink) *Manager {
	t.Helper()
	m := New(Config{RestartDelay: 10 * time.Millisecond}, logging.NewNop(), nil)
	m.spawn = func() (Link, error) { return link, nil }
	require.NoError(t, m.Start())
	return m
}

// respondCreated wires the link to answer create requests like a live host.
func respondCreated(link *fakeLink, pid int) {
	link.onSend = func(msg *protocol.Message) {
		if msg.Type == protocol.TypeCreate {
			link.msgs <- &protocol.Message{
				Type:     protocol.TypeCreated,
				ID:       msg.ID,
				Pid:      pid,
				Shell:    msg.Options.Shell,
				Strategy: "node-pty",
			}
		}
	}
}

func TestCreateTerminalResolvesFromCreatedResponse(t *testing.T) {
	link := newFakeLink()
	respondCreated(link, 12345)
	m := newTestManager(t, link)
	defer m.Destroy()

	session, err := m.CreateTerminal(context.Background(), strategy.Options{Shell: "/bin/bash", Cols: 120, Rows: 40})
	require.NoError(t, err)

	assert.Equal(t, 12345, session.Pid)
	assert.Equal(t, "/bin/bash", session.Shell)
	assert.Equal(t, "node-pty", session.Strategy)
	assert.NotEmpty(t, session.ID)

	// The session landed in the registry.
	require.Len(t, m.Terminals(), 1)
	assert.Equal(t, session.ID, m.Terminals()[0].ID)
}

func TestCreateTerminalRejectsOnErrorResponse(t *testing.T) {
	link := newFakeLink()
	link.onSend = func(msg *protocol.Message) {
		link.msgs <- &protocol.Message{Type: protocol.TypeError, ID: msg.ID, Error: "shell not found"}
	}
	m := newTestManager(t, link)
	defer m.Destroy()

	_, err := m.CreateTerminal(context.Background(), strategy.Options{})
	require.Error(t, err)
	assert.Equal(t, "shell not found", err.Error())
}

func TestCreateTerminalEmptyErrorBecomesUnknown(t *testing.T) {
	link := newFakeLink()
	link.onSend = func(msg *protocol.Message) {
		link.msgs <- &protocol.Message{Type: protocol.TypeError, ID: msg.ID}
	}
	m := newTestManager(t, link)
	defer m.Destroy()

	_, err := m.CreateTerminal(context.Background(), strategy.Options{})
	require.Error(t, err)
	assert.Equal(t, "Unknown error", err.Error())
}

func TestCreateTerminalSendFailureRemovesPending(t *testing.T) {
	link := newFakeLink()
	link.sendErr = errors.New("pipe closed")
	m := newTestManager(t, link)
	defer m.Destroy()

	_, err := m.CreateTerminal(context.Background(), strategy.Options{})
	require.Error(t, err)

	m.mu.Lock()
	assert.Empty(t, m.pending, "failed send must clean up its pending request")
	m.mu.Unlock()
}

func TestWriteToTerminalSendsExactPayload(t *testing.T) {
	link := newFakeLink()
	m := newTestManager(t, link)
	defer m.Destroy()

	m.WriteToTerminal("term_1", []byte("echo hi"))

	sent := link.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeWrite, sent[0].Type)
	assert.Equal(t, []byte("echo hi"), sent[0].Data)
}

func TestFireAndForgetNeverPanicsWithoutHost(t *testing.T) {
	m := New(Config{}, logging.NewNop(), nil)
	// No Start: link is nil.

	m.WriteToTerminal("term_1", []byte("x"))
	m.ResizeTerminal("term_1", 80, 24)
	m.KillTerminal("term_1")
}

func TestKillTerminalUnregistersBeforeSend(t *testing.T) {
	link := newFakeLink()
	link.sendErr = errors.New("host gone")
	mon := &fakeMonitor{}
	m := New(Config{}, logging.NewNop(), mon)
	m.spawn = func() (Link, error) { return link, nil }
	require.NoError(t, m.Start())
	defer m.Destroy()

	m.mu.Lock()
	m.terminals["term_1"] = &TerminalSession{ID: "term_1"}
	m.mu.Unlock()

	m.KillTerminal("term_1")

	// Unregistration happens even though the send failed.
	assert.Equal(t, []string{"term_1"}, mon.unregistered)
	assert.Empty(t, m.Terminals())
}

func TestListTerminalsCorrelatesByRequestID(t *testing.T) {
	link := newFakeLink()
	link.onSend = func(msg *protocol.Message) {
		if msg.Type == protocol.TypeList {
			link.msgs <- &protocol.Message{
				Type:      protocol.TypeList,
				RequestID: msg.ID,
				Terminals: []protocol.TerminalInfo{{ID: "term_a", Pid: 7}},
			}
		}
	}
	m := newTestManager(t, link)
	defer m.Destroy()

	sessions, err := m.ListTerminals(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "term_a", sessions[0].ID)
	assert.Equal(t, 7, sessions[0].Pid)
}

func TestDestroyRejectsAllPendingRequests(t *testing.T) {
	link := newFakeLink() // never responds
	m := newTestManager(t, link)

	const n = 3
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := m.CreateTerminal(context.Background(), strategy.Options{})
			results <- err
		}()
	}

	// Wait for all three pending requests to register.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.pending) == n
	}, time.Second, 5*time.Millisecond)

	m.Destroy()

	for i := 0; i < n; i++ {
		err := <-results
		assert.Equal(t, ErrDestroyed, err)
	}
	assert.True(t, link.killed)
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := New(Config{}, logging.NewNop(), nil)
	m.Destroy()
	m.Destroy()

	_, err := m.CreateTerminal(context.Background(), strategy.Options{})
	assert.Equal(t, ErrDestroyed, err)
}

func TestRestartPolicy(t *testing.T) {
	tests := []struct {
		name       string
		exitCode   int
		wantSpawns int32
	}{
		{"non-zero exit schedules restart", 1, 2},
		{"zero exit is graceful", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var spawns int32
			m := New(Config{RestartDelay: 10 * time.Millisecond}, logging.NewNop(), nil)
			m.spawn = func() (Link, error) {
				atomic.AddInt32(&spawns, 1)
				return newFakeLink(), nil
			}
			require.NoError(t, m.Start())
			defer m.Destroy()

			m.mu.Lock()
			link := m.link.(*fakeLink)
			m.mu.Unlock()
			link.exit <- tt.exitCode
			close(link.msgs)

			if tt.wantSpawns > 1 {
				require.Eventually(t, func() bool {
					return atomic.LoadInt32(&spawns) == tt.wantSpawns
				}, time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(50 * time.Millisecond)
				assert.Equal(t, tt.wantSpawns, atomic.LoadInt32(&spawns))
			}
		})
	}
}

func TestDataEventsReachObservers(t *testing.T) {
	link := newFakeLink()
	m := newTestManager(t, link)
	defer m.Destroy()

	events := make(chan Event, 1)
	unsubscribe := m.Subscribe(func(ev Event) { events <- ev })

	link.msgs <- &protocol.Message{Type: protocol.TypeData, ID: "term_1", Data: []byte("out")}

	select {
	case ev := <-events:
		data, ok := ev.(TerminalData)
		require.True(t, ok)
		assert.Equal(t, "term_1", data.ID)
		assert.Equal(t, []byte("out"), data.Data)
	case <-time.After(time.Second):
		t.Fatal("observer never saw the data event")
	}

	unsubscribe()
	link.msgs <- &protocol.Message{Type: protocol.TypeData, ID: "term_1", Data: []byte("more")}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, events)
}

func TestDemuxDropsMalformedResponses(t *testing.T) {
	link := newFakeLink()
	m := newTestManager(t, link)
	defer m.Destroy()

	// None of these may panic, resolve anything, or corrupt the registry.
	link.msgs <- &protocol.Message{Type: protocol.TypeCreated} // no id
	link.msgs <- &protocol.Message{Type: protocol.TypeList}    // no requestId
	link.msgs <- &protocol.Message{Type: protocol.TypeError}   // no id
	link.msgs <- &protocol.Message{Type: "bogus"}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, m.Terminals())
}

func TestUncorrelatedErrorEmitsTerminalError(t *testing.T) {
	link := newFakeLink()
	m := newTestManager(t, link)
	defer m.Destroy()

	events := make(chan Event, 1)
	m.Subscribe(func(ev Event) { events <- ev })

	link.msgs <- &protocol.Message{Type: protocol.TypeError, ID: "term_9", Error: "write failed"}

	select {
	case ev := <-events:
		terr, ok := ev.(TerminalError)
		require.True(t, ok)
		assert.Equal(t, "term_9", terr.ID)
		assert.Equal(t, "write failed", terr.Error)
	case <-time.After(time.Second):
		t.Fatal("expected a TerminalError event")
	}
}

func TestCreatedEmitsTerminalCreated(t *testing.T) {
	link := newFakeLink()
	respondCreated(link, 4242)
	m := newTestManager(t, link)
	defer m.Destroy()

	events := make(chan Event, 4)
	m.Subscribe(func(ev Event) { events <- ev })

	session, err := m.CreateTerminal(context.Background(), strategy.Options{Shell: "/bin/sh"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		created, ok := ev.(TerminalCreated)
		require.True(t, ok)
		assert.Equal(t, session.ID, created.ID)
		assert.Equal(t, 4242, created.Pid)
		assert.Equal(t, "/bin/sh", created.Shell)
	case <-time.After(time.Second):
		t.Fatal("expected a TerminalCreated event")
	}
}

func TestStormNoticeEmitsTerminalStorm(t *testing.T) {
	link := newFakeLink()
	m := newTestManager(t, link)
	defer m.Destroy()

	events := make(chan Event, 1)
	m.Subscribe(func(ev Event) { events <- ev })

	link.msgs <- &protocol.Message{Type: protocol.TypeStorm, ID: "term_7"}

	select {
	case ev := <-events:
		storm, ok := ev.(TerminalStorm)
		require.True(t, ok)
		assert.Equal(t, "term_7", storm.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a TerminalStorm event")
	}
}

func TestExitRemovesSessionAndNotifies(t *testing.T) {
	link := newFakeLink()
	respondCreated(link, 99)
	mon := &fakeMonitor{}
	m := New(Config{}, logging.NewNop(), mon)
	m.spawn = func() (Link, error) { return link, nil }
	require.NoError(t, m.Start())
	defer m.Destroy()

	session, err := m.CreateTerminal(context.Background(), strategy.Options{Shell: "/bin/sh"})
	require.NoError(t, err)
	assert.Equal(t, []string{session.ID}, mon.registered)

	events := make(chan Event, 4)
	m.Subscribe(func(ev Event) { events <- ev })

	link.msgs <- &protocol.Message{Type: protocol.TypeExit, ID: session.ID, ExitCode: protocol.IntPtr(0)}

	require.Eventually(t, func() bool { return len(m.Terminals()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{session.ID}, mon.unregistered)
}
