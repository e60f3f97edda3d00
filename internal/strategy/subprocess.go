package strategy

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// subprocessTerminal runs a shell over plain pipes. It keeps sessions usable
// on platforms with no PTY at all: output still streams and input still
// lands, but there is no resize and the shell sees a non-tty.
type subprocessTerminal struct {
	id   string
	opts Options

	cmd   *exec.Cmd
	stdin io.WriteCloser

	events   chan Event
	readDone chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSubprocessTerminal(id string, opts Options) *subprocessTerminal {
	return &subprocessTerminal{
		id:       id,
		opts:     opts,
		events:   make(chan Event, 256),
		readDone: make(chan struct{}),
	}
}

func (t *subprocessTerminal) Spawn() error {
	cmd := exec.Command(t.opts.Shell)
	cmd.Dir = t.opts.Cwd
	cmd.Env = buildEnv(t.opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin

	var readers sync.WaitGroup
	readers.Add(2)
	go t.readLoop(stdout, &readers)
	go t.readLoop(stderr, &readers)
	go func() {
		readers.Wait()
		close(t.readDone)
	}()
	go t.waitLoop()

	return nil
}

func (t *subprocessTerminal) readLoop(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.events <- DataEvent{Data: data}
		}
		if err != nil {
			return
		}
	}
}

func (t *subprocessTerminal) waitLoop() {
	err := t.cmd.Wait()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	<-t.readDone

	code, signal := exitStatus(t.cmd, err)
	t.events <- ExitEvent{Code: code, Signal: signal}
	close(t.events)
}

func (t *subprocessTerminal) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stdin == nil {
		return fmt.Errorf("terminal %s is closed", t.id)
	}
	_, err := t.stdin.Write(data)
	return err
}

// Resize is a no-op: the subprocess backend reports supportsResize=false and
// callers are expected to treat resize as best-effort.
func (t *subprocessTerminal) Resize(cols, rows int) error {
	return nil
}

func (t *subprocessTerminal) Kill() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	return nil
}

func (t *subprocessTerminal) Pid() int {
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}

func (t *subprocessTerminal) Events() <-chan Event {
	return t.events
}
