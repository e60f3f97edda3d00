package strategy

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// ptyTerminal runs a shell attached to a pseudo-terminal.
type ptyTerminal struct {
	id   string
	opts Options

	cmd  *exec.Cmd
	ptmx *os.File

	events   chan Event
	readDone chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPTYTerminal(id string, opts Options) *ptyTerminal {
	return &ptyTerminal{
		id:       id,
		opts:     opts,
		events:   make(chan Event, 256),
		readDone: make(chan struct{}),
	}
}

// Spawn starts the shell under a PTY sized to the requested grid.
func (t *ptyTerminal) Spawn() error {
	cmd := exec.Command(t.opts.Shell)
	cmd.Dir = t.opts.Cwd
	cmd.Env = buildEnv(t.opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(t.opts.Rows),
		Cols: uint16(t.opts.Cols),
	})
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}

	t.cmd = cmd
	t.ptmx = ptmx

	go t.readLoop()
	go t.waitLoop()

	return nil
}

// readLoop forwards PTY output as DataEvents until EOF.
func (t *ptyTerminal) readLoop() {
	defer close(t.readDone)

	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.events <- DataEvent{Data: data}
		}
		if err != nil {
			// EOF and "file already closed" are the normal shutdown paths.
			if err != io.EOF && !t.isClosed() {
				t.events <- ErrorEvent{Err: err}
			}
			return
		}
	}
}

// waitLoop reaps the shell and emits the terminal ExitEvent after all
// pending output has been read, so consumers never see exit before data.
func (t *ptyTerminal) waitLoop() {
	err := t.cmd.Wait()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.ptmx.Close()

	<-t.readDone

	code, signal := exitStatus(t.cmd, err)
	t.events <- ExitEvent{Code: code, Signal: signal}
	close(t.events)
}

func (t *ptyTerminal) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ptmx == nil {
		return fmt.Errorf("terminal %s is closed", t.id)
	}
	_, err := t.ptmx.Write(data)
	return err
}

func (t *ptyTerminal) Resize(cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ptmx == nil {
		return fmt.Errorf("terminal %s is closed", t.id)
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

func (t *ptyTerminal) Kill() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	if t.ptmx != nil {
		t.ptmx.Close()
	}
	return nil
}

func (t *ptyTerminal) Pid() int {
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}

func (t *ptyTerminal) Events() <-chan Event {
	return t.events
}

func (t *ptyTerminal) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// buildEnv merges the process environment with terminal overrides and forces
// a color-capable TERM.
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	for key, value := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// exitStatus extracts a portable exit code and signal name from a reaped
// command. A -1 exit code means the process was signaled; the signal name is
// recovered from the process state string ("signal: killed").
func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			return -1, ""
		}
		return 0, ""
	}
	code := state.ExitCode()
	if code == -1 {
		return code, strings.TrimPrefix(state.String(), "signal: ")
	}
	return code, ""
}
