package manager

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/HatcherDX/dx-engine-sub007/internal/protocol"
)

// Link is one live host process connection. Messages() closes on disconnect;
// Exit() delivers the process exit code exactly once.
type Link interface {
	Send(msg *protocol.Message) error
	Messages() <-chan *protocol.Message
	Exit() <-chan int
	Kill()
}

// SpawnFunc creates a fresh host link. Injectable so tests can supervise a
// fake host.
type SpawnFunc func() (Link, error)

// procLink runs the termhost binary as a child process, speaking the wire
// protocol over its stdio. Host stderr passes through for log visibility.
type procLink struct {
	cmd  *exec.Cmd
	enc  *protocol.Encoder
	msgs chan *protocol.Message
	exit chan int
}

// spawnProcess forks the host binary and wires its pipes.
func spawnProcess(binary string, args ...string) (Link, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start host process: %w", err)
	}

	l := &procLink{
		cmd:  cmd,
		enc:  protocol.NewEncoder(stdin),
		msgs: make(chan *protocol.Message, 256),
		exit: make(chan int, 1),
	}

	go l.readLoop(stdout)
	go l.waitLoop()

	return l, nil
}

func (l *procLink) readLoop(r io.Reader) {
	defer close(l.msgs)

	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.Decode()
		if err != nil {
			return
		}
		l.msgs <- msg
	}
}

func (l *procLink) waitLoop() {
	err := l.cmd.Wait()
	code := 0
	if err != nil {
		code = l.cmd.ProcessState.ExitCode()
		if code == 0 {
			code = -1
		}
	}
	l.exit <- code
}

func (l *procLink) Send(msg *protocol.Message) error {
	return l.enc.Encode(msg)
}

func (l *procLink) Messages() <-chan *protocol.Message {
	return l.msgs
}

func (l *procLink) Exit() <-chan int {
	return l.exit
}

func (l *procLink) Kill() {
	if l.cmd.Process != nil {
		l.cmd.Process.Kill()
	}
}
