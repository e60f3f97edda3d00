// Package strategy provides a uniform terminal abstraction over the
// available backends: a real PTY where the platform supports one, and a
// plain subprocess pipeline everywhere else.
package strategy

import (
	"os"
	"runtime"

	"github.com/HatcherDX/dx-engine-sub007/internal/backend"
)

// Options configures a new terminal.
type Options struct {
	Shell string            `json:"shell,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  int               `json:"cols,omitempty"`
	Rows  int               `json:"rows,omitempty"`
}

// WithDefaults fills unset fields from the environment: $SHELL (or $COMSPEC
// on Windows), $HOME, and an 80x24 grid.
func (o Options) WithDefaults() Options {
	if o.Shell == "" {
		if runtime.GOOS == "windows" {
			o.Shell = os.Getenv("COMSPEC")
			if o.Shell == "" {
				o.Shell = "cmd.exe"
			}
		} else {
			o.Shell = os.Getenv("SHELL")
			if o.Shell == "" {
				o.Shell = "/bin/bash"
			}
		}
	}
	if o.Cwd == "" {
		o.Cwd = os.Getenv("HOME")
		if o.Cwd == "" {
			o.Cwd = "/tmp"
		}
	}
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	return o
}

// Event is a closed union of terminal lifecycle events.
type Event interface {
	isEvent()
}

// DataEvent carries a slice of raw terminal output.
type DataEvent struct {
	Data []byte
}

// ExitEvent reports process termination. Signal is empty for normal exits.
type ExitEvent struct {
	Code   int
	Signal string
}

// ErrorEvent reports an asynchronous terminal failure.
type ErrorEvent struct {
	Err error
}

func (DataEvent) isEvent()  {}
func (ExitEvent) isEvent()  {}
func (ErrorEvent) isEvent() {}

// Terminal is a live shell process. Events() yields DataEvents during the
// session and terminates with a single ExitEvent; the channel is closed
// afterwards.
type Terminal interface {
	Spawn() error
	Write(data []byte) error
	Resize(cols, rows int) error
	Kill() error
	Pid() int
	Events() <-chan Event
}

// Creation is the result of Factory.Create.
type Creation struct {
	Terminal     Terminal
	Strategy     string
	Capabilities backend.Capabilities
	// Options echoes the request with defaults resolved.
	Options Options
	// FallbackReason is set when the preferred backend was unavailable and a
	// weaker one was substituted.
	FallbackReason string
}

// Factory builds terminals for the backend the detector selected.
type Factory struct {
	detector *backend.Detector
}

// NewFactory creates a factory bound to a detector.
func NewFactory(detector *backend.Detector) *Factory {
	return &Factory{detector: detector}
}

// Create constructs (but does not spawn) a terminal for the given id.
func (f *Factory) Create(id string, opts Options) (*Creation, error) {
	opts = opts.WithDefaults()
	caps := f.detector.Detect()

	creation := &Creation{
		Strategy:     string(caps.Backend),
		Capabilities: caps,
		Options:      opts,
	}

	switch caps.Backend {
	case backend.KindSubprocess:
		creation.Terminal = newSubprocessTerminal(id, opts)
		creation.FallbackReason = "native PTY unavailable, using subprocess pipes (no resize support)"
	default:
		creation.Terminal = newPTYTerminal(id, opts)
	}

	return creation, nil
}
