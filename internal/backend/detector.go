// Package backend selects the strongest available terminal backend for the
// current platform and describes its capabilities.
package backend

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// Kind identifies a terminal backend implementation.
type Kind string

const (
	KindNativePTY  Kind = "native-pty"
	KindConPTY     Kind = "conpty"
	KindWinPTY     Kind = "winpty"
	KindSubprocess Kind = "subprocess"
)

// Reliability grades how trustworthy a backend is in practice.
type Reliability string

const (
	ReliabilityHigh   Reliability = "high"
	ReliabilityMedium Reliability = "medium"
	ReliabilityLow    Reliability = "low"
)

// Capabilities describes what a selected backend can do. Computed once per
// Detector and immutable afterwards.
type Capabilities struct {
	Backend               Kind        `json:"backend"`
	SupportsResize        bool        `json:"supportsResize"`
	SupportsColors        bool        `json:"supportsColors"`
	SupportsInteractivity bool        `json:"supportsInteractivity"`
	SupportsHistory       bool        `json:"supportsHistory"`
	Reliability           Reliability `json:"reliability"`
}

// Description renders a capability summary such as
// "native-pty (high reliability, resize, colors, interactivity, history)".
//
// An empty feature list renders with a trailing comma before the closing
// parenthesis. Downstream log scrapers match on that exact shape, so it is
// kept as-is.
func (c Capabilities) Description() string {
	var features []string
	if c.SupportsResize {
		features = append(features, "resize")
	}
	if c.SupportsColors {
		features = append(features, "colors")
	}
	if c.SupportsInteractivity {
		features = append(features, "interactivity")
	}
	if c.SupportsHistory {
		features = append(features, "history")
	}
	return fmt.Sprintf("%s (%s reliability, %s)", c.Backend, c.Reliability, strings.Join(features, ", "))
}

// Detector probes the platform for viable backends. Probes are injectable so
// tests can simulate foreign platforms; zero-value fields fall back to the
// real environment.
type Detector struct {
	// GOOS overrides runtime.GOOS when non-empty.
	GOOS string
	// OSRelease returns the platform version string ("10.0.19045" on
	// Windows). Only consulted on the ConPTY path.
	OSRelease func() string
	// LookPath resolves helper executables (winpty-agent).
	LookPath func(file string) (string, error)
	// ProbePTY attempts a cheap native PTY allocation.
	ProbePTY func() error

	once sync.Once
	caps Capabilities
}

// NewDetector creates a detector wired to the real platform.
func NewDetector() *Detector {
	return &Detector{}
}

// minConPTYBuild is the first Windows build shipping a usable ConPTY.
const minConPTYBuild = 17763

// Detect selects the best available backend. It is deterministic for a fixed
// environment, caches its result, and never fails: when every probe
// disqualifies itself the subprocess fallback is returned.
func (d *Detector) Detect() Capabilities {
	d.once.Do(func() {
		d.caps = d.detect()
	})
	return d.caps
}

func (d *Detector) detect() Capabilities {
	if d.probePTY() == nil {
		return Capabilities{
			Backend:               KindNativePTY,
			SupportsResize:        true,
			SupportsColors:        true,
			SupportsInteractivity: true,
			SupportsHistory:       true,
			Reliability:           ReliabilityHigh,
		}
	}

	if d.goos() == "windows" {
		if conPTYSupported(d.osRelease()) {
			return Capabilities{
				Backend:               KindConPTY,
				SupportsResize:        true,
				SupportsColors:        true,
				SupportsInteractivity: true,
				SupportsHistory:       true,
				Reliability:           ReliabilityHigh,
			}
		}
		if _, err := d.lookPath("winpty-agent"); err == nil {
			return Capabilities{
				Backend:               KindWinPTY,
				SupportsResize:        true,
				SupportsColors:        true,
				SupportsInteractivity: true,
				SupportsHistory:       true,
				Reliability:           ReliabilityMedium,
			}
		}
	}

	return Fallback()
}

// Fallback returns the always-viable subprocess backend.
func Fallback() Capabilities {
	return Capabilities{
		Backend:               KindSubprocess,
		SupportsResize:        false,
		SupportsColors:        true,
		SupportsInteractivity: true,
		SupportsHistory:       true,
		Reliability:           ReliabilityMedium,
	}
}

// conPTYSupported parses a three-component Windows version string and checks
// it against the minimum ConPTY build. Unparsable or short strings
// disqualify.
func conPTYSupported(release string) bool {
	parts := strings.Split(strings.TrimSpace(release), ".")
	if len(parts) < 3 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	build, err := strconv.Atoi(parts[2])
	if err != nil {
		return false
	}
	return major > 10 || (major == 10 && build >= minConPTYBuild)
}

func (d *Detector) goos() string {
	if d.GOOS != "" {
		return d.GOOS
	}
	return runtime.GOOS
}

func (d *Detector) osRelease() string {
	if d.OSRelease != nil {
		return d.OSRelease()
	}
	return platformRelease()
}

func (d *Detector) lookPath(file string) (string, error) {
	if d.LookPath != nil {
		return d.LookPath(file)
	}
	return exec.LookPath(file)
}

func (d *Detector) probePTY() error {
	if d.ProbePTY != nil {
		return d.ProbePTY()
	}
	ptmx, tty, err := pty.Open()
	if err != nil {
		return err
	}
	ptmx.Close()
	tty.Close()
	return nil
}
