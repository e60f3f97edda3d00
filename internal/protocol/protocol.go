// Package protocol defines the manager<->host wire messages and their
// newline-delimited JSON framing.
//
// One envelope struct carries every variant, discriminated by Type. Requests
// flow manager->host (create, write, resize, kill, list); responses flow
// host->manager (created, data, exit, error, killed, storm, list). Data
// payloads are []byte and ride as base64 so arbitrary terminal bytes
// survive JSON.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/HatcherDX/dx-engine-sub007/internal/backend"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

// Type discriminates message variants.
type Type string

// Manager -> host requests.
const (
	TypeCreate Type = "create"
	TypeWrite  Type = "write"
	TypeResize Type = "resize"
	TypeKill   Type = "kill"
	TypeList   Type = "list"
)

// Host -> manager responses. TypeList serves both directions: the request
// carries a requestId and the response echoes it with the terminal snapshot.
const (
	TypeCreated Type = "created"
	TypeData    Type = "data"
	TypeExit    Type = "exit"
	TypeError   Type = "error"
	TypeKilled  Type = "killed"
	// TypeStorm notifies the manager that a terminal's output is being
	// suppressed by the host's storm filter. Sent once per suppression
	// episode, on the transition into suppression.
	TypeStorm Type = "storm"
)

// TerminalInfo is the host-side snapshot of a running terminal.
type TerminalInfo struct {
	ID             string               `json:"id"`
	Pid            int                  `json:"pid"`
	Shell          string               `json:"shell"`
	Cwd            string               `json:"cwd"`
	Strategy       string               `json:"strategy"`
	Backend        string               `json:"backend"`
	Capabilities   backend.Capabilities `json:"capabilities"`
	FallbackReason string               `json:"fallbackReason,omitempty"`
}

// Message is the wire envelope for every protocol variant.
type Message struct {
	Type      Type   `json:"type"`
	ID        string `json:"id,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// create
	Options *strategy.Options `json:"options,omitempty"`

	// write / data
	Data []byte `json:"data,omitempty"`

	// resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// created
	Shell          string                `json:"shell,omitempty"`
	Cwd            string                `json:"cwd,omitempty"`
	Pid            int                   `json:"pid,omitempty"`
	Strategy       string                `json:"strategy,omitempty"`
	Backend        string                `json:"backend,omitempty"`
	Capabilities   *backend.Capabilities `json:"capabilities,omitempty"`
	FallbackReason string                `json:"fallbackReason,omitempty"`

	// exit
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// list response
	Terminals []TerminalInfo `json:"terminals,omitempty"`
}

// Encoder writes messages as newline-delimited JSON. Safe for concurrent use:
// host-side data forwarding and reply writing share one stdout.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one framed message.
func (e *Encoder) Encode(msg *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads framed messages from a stream.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next message. Returns io.EOF when the peer closes the
// stream.
func (d *Decoder) Decode() (*Message, error) {
	var msg Message
	if err := d.dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// IntPtr is a convenience for optional exit codes.
func IntPtr(v int) *int { return &v }
