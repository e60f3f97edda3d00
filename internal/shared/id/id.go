// Package id provides centralized ID generation for terminal supervision.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: terminal and request ids sort by creation time
//   - Prefixed types: type-specific prefixes for debugging (term_*, req_*, sess_*)
//   - Type safety: separate types prevent id misuse across the protocol
//   - Injectable entropy: deterministic ids in tests
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TerminalID identifies a terminal session across manager and host.
type TerminalID string

// RequestID correlates an async request with its response.
type RequestID string

// SessionID identifies a remote server connection session.
type SessionID string

// Prefixes make ids self-describing in logs and protocol traces.
const (
	TerminalPrefix = "term"
	RequestPrefix  = "req"
	SessionPrefix  = "sess"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

// NewGenerator creates a new ULID generator with secure entropy.
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewTerminalID generates a new terminal ID.
func (g *Generator) NewTerminalID() TerminalID {
	return TerminalID(g.GenerateWithPrefix(TerminalPrefix))
}

// NewRequestID generates a new request ID.
func (g *Generator) NewRequestID() RequestID {
	return RequestID(g.GenerateWithPrefix(RequestPrefix))
}

// NewSessionID generates a new session ID.
func (g *Generator) NewSessionID() SessionID {
	return SessionID(g.GenerateWithPrefix(SessionPrefix))
}

func (id TerminalID) String() string { return string(id) }
func (id RequestID) String() string  { return string(id) }
func (id SessionID) String() string  { return string(id) }

// stripPrefix removes a "<prefix>_" marker, if any, leaving the raw ULID.
func stripPrefix(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// IsValid checks if an id string is a valid ULID, with or without a
// type prefix.
func IsValid(id string) bool {
	_, err := ulid.Parse(stripPrefix(id))
	return err == nil
}

// Timestamp extracts the creation time from a ULID string, with or
// without a type prefix.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(stripPrefix(id))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
