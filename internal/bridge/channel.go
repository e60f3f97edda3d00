package bridge

import (
	"errors"
	"sync"
)

// ErrPortClosed is returned when sending on a closed port.
var ErrPortClosed = errors.New("MessagePort closed")

// Port is one end of a bidirectional message channel. Closing either
// end of a pair signals Closed on both.
type Port interface {
	Send(data []byte) error
	Receive() <-chan []byte
	Close() error
	Closed() <-chan struct{}
}

// Transport establishes a connected Port when the bridge initializes
// or reconnects. Implementations hand the peer end to the consumer.
type Transport interface {
	Open() (Port, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func() (Port, error)

func (f TransportFunc) Open() (Port, error) { return f() }

type pipePort struct {
	in        chan []byte
	out       chan []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns a connected in-memory port pair. Useful for tests and
// for wiring a bridge to an in-process consumer.
func Pipe() (Port, Port) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	done := make(chan struct{})
	// Both ends share one done channel, so they must also share the
	// Once that closes it.
	once := &sync.Once{}
	return &pipePort{in: a, out: b, done: done, closeOnce: once},
		&pipePort{in: b, out: a, done: done, closeOnce: once}
}

func (p *pipePort) Send(data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}
	select {
	case <-p.done:
		return ErrPortClosed
	case p.out <- msg:
		return nil
	}
}

func (p *pipePort) Receive() <-chan []byte { return p.in }

func (p *pipePort) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *pipePort) Closed() <-chan struct{} { return p.done }
