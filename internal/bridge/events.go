package bridge

import "encoding/json"

// Message is the request envelope sent over the channel.
type Message struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	RequestID  string `json:"requestId"`
}

// Response is the reply envelope received from the peer.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId"`
}

// Event is a bridge lifecycle notification delivered to observers.
// The concrete types below are the only variants.
type Event interface{ bridgeEvent() }

// ConnectedEvent fires when a channel is established.
type ConnectedEvent struct{}

// ErrorEvent carries connection and queue-drain failures.
type ErrorEvent struct{ Err error }

// MaxReconnectsEvent fires when reconnection attempts are exhausted.
type MaxReconnectsEvent struct{ Attempts int }

// ResponseEvent carries a decoded peer response.
type ResponseEvent struct{ Response Response }

func (ConnectedEvent) bridgeEvent()     {}
func (ErrorEvent) bridgeEvent()         {}
func (MaxReconnectsEvent) bridgeEvent() {}
func (ResponseEvent) bridgeEvent()      {}
