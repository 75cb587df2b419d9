package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all duplex messages, both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeOutput   = "output"
	TypeHistory  = "history"
	TypeExit     = "exit"
	TypeError    = "error"
	TypePing     = "ping"
	TypeActivity = "activity"
)

// Client → Server message types.
const (
	TypeInput  = "input"
	TypeResize = "resize"
	TypePong   = "pong"
)

// Error codes.
const (
	ErrNotFound       = "SESSION_NOT_FOUND"
	ErrAlreadyExists  = "SESSION_ALREADY_EXISTS"
	ErrNotRunning     = "SESSION_NOT_RUNNING"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrMuxFailure     = "MULTIPLEXER_FAILURE"
)

// Server → Client payloads.

// DataPayload carries output and history chunks. History is the full
// buffer replay a client receives once, before any live output.
// Offset is the absolute buffer cursor after this chunk; it matches
// the polling endpoint's offset parameter.
type DataPayload struct {
	Data   string `json:"data"`
	Offset int64  `json:"offset"`
}

type ExitPayload struct {
	Code int `json:"code"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type ActivityPayload struct {
	State      string          `json:"state"`
	TaskStatus json.RawMessage `json:"taskStatus,omitempty"`
}

// Client → Server payloads.

type InputPayload struct {
	Data string `json:"data"`
}

type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}
