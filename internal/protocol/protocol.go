// Package protocol defines the Starlight wire format: a JSON-RPC 2.0
// envelope and the per-method params/result structs exchanged between the
// Hub and its participants (Intent and Sentinels) over WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Namespace is the fixed method-name prefix every frame must carry.
const Namespace = "starlight"

// Methods sent by participants to the Hub.
const (
	MethodRegistration   = "starlight.registration"
	MethodPulse          = "starlight.pulse"
	MethodContextUpdate  = "starlight.context_update"
	MethodIntent         = "starlight.intent"
	MethodHijack         = "starlight.hijack"
	MethodResume         = "starlight.resume"
	MethodClear          = "starlight.clear"
	MethodWait           = "starlight.wait"
	MethodAction         = "starlight.action"
	MethodFinish         = "starlight.finish"
)

// Methods sent by the Hub to participants.
const (
	MethodPreCheck       = "starlight.pre_check"
	MethodEntropyStream  = "starlight.entropy_stream"
	MethodSovereignUpdate = "starlight.sovereign_update"
	MethodCommandComplete = "starlight.command_complete"
)

// Message is the JSON-RPC 2.0 envelope used by every frame on the wire.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewMessage builds a request-shaped message for the given method.
func NewMessage(method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResponse builds a response to id using the given result payload.
func NewResponse(id string, result any) (*Message, error) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		raw = data
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// ParseParams decodes the message's params into v.
func (m *Message) ParseParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// IsValidRequest reports whether m is a well-formed Starlight request: a
// JSON-RPC 2.0 request whose method carries the fixed namespace prefix and
// whose params decode to a JSON object (or are absent).
func (m *Message) IsValidRequest() bool {
	if m.JSONRPC != "2.0" || m.Method == "" {
		return false
	}
	if len(m.Method) <= len(Namespace)+1 || m.Method[:len(Namespace)+1] != Namespace+"." {
		return false
	}
	if len(m.Params) == 0 {
		return true
	}
	trimmed := m.Params
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// ParseMessage deserializes a raw frame into a Message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}

// Marshal serializes the message to JSON bytes.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
