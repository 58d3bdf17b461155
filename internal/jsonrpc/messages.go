package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

const (
	// MethodInitialize is the request that opens an MCP session.
	MethodInitialize = "initialize"
	// MethodInitialized is the notification that completes the handshake.
	MethodInitialized = "notifications/initialized"
)

// ErrEmptyBody is returned by Peek when there is nothing to decode.
var ErrEmptyBody = errors.New("empty JSON-RPC body")

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. The id is always serialized so
// that error envelopes for unidentifiable requests carry "id": null.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// UnmarshalJSON enforces JSON-RPC 2.0 framing rules.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage AnyMessage

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must have either result or error field")
		}
	}

	*m = AnyMessage(raw)
	return nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// Envelope summarizes a decoded POST body: either a single message or a
// batch. The gateway only inspects it for routing; the bytes themselves are
// handed to the transport untouched.
type Envelope struct {
	Messages []AnyMessage
	Batch    bool
}

// Peek decodes body as a single JSON-RPC message or a batch of them.
func Peek(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}
	if trimmed[0] == '[' {
		var msgs []AnyMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			return nil, fmt.Errorf("empty JSON-RPC batch")
		}
		return &Envelope{Messages: msgs, Batch: true}, nil
	}
	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, err
	}
	return &Envelope{Messages: []AnyMessage{msg}}, nil
}

// HasMethod reports whether any message in the envelope is a request or
// notification for method.
func (e *Envelope) HasMethod(method string) bool {
	for i := range e.Messages {
		if e.Messages[i].Method == method {
			return true
		}
	}
	return false
}

// IsInitialize reports whether the envelope carries an initialize request.
func (e *Envelope) IsInitialize() bool {
	for i := range e.Messages {
		if e.Messages[i].Method == MethodInitialize && !e.Messages[i].ID.IsNil() {
			return true
		}
	}
	return false
}

// First returns the first message, used to label logs.
func (e *Envelope) First() *AnyMessage {
	if e == nil || len(e.Messages) == 0 {
		return nil
	}
	return &e.Messages[0]
}

// ProtocolVersion extracts params.protocolVersion from the initialize
// request, if present.
func (e *Envelope) ProtocolVersion() string {
	for i := range e.Messages {
		m := &e.Messages[i]
		if m.Method != MethodInitialize || len(m.Params) == 0 {
			continue
		}
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		if err := json.Unmarshal(m.Params, &p); err == nil {
			return p.ProtocolVersion
		}
	}
	return ""
}
