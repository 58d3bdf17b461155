package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Gateway error codes live in the implementation-defined server error range
// (-32000 to -32099). Clients branch on these to tell admission failures from
// expiry and from credential problems.
const (
	// ErrorCodeInvalidSession reports a missing, unknown or foreign session id.
	ErrorCodeInvalidSession ErrorCode = -32000
	// ErrorCodeSessionExpired reports a session evicted for idleness.
	ErrorCodeSessionExpired ErrorCode = -32001
	// ErrorCodeUnauthorized reports a missing or rejected bearer credential.
	ErrorCodeUnauthorized ErrorCode = -32002
	// ErrorCodeServerBusy reports that no more sessions can be admitted.
	ErrorCodeServerBusy ErrorCode = -32003
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }
