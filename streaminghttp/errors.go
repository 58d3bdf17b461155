package streaminghttp

import (
	"encoding/json"
	"net/http"

	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
)

const (
	errCodeParse        = jsonrpc.ErrorCodeParseError
	errCodeInvalid      = jsonrpc.ErrorCodeInvalidRequest
	errCodeBadSession   = jsonrpc.ErrorCodeInvalidSession
	errCodeExpired      = jsonrpc.ErrorCodeSessionExpired
	errCodeUnauthorized = jsonrpc.ErrorCodeUnauthorized
	errCodeBusy         = jsonrpc.ErrorCodeServerBusy
	errCodeInternal     = jsonrpc.ErrorCodeInternalError
)

const (
	msgNoValidSession = "Bad Request: No valid session ID provided"
	msgSessionExpired = "Session expired"
	msgUnauthorized   = "Unauthorized"
	msgInternal       = "Internal server error"
	msgParseError     = "Parse error"
	msgServerBusy     = "Server busy: session capacity reached"
)

// writeRPCError rejects a request with a JSON-RPC error envelope. The id is
// always null: the gateway answers before any message reaches a session.
// Safe to call after some headers are set but before the status is written.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}
