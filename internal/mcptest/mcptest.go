// Package mcptest holds helpers shared by tests that drive MCP servers
// through the go-sdk client.
package mcptest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Connect links an in-memory client to server and returns the client
// session. Both ends are closed when the test finishes.
func Connect(t testing.TB, server *mcp.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	st, ct := mcp.NewInMemoryTransports()

	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Close()
	})
	return cs
}

// Text returns the first text block of res.
func Text(t testing.TB, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("want content in tool result, got %+v", res)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("want text content, got %T", res.Content[0])
	}
	return tc.Text
}

// Call invokes name with args and returns the result, failing the test on a
// protocol error.
func Call(t testing.TB, cs *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return res
}

// DecodeText unmarshals the first text block of res into v.
func DecodeText(t testing.TB, res *mcp.CallToolResult, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(Text(t, res)), v); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
}

// InitializeBody is a minimal initialize request.
const InitializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw-client","version":"1.0"}}}`

// InitializedBody completes the handshake started by InitializeBody.
const InitializedBody = `{"jsonrpc":"2.0","method":"notifications/initialized"}`

// ToolCallBody builds a tools/call request with the given id.
func ToolCallBody(id int, name string, args map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	return string(b)
}

// RPCResponse is the subset of a JSON-RPC response tests inspect.
type RPCResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ReadRPC decodes the first JSON-RPC message in body, which may be a plain
// JSON document or a text/event-stream.
func ReadRPC(t testing.TB, contentType string, body []byte) RPCResponse {
	t.Helper()
	payload := body
	if strings.HasPrefix(contentType, "text/event-stream") {
		payload = nil
		for _, line := range strings.Split(string(body), "\n") {
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				payload = []byte(strings.TrimSpace(data))
				break
			}
		}
		if payload == nil {
			t.Fatalf("no data event in stream: %q", body)
		}
	}
	var out RPCResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode rpc response %q: %v", payload, err)
	}
	return out
}

// ToolText extracts the first text block from a tools/call result.
func ToolText(t testing.TB, resp RPCResponse) string {
	t.Helper()
	var res struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &res); err != nil || len(res.Content) == 0 {
		t.Fatalf("want tool content in %s (err %v)", resp.Result, err)
	}
	return res.Content[0].Text
}
