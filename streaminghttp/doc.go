// Package streaminghttp is the gateway's HTTP front door for the MCP
// streamable HTTP transport. It mounts as a standard net/http handler.
//
// Responsibilities
//   - Session admission on initialize, bounded by WithMaxSessions
//   - Routing by the Mcp-Session-Id header to the session's channel
//   - Lazy idle expiry, with an optional background sweeper
//   - Teardown on DELETE, channel close or client disconnect
//   - Optional bearer authentication and OAuth discovery documents
//
// Construction
//
//	tools, _ := mcpservice.NewTools(myTools)
//	h, err := streaminghttp.New(
//	    "https://api.example/mcp",
//	    func(ctx context.Context) (*mcp.Server, error) {
//	        return tools.Server(&mcp.Implementation{Name: "api", Version: "1.0.0"}), nil
//	    },
//	    streaminghttp.WithIdleTimeout(10*time.Minute),
//	)
//	defer h.Close()
//
// # Session routing
//
// A POST without a session header must carry an initialize request; the
// handler then opens a fresh channel, registers it and lets the channel
// answer with the new id. Any other POST, and every GET and DELETE, names
// its session in the header. Unknown ids are answered with 400 and code
// -32000; ids that went idle past the threshold get 401 and code -32001 and
// are torn down. A session created by one principal is invisible to others.
//
// In stateless mode every POST is served by a throwaway channel, seeded so
// tool calls work without a handshake, and GET/DELETE are not offered.
//
// # Error Handling
//
// Gateway-level rejections carry a JSON-RPC error envelope with a null id.
// Errors raised by tools travel inside the MCP response written by the
// channel. Authentication failures also set a WWW-Authenticate challenge.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/", h)
//	http.ListenAndServe(":3000", mux)
package streaminghttp
