// Package mcpservice is the tool dispatch surface behind the gateway.
//
// A Tools registry holds tool descriptors and handlers. Tools.Server builds a
// fresh go-sdk server with every tool installed; the gateway calls it once
// per session (or once per request in stateless mode), so no per-session
// state leaks between callers through the server itself.
//
// NewTool reflects the input schema from a typed arguments struct:
//
//	type EchoArgs struct {
//	    Message string `json:"message"`
//	}
//	tools, _ := mcpservice.NewTools([]mcpservice.Tool{
//	    mcpservice.NewTool("echo", func(ctx context.Context, a EchoArgs) (any, error) {
//	        return "Echo: " + a.Message, nil
//	    }, mcpservice.WithToolDescription("Echo a message back to the caller")),
//	})
//	srv := tools.Server(&mcp.Implementation{Name: "example", Version: "1.0.0"})
//
// Handler errors surface as JSON-RPC internal errors and never affect the
// session; malformed arguments become isError tool results.
package mcpservice
