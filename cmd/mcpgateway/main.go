// Command mcpgateway serves the demo MCP tool sets behind the session
// gateway and acts as an authenticated client for them.
package main

import "github.com/ggoodman/mcp-session-gateway/cmd/mcpgateway/cmd"

func main() {
	cmd.Execute()
}
