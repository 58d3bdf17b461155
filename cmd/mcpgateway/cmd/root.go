// Package cmd provides the CLI commands for mcpgateway.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-session-gateway/internal/config"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpgateway",
		Short: "mcpgateway - session-multiplexed MCP gateway",
		Long: `mcpgateway serves MCP tool sets over streamable HTTP with managed
sessions, idle expiry and optional bearer authentication.

It also acts as a client: login runs the OAuth authorization code flow
with PKCE against the server's authorization server and stores the
resulting tokens; call invokes a tool with those tokens.

Configuration is read from the environment (MCP_*, OIDC_*, OAUTH_*,
LOG_LEVEL). Flags override the environment.

Commands:
  serve            Run the gateway
  login            Authorize this client against a server
  logout           Forget stored tokens for a server
  call             Call a tool, or list tools with --list
  client-metadata  Print the dynamic client registration document
  version          Print version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newCallCmd(),
		newClientMetadataCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
