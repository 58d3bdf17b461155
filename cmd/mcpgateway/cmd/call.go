package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-session-gateway/credentials"
)

func newCallCmd() *cobra.Command {
	var (
		cf      clientFlags
		list    bool
		noLogin bool
	)
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call a tool, or list tools with --list",
		Long: `Connect to the server, call one tool and print its text result.

When OAUTH_CLIENT_ID is set, stored tokens are attached and refreshed as
needed. A 401 from the server starts the login flow once, unless
--no-login is given.

Examples:
  mcpgateway call --list
  mcpgateway call list_items_by_category '{"category":"Mains"}'`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(1, 2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cf.load(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			httpClient := http.DefaultClient
			if cfg.ClientID != "" {
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				p, err := newProvider(ctx, cfg, store, log)
				if err != nil {
					return err
				}
				tr := &credentials.Transport{Provider: p}
				if !noLogin {
					tr.Authorizer = promptFlow(cmd.ErrOrStderr(), log)
				}
				httpClient = &http.Client{Transport: tr}
			}

			client := mcp.NewClient(&mcp.Implementation{Name: "mcpgateway-cli", Version: Version}, nil)
			cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: cfg.ServerURL, HTTPClient: httpClient}, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", cfg.ServerURL, err)
			}
			defer cs.Close()

			if list {
				res, err := cs.ListTools(ctx, nil)
				if err != nil {
					return err
				}
				bold := color.New(color.Bold)
				for _, t := range res.Tools {
					bold.Fprint(out, t.Name)
					fmt.Fprintf(out, "  %s\n", t.Description)
				}
				return nil
			}

			arguments := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}
			res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: args[0], Arguments: arguments})
			if err != nil {
				return err
			}
			for _, c := range res.Content {
				if tc, ok := c.(*mcp.TextContent); ok {
					fmt.Fprintln(out, tc.Text)
				}
			}
			if res.IsError {
				return errors.New("tool reported an error")
			}
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&list, "list", false, "list the server's tools")
	cmd.Flags().BoolVar(&noLogin, "no-login", false, "fail instead of starting the login flow on 401")
	return cmd
}

func newClientMetadataCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "client-metadata",
		Short: "Print the dynamic client registration document",
		Long: `Print the RFC 7591 client metadata for registering this CLI as a public
PKCE client with an authorization server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cf.load(cmd)
			if err != nil {
				return err
			}
			if cfg.ClientID == "" {
				// Registration happens before a client id exists.
				cfg.ClientID = "unregistered"
			}
			if cfg.AuthorizationEndpoint == "" {
				cfg.AuthorizationEndpoint, cfg.TokenEndpoint = "unused", "unused"
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			p, err := newProvider(cmd.Context(), cfg, credentials.NewMemoryStore(), log)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p.ClientMetadata())
		},
	}
	cf.register(cmd)
	return cmd
}
