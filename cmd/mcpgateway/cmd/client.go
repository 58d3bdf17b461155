package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/ggoodman/mcp-session-gateway/credentials"
	"github.com/ggoodman/mcp-session-gateway/credentials/redisstore"
	"github.com/ggoodman/mcp-session-gateway/credentials/sqlitestore"
	"github.com/ggoodman/mcp-session-gateway/internal/config"
)

const clientName = "mcpgateway CLI"

// clientFlags are shared by the client subcommands.
type clientFlags struct {
	server   string
	clientID string
	scopes   []string
	redirect string
	db       string
}

func (cf *clientFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cf.server, "server", "", "MCP server URL (MCP_SERVER_URL)")
	f.StringVar(&cf.clientID, "client-id", "", "OAuth client id (OAUTH_CLIENT_ID)")
	f.StringSliceVar(&cf.scopes, "scope", nil, "OAuth scopes to request (OAUTH_SCOPES)")
	f.StringVar(&cf.redirect, "redirect", "", "loopback redirect URL (OAUTH_REDIRECT_URL)")
	f.StringVar(&cf.db, "db", "", "SQLite credential database (MCP_CREDENTIALS_DB)")
}

// load reads the client configuration and applies changed flags.
func (cf *clientFlags) load(cmd *cobra.Command) (config.Client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("server") {
		cfg.ServerURL = cf.server
	}
	if f.Changed("client-id") {
		cfg.ClientID = cf.clientID
	}
	if f.Changed("scope") {
		cfg.Scopes = cf.scopes
	}
	if f.Changed("redirect") {
		cfg.RedirectURL = cf.redirect
	}
	if f.Changed("db") {
		cfg.CredentialsDB = cf.db
	}
	return cfg, cfg.Validate()
}

// closableStore is a credential store that owns a connection.
type closableStore interface {
	credentials.Store
	io.Closer
}

func openStore(cfg config.Client) (closableStore, error) {
	if cfg.RedisAddr != "" {
		return redisstore.New(redisstore.Config{Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})})
	}
	return sqlitestore.Open(cfg.CredentialsDB)
}

var errNoClientID = errors.New("an OAuth client id is required (set OAUTH_CLIENT_ID or --client-id)")

// newProvider builds the credential provider for cfg, discovering the
// authorization server when its endpoints are not configured.
func newProvider(ctx context.Context, cfg config.Client, store credentials.Store, log *slog.Logger) (*credentials.Provider, error) {
	if cfg.ClientID == "" {
		return nil, errNoClientID
	}
	oc := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL,
		Scopes:      cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizationEndpoint,
			TokenURL:  cfg.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if cfg.AuthorizationEndpoint == "" {
		d, err := credentials.Discover(ctx, cfg.ServerURL, http.DefaultClient)
		if err != nil {
			return nil, err
		}
		oc.Endpoint = d.Endpoint()
		if len(oc.Scopes) == 0 {
			oc.Scopes = d.Resource.ScopesSupported
		}
		log.DebugContext(ctx, "client.discover.ok", slog.String("issuer", d.AuthServer.Issuer))
	}
	return credentials.NewProvider(credentials.Config{
		ServerURL:  cfg.ServerURL,
		OAuth2:     oc,
		Store:      store,
		ClientName: clientName,
		Logger:     log,
	})
}

// promptFlow is the interactive loopback authorizer.
func promptFlow(out io.Writer, log *slog.Logger) *credentials.LoopbackFlow {
	cyan := color.New(color.FgCyan)
	return &credentials.LoopbackFlow{
		Open: func(authURL string) error {
			cyan.Fprintln(out, "Open this URL in a browser to authorize:")
			fmt.Fprintf(out, "  %s\n", authURL)
			return nil
		},
		Logger: log,
	}
}
