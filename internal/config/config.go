// Package config loads gateway and client settings from the environment.
// Command line flags override the decoded values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Toolsets the gateway can serve.
const (
	ToolsetGourmet = "gourmet"
	ToolsetPetvet  = "petvet"
)

// Server configures `mcpgateway serve`.
type Server struct {
	// Addr to listen on. ENV: MCP_ADDR
	Addr string `env:"MCP_ADDR,default=:3000"`
	// PublicEndpoint is the externally visible MCP URL; its path is the
	// route. ENV: MCP_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT,default=http://localhost:3000/mcp"`
	// Mode is stateful or stateless. ENV: MCP_MODE
	Mode              string        `env:"MCP_MODE,default=stateful"`
	IdleTimeout       time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=30m"`
	MaxSessions       int           `env:"MCP_MAX_SESSIONS,default=1000"`
	SerializeDelivery bool          `env:"MCP_SERIALIZE_DELIVERY,default=false"`
	// SweepInterval of 0 disables the background sweeper.
	SweepInterval time.Duration `env:"MCP_SWEEP_INTERVAL,default=0s"`

	Toolset string `env:"MCP_TOOLSET,default=gourmet"`
	// MenuPath is an optional JSON or YAML menu, watched for changes.
	MenuPath string `env:"MCP_MENU_PATH"`

	// Issuer and Audience enable bearer auth via OIDC discovery. With
	// JWKSURL set the issuer's keys are fetched directly instead.
	Issuer   string `env:"OIDC_ISSUER"`
	Audience string `env:"OIDC_AUDIENCE"`
	JWKSURL  string `env:"OIDC_JWKS_URL"`

	Metrics  bool   `env:"MCP_METRICS,default=true"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Client configures `mcpgateway login` and `mcpgateway call`.
type Client struct {
	ServerURL string `env:"MCP_SERVER_URL,default=http://localhost:3000/mcp"`

	// ClientID is the registered public client. ENV: OAUTH_CLIENT_ID
	ClientID string `env:"OAUTH_CLIENT_ID"`
	// Endpoints left empty are discovered from the server's protected
	// resource metadata.
	AuthorizationEndpoint string   `env:"OAUTH_AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string   `env:"OAUTH_TOKEN_ENDPOINT"`
	RedirectURL           string   `env:"OAUTH_REDIRECT_URL,default=http://127.0.0.1:8976/callback"`
	Scopes                []string `env:"OAUTH_SCOPES"`

	// CredentialsDB is the SQLite file holding tokens. Defaults to a file
	// under the user config directory.
	CredentialsDB string `env:"MCP_CREDENTIALS_DB"`
	// RedisAddr, when set, stores tokens in Redis instead.
	RedisAddr string `env:"MCP_CREDENTIALS_REDIS_ADDR"`

	LogLevel string `env:"LOG_LEVEL,default=warn"`
}

// LoadServer decodes Server from the environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClient decodes Client from the environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := decode(&cfg); err != nil {
		return cfg, err
	}
	if cfg.CredentialsDB == "" {
		cfg.CredentialsDB = DefaultCredentialsDB()
	}
	return cfg, nil
}

func decode(v any) error {
	if err := envdecode.Decode(v); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DefaultCredentialsDB is the credential database used when none is set.
func DefaultCredentialsDB() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "mcpgateway", "credentials.db")
}

// Validate reports the first inconsistent setting.
func (c Server) Validate() error {
	u, err := url.Parse(c.PublicEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: MCP_PUBLIC_ENDPOINT must be an absolute URL, got %q", c.PublicEndpoint)
	}
	switch strings.ToLower(c.Mode) {
	case "stateful", "stateless":
	default:
		return fmt.Errorf("config: MCP_MODE must be stateful or stateless, got %q", c.Mode)
	}
	switch c.Toolset {
	case ToolsetGourmet, ToolsetPetvet:
	default:
		return fmt.Errorf("config: MCP_TOOLSET must be %s or %s, got %q", ToolsetGourmet, ToolsetPetvet, c.Toolset)
	}
	if c.IdleTimeout <= 0 {
		return errors.New("config: MCP_SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.MaxSessions < 0 {
		return errors.New("config: MCP_MAX_SESSIONS must not be negative")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: MCP_SWEEP_INTERVAL must not be negative")
	}
	if (c.Issuer == "") != (c.Audience == "") {
		return errors.New("config: OIDC_ISSUER and OIDC_AUDIENCE must be set together")
	}
	if c.JWKSURL != "" && c.Issuer == "" {
		return errors.New("config: OIDC_JWKS_URL requires OIDC_ISSUER and OIDC_AUDIENCE")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// AuthEnabled reports whether bearer auth is configured.
func (c Server) AuthEnabled() bool { return c.Issuer != "" }

// Validate reports the first inconsistent setting.
func (c Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: MCP_SERVER_URL must be an absolute URL, got %q", c.ServerURL)
	}
	if (c.AuthorizationEndpoint == "") != (c.TokenEndpoint == "") {
		return errors.New("config: OAUTH_AUTHORIZATION_ENDPOINT and OAUTH_TOKEN_ENDPOINT must be set together")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return l, nil
}
