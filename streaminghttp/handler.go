package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-gateway/auth"
	"github.com/ggoodman/mcp-session-gateway/internal/logctx"
	"github.com/ggoodman/mcp-session-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-session-gateway/metrics"
	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// DefaultMaxBodyBytes bounds POST bodies unless WithMaxBodyBytes says otherwise.
const DefaultMaxBodyBytes = 4 << 20

// Mode selects how the handler binds requests to sessions.
type Mode int

const (
	// ModeStateful admits sessions on initialize and routes by Mcp-Session-Id.
	ModeStateful Mode = iota
	// ModeStateless serves every POST with a throwaway channel.
	ModeStateless
)

func (m Mode) String() string {
	if m == ModeStateless {
		return "stateless"
	}
	return "stateful"
}

// ParseMode maps "stateful" or "stateless" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stateful":
		return ModeStateful, nil
	case "stateless":
		return ModeStateless, nil
	}
	return ModeStateful, fmt.Errorf("unknown mode %q", s)
}

// ServerFactory builds the MCP server behind one channel. It is called once
// per admitted session, or once per request in stateless mode.
type ServerFactory func(ctx context.Context) (*mcp.Server, error)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverName     string
	logger         *slog.Logger
	authenticator  auth.Authenticator
	securityConfig *auth.SecurityConfig
	realm          string

	mode          Mode
	idleTimeout   time.Duration
	maxSessions   int
	sweepInterval time.Duration
	serialize     bool
	maxBodyBytes  int64
	metrics       *metrics.Metrics
	eventStore    mcp.EventStore
	clock         func() time.Time
}

// WithServerName sets a human-readable server name surfaced in PRM.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the logger used by the handler and its session registry.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every MCP request. The
// authenticated principal owns the sessions it creates.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithSecurityConfig overrides the security metadata advertised at the
// well-known endpoints. Without it, metadata is inferred from an
// authenticator that implements auth.SecurityDescriptor.
func WithSecurityConfig(sc auth.SecurityConfig) Option {
	return func(c *newConfig) { cfgCopy := sc.Copy(); c.securityConfig = &cfgCopy }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional).
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithMode selects stateful (default) or stateless operation.
func WithMode(m Mode) Option {
	return func(c *newConfig) { c.mode = m }
}

// WithIdleTimeout sets the session idle threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.idleTimeout = d }
}

// WithMaxSessions bounds the number of live sessions. 0 means unbounded.
func WithMaxSessions(n int) Option {
	return func(c *newConfig) { c.maxSessions = n }
}

// WithSweepInterval enables background eviction of idle sessions. The
// default of 0 leaves expiry to request time.
func WithSweepInterval(d time.Duration) Option {
	return func(c *newConfig) { c.sweepInterval = d }
}

// WithSerializedDelivery makes concurrent POSTs to one session run one at a
// time. GET streams are never serialized.
func WithSerializedDelivery(on bool) Option {
	return func(c *newConfig) { c.serialize = on }
}

// WithMaxBodyBytes bounds the size of a POST body.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// WithMetrics records request and session metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithEventStore enables SSE stream resumption for stateful sessions.
func WithEventStore(s mcp.EventStore) Option {
	return func(c *newConfig) { c.eventStore = s }
}

// WithClock overrides the time source used for session expiry.
func WithClock(now func() time.Time) Option {
	return func(c *newConfig) { c.clock = now }
}

// Handler is the gateway's HTTP entry point. It admits, resumes and tears
// down sessions and hands each request to the channel of its session.
type Handler struct {
	mux     http.Handler
	log     *slog.Logger
	mcpURL  *url.URL
	factory ServerFactory

	registry   *sessions.Registry
	mode       Mode
	serialize  bool
	maxBody    int64
	eventStore mcp.EventStore

	auth                  auth.Authenticator
	realm                 string
	prmDocument           wellknown.ProtectedResourceMetadata
	prmDocumentURL        *url.URL
	authServerMetadata    wellknown.AuthServerMetadata
	authServerMetadataURL *url.URL

	closeOnce sync.Once
}

// New constructs a Handler serving the MCP endpoint at publicEndpoint, the
// externally visible URL (scheme, host and path). factory supplies a fresh
// MCP server for every channel the handler opens.
//
// Security metadata resolution order:
//  1. Explicit WithSecurityConfig option (highest precedence)
//  2. authenticator implements auth.SecurityDescriptor (inferred)
//
// When neither yields a config no well-known endpoints are mounted.
func New(publicEndpoint string, factory ServerFactory, opts ...Option) (*Handler, error) {
	if factory == nil {
		return nil, fmt.Errorf("server factory is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		idleTimeout:  sessions.DefaultIdleThreshold,
		maxSessions:  sessions.DefaultMaxSessions,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var resolved *auth.SecurityConfig
	if cfg.securityConfig != nil {
		cc := cfg.securityConfig.Copy()
		resolved = &cc
	}
	if resolved == nil && cfg.authenticator != nil {
		if sd, ok := cfg.authenticator.(auth.SecurityDescriptor); ok {
			cc := sd.SecurityConfig().Copy()
			resolved = &cc
		}
	}

	loggerWithContextHandler := slog.New(logctx.NewHandler(cfg.logger.Handler()))

	regOpts := []sessions.Option{
		sessions.WithIdleThreshold(cfg.idleTimeout),
		sessions.WithMaxSessions(cfg.maxSessions),
		sessions.WithLogger(loggerWithContextHandler),
	}
	if cfg.clock != nil {
		regOpts = append(regOpts, sessions.WithClock(cfg.clock))
	}
	if cfg.metrics != nil {
		regOpts = append(regOpts, sessions.WithMetricsSink(cfg.metrics))
	}

	h := &Handler{
		log:        loggerWithContextHandler,
		mcpURL:     mcpURL,
		factory:    factory,
		registry:   sessions.NewRegistry(regOpts...),
		mode:       cfg.mode,
		serialize:  cfg.serialize,
		maxBody:    cfg.maxBodyBytes,
		eventStore: cfg.eventStore,
		auth:       cfg.authenticator,
		realm:      cfg.realm,
	}

	mux := http.NewServeMux()
	mcpPath := pathOnly(mcpURL)
	mux.HandleFunc(fmt.Sprintf("POST %s", mcpPath), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", mcpPath), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", mcpPath), h.handleDeleteMCP)
	mux.HandleFunc(mcpPath, h.handleMethodNotAllowed)

	if resolved != nil {
		h.mountWellKnown(mux, *resolved, cfg.serverName)
	}

	if cfg.metrics != nil {
		h.mux = cfg.metrics.Middleware(mux)
	} else {
		h.mux = mux
	}

	if cfg.sweepInterval > 0 && cfg.mode == ModeStateful {
		h.registry.StartSweeper(context.Background(), cfg.sweepInterval)
	}
	return h, nil
}

func (h *Handler) mountWellKnown(mux *http.ServeMux, sc auth.SecurityConfig, serverName string) {
	mcpURL := h.mcpURL
	var authzEP, tokenEP, regEP string
	if sc.OIDC != nil {
		authzEP = sc.OIDC.AuthorizationEndpoint
		tokenEP = sc.OIDC.TokenEndpoint
		regEP = sc.OIDC.RegistrationEndpoint
	}
	scopes := sc.ScopesSupported()

	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource:               mcpURL.String(),
		AuthorizationServers:   []string{sc.Issuer},
		JwksURI:                sc.JWKSURL,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           serverName,
	}
	h.authServerMetadata = wellknown.AuthServerMetadata{
		Issuer:                            sc.Issuer,
		AuthorizationEndpoint:             authzEP,
		TokenEndpoint:                     tokenEP,
		RegistrationEndpoint:              regEP,
		JwksURI:                           sc.JWKSURL,
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}

	h.prmDocumentURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: fmt.Sprintf("/.well-known/oauth-protected-resource%s", mcpURL.Path)}
	h.authServerMetadataURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: "/.well-known/oauth-authorization-server"}

	prmPath := strings.TrimSuffix(pathOnly(h.prmDocumentURL), "/")
	// Serve both with and without the trailing slash to avoid ServeMux redirects.
	mux.HandleFunc(fmt.Sprintf("GET %s", prmPath), h.handleGetProtectedResourceMetadata)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", prmPath), handleWellKnownPreflight)
	mux.HandleFunc(fmt.Sprintf("GET %s/", prmPath), h.handleGetProtectedResourceMetadata)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s/", prmPath), handleWellKnownPreflight)

	asPath := pathOnly(h.authServerMetadataURL)
	mux.HandleFunc(fmt.Sprintf("GET %s", asPath), h.handleGetAuthorizationServerMetadata)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", asPath), handleWellKnownPreflight)
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// pathIfSet returns the string form of u if non-nil, else empty.
func pathIfSet(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// Mode reports the mode the handler was built with.
func (h *Handler) Mode() Mode { return h.mode }

// Sessions reports the number of live sessions.
func (h *Handler) Sessions() int { return h.registry.Len() }

// Close stops the sweeper and closes every live session.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.registry.Close()
		h.log.Info("handler.close")
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequest(r.Context(), logctx.Request{
		ID:         uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) allowedMethods() string {
	if h.mode == ModeStateless {
		return http.MethodPost
	}
	return "GET, POST, DELETE"
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.method.not_allowed")
	w.Header().Set("Allow", h.allowedMethods())
	writeRPCError(w, http.StatusMethodNotAllowed, errCodeInvalid, "Method not allowed")
}

func handleWellKnownPreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeWellKnown(w, h.prmDocument)
}

// handleGetAuthorizationServerMetadata serves a mirror of the upstream
// Authorization Server Metadata (RFC 8414). It does not imply this process
// acts as an authorization server.
func (h *Handler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeWellKnown(w, h.authServerMetadata)
}

func writeWellKnown(w http.ResponseWriter, doc any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode metadata: %v", err), http.StatusInternalServerError)
	}
}

var errNoDeliverer = errors.New("session channel cannot deliver")
