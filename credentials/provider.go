// Package credentials supplies bearer tokens to clients of an MCP server. A
// Provider holds one server's credential, performs the PKCE authorization
// code flow and refreshes expired tokens; Transport attaches the token to
// outgoing requests and reauthorizes once when the server rejects it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Config configures a Provider.
type Config struct {
	// ServerURL is the MCP endpoint the credential is for. It keys storage and
	// is sent as the RFC 8707 resource indicator.
	ServerURL string
	// OAuth2 carries the client id, the issuer endpoints, the redirect URL
	// and the requested scopes.
	OAuth2 *oauth2.Config
	Store  Store

	// ClientName is advertised in the client registration metadata.
	ClientName string
	// HTTPClient is used for token endpoint calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *slog.Logger
}

// ClientMetadata is the dynamic client registration document for a public
// PKCE client.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// AuthorizationRequest is the first leg of an authorization code flow.
type AuthorizationRequest struct {
	URL         string
	State       string
	RedirectURL string
}

// AuthorizationOption adjusts one authorization request.
type AuthorizationOption func(*authzOptions)

type authzOptions struct {
	redirectURL string
}

// WithRedirectURL overrides the configured redirect URL for one flow, e.g.
// once a loopback listener has picked its port.
func WithRedirectURL(u string) AuthorizationOption {
	return func(o *authzOptions) { o.redirectURL = u }
}

// Provider manages the credential for one server URL.
type Provider struct {
	serverURL  string
	oauth      oauth2.Config
	store      Store
	clientName string
	httpClient *http.Client
	now        func() time.Time
	log        *slog.Logger

	refreshMu sync.Mutex
}

// NewProvider validates cfg and returns a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("credentials: server URL is required")
	}
	if cfg.OAuth2 == nil || cfg.OAuth2.ClientID == "" {
		return nil, errors.New("credentials: oauth2 config with client id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("credentials: store is required")
	}
	p := &Provider{
		serverURL:  cfg.ServerURL,
		oauth:      *cfg.OAuth2,
		store:      cfg.Store,
		clientName: cfg.ClientName,
		httpClient: cfg.HTTPClient,
		now:        cfg.Clock,
		log:        cfg.Logger,
	}
	p.oauth.Scopes = append([]string(nil), cfg.OAuth2.Scopes...)
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// ServerURL returns the server the provider holds credentials for.
func (p *Provider) ServerURL() string { return p.serverURL }

// RedirectURL returns the configured redirect URL.
func (p *Provider) RedirectURL() string { return p.oauth.RedirectURL }

// ClientMetadata describes this client for dynamic registration.
func (p *Provider) ClientMetadata() ClientMetadata {
	md := ClientMetadata{
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              p.clientName,
	}
	if p.oauth.RedirectURL != "" {
		md.RedirectURIs = []string{p.oauth.RedirectURL}
	}
	for i, s := range p.oauth.Scopes {
		if i > 0 {
			md.Scope += " "
		}
		md.Scope += s
	}
	return md
}

// tokenContext makes oauth2 use the configured HTTP client.
func (p *Provider) tokenContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// CurrentToken returns a usable credential. An expired credential with a
// refresh token is refreshed and persisted first.
func (p *Provider) CurrentToken(ctx context.Context) (*Credential, error) {
	c, err := p.store.Load(ctx, p.serverURL)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if c == nil {
		return nil, ErrNoCredential
	}
	if !c.Expired(p.now()) {
		return c, nil
	}
	if c.RefreshToken == "" {
		return nil, ErrNoCredential
	}
	return p.refresh(ctx)
}

func (p *Provider) refresh(ctx context.Context) (*Credential, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	c, err := p.store.Load(ctx, p.serverURL)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if c == nil {
		return nil, ErrNoCredential
	}
	if !c.Expired(p.now()) {
		return c, nil
	}
	if c.RefreshToken == "" {
		return nil, ErrNoCredential
	}

	// An empty access token forces the token source to hit the token endpoint.
	tok, err := p.oauth.TokenSource(p.tokenContext(ctx), &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		p.log.InfoContext(ctx, "credentials.refresh.fail", slog.String("server", p.serverURL), slog.String("err", err.Error()))
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			// The grant is dead; drop it so callers reauthorize.
			_ = p.store.Delete(ctx, p.serverURL)
		}
		return nil, errors.Join(ErrNoCredential, err)
	}
	nc := FromToken(tok)
	if nc.RefreshToken == "" {
		nc.RefreshToken = c.RefreshToken
	}
	if nc.Scope == "" {
		nc.Scope = c.Scope
	}
	if err := p.Persist(ctx, nc); err != nil {
		return nil, err
	}
	p.log.DebugContext(ctx, "credentials.refresh.ok", slog.String("server", p.serverURL))
	return nc, nil
}

// Persist stores c, replacing any previous credential for the server.
func (p *Provider) Persist(ctx context.Context, c *Credential) error {
	if c == nil || c.AccessToken == "" {
		return errors.New("credentials: refusing to persist an empty credential")
	}
	if err := p.store.Save(ctx, p.serverURL, c); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Invalidate drops the stored tokens but keeps any pending verifier.
func (p *Provider) Invalidate(ctx context.Context) error {
	if err := p.store.Delete(ctx, p.serverURL); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Clear drops the stored tokens and any pending verifier.
func (p *Provider) Clear(ctx context.Context) error {
	return errors.Join(p.Invalidate(ctx), p.store.DeleteVerifier(ctx, p.serverURL))
}

// BuildAuthorizationRequest starts a PKCE flow: it stores a fresh verifier
// and state and returns the URL the user must visit.
func (p *Provider) BuildAuthorizationRequest(ctx context.Context, opts ...AuthorizationOption) (*AuthorizationRequest, error) {
	o := authzOptions{redirectURL: p.oauth.RedirectURL}
	for _, opt := range opts {
		opt(&o)
	}
	v := &Verifier{
		CodeVerifier: oauth2.GenerateVerifier(),
		State:        uuid.NewString(),
		RedirectURL:  o.redirectURL,
		CreatedAt:    p.now(),
	}
	if err := p.store.SaveVerifier(ctx, p.serverURL, v); err != nil {
		return nil, fmt.Errorf("save verifier: %w", err)
	}

	cfg := p.oauth
	cfg.RedirectURL = o.redirectURL
	authURL := cfg.AuthCodeURL(v.State,
		oauth2.S256ChallengeOption(v.CodeVerifier),
		oauth2.SetAuthURLParam("resource", p.serverURL),
	)
	return &AuthorizationRequest{URL: authURL, State: v.State, RedirectURL: o.redirectURL}, nil
}

// CompleteAuthorization finishes a flow from the redirect's query
// parameters: it checks state, exchanges the code with the stored verifier
// and persists the resulting credential.
func (p *Provider) CompleteAuthorization(ctx context.Context, params url.Values) (*Credential, error) {
	if code := params.Get("error"); code != "" {
		return nil, &AuthorizationError{Code: code, Description: params.Get("error_description")}
	}
	v, err := p.store.LoadVerifier(ctx, p.serverURL)
	if err != nil {
		return nil, fmt.Errorf("load verifier: %w", err)
	}
	if v == nil {
		return nil, ErrNoVerifier
	}
	if params.Get("state") != v.State {
		return nil, ErrStateMismatch
	}
	code := params.Get("code")
	if code == "" {
		return nil, errors.New("credentials: redirect carried no authorization code")
	}

	cfg := p.oauth
	cfg.RedirectURL = v.RedirectURL
	tok, err := cfg.Exchange(p.tokenContext(ctx), code,
		oauth2.VerifierOption(v.CodeVerifier),
		oauth2.SetAuthURLParam("resource", p.serverURL),
	)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	c := FromToken(tok)
	if err := p.Persist(ctx, c); err != nil {
		return nil, err
	}
	if err := p.store.DeleteVerifier(ctx, p.serverURL); err != nil {
		p.log.WarnContext(ctx, "credentials.verifier.delete.fail", slog.String("err", err.Error()))
	}
	p.log.InfoContext(ctx, "credentials.authorize.ok", slog.String("server", p.serverURL))
	return c, nil
}
