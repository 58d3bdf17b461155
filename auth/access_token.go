package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-session-gateway/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the RFC 9068 access
// token authenticator (scopes, algorithms, leeway, etc.).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences as well,
// typically a localhost endpoint during development.
func WithAdditionalAudiences(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, auds...)
	}
}

// WithAdvertisedScopes controls which scopes are published in protected
// resource metadata. See StaticScopes and FilterScopes.
func WithAdvertisedScopes(fn func(discovered []string) []string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.AdvertisedScopes = fn }
}

// StaticScopes advertises exactly the given scopes.
func StaticScopes(scopes ...string) func([]string) []string {
	fixed := append([]string{}, scopes...)
	return func([]string) []string { return append([]string{}, fixed...) }
}

// FilterScopes advertises the discovered scopes accepted by keep.
func FilterScopes(keep func(string) bool) func([]string) []string {
	return func(discovered []string) []string {
		out := []string{}
		for _, s := range discovered {
			if keep(s) {
				out = append(out, s)
			}
		}
		return out
	}
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens discovered via OpenID Connect discovery (jwks_uri, issuer, etc.).
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically the public MCP endpoint URL
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v, sec: buildSecurityConfig(cfg, v.Metadata())}, nil
}

func buildSecurityConfig(cfg *jwtauth.Config, meta jwtauth.Metadata) SecurityConfig {
	issuer := meta.Issuer
	if issuer == "" {
		issuer = cfg.Issuer
	}
	scopes := meta.ScopesSupported
	if cfg.AdvertisedScopes != nil {
		scopes = cfg.AdvertisedScopes(append([]string(nil), scopes...))
	}
	sec := SecurityConfig{
		Issuer:      issuer,
		Audiences:   append([]string(nil), cfg.ExpectedAudiences...),
		AllowedAlgs: append([]string(nil), cfg.AllowedAlgs...),
		JWKSURL:     meta.JWKSURL,
		Leeway:      cfg.Leeway,
		OIDC: &OIDCExtra{
			AuthorizationEndpoint: meta.AuthorizationEndpoint,
			TokenEndpoint:         meta.TokenEndpoint,
			RegistrationEndpoint:  meta.RegistrationEndpoint,
			ScopesSupported:       scopes,
		},
	}
	sec.Normalize()
	return sec
}

// verifier is satisfied by *jwtauth.Verifier.
type verifier interface {
	CheckAuthentication(ctx context.Context, tok string) (jwtauth.UserInfo, error)
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	a   verifier
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }
