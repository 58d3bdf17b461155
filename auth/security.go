package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-session-gateway/internal/jwtauth"
)

// SecurityConfig describes how this resource validates and advertises bearer
// token authentication. The gateway serves it as RFC 9728 protected resource
// metadata so clients can discover where to obtain tokens.
//
// A zero value is invalid; populate required fields then call Validate.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string   // optional override / filled by discovery

	Leeway time.Duration // clock skew tolerance (default 60s)

	OIDC *OIDCExtra // optional extended metadata for advertisement only
}

// OIDCExtra carries optional authorization server metadata surfaced for client
// bootstrapping. None of these fields are used for token validation.
type OIDCExtra struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	ScopesSupported       []string
}

// Normalize fills defaults.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required invariants are not met.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	if c.OIDC != nil {
		ox := *c.OIDC
		ox.ScopesSupported = append([]string(nil), c.OIDC.ScopesSupported...)
		dup.OIDC = &ox
	}
	return dup
}

// ScopesSupported returns the advertised scopes, if any.
func (c SecurityConfig) ScopesSupported() []string {
	if c.OIDC == nil {
		return nil
	}
	return append([]string(nil), c.OIDC.ScopesSupported...)
}

// NewManualJWTAuthenticator constructs a JWT access token authenticator using
// this security configuration without performing OIDC discovery. It expects:
//   - c.Issuer (non-empty)
//   - at least one audience in c.Audiences
//   - c.JWKSURL (non-empty)
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = cc.Issuer
	cfg.ExpectedAudiences = append([]string(nil), cc.Audiences...)
	cfg.AllowedAlgs = append([]string(nil), cc.AllowedAlgs...)
	cfg.Leeway = cc.Leeway
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewStatic(ctx, cfg, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v, sec: cc}, nil
}

// SecurityDescriptor exposes security configuration for transports to advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation + descriptor. Returned by constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
