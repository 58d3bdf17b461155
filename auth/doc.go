// Package auth provides the bearer token primitives used by the gateway
// router. It focuses on JWT access token verification for MCP servers that
// delegate authorization to an external OAuth 2.0 / OIDC authorization
// server.
//
// The public surface stays small: an Authenticator validates an incoming
// bearer token string and returns a UserInfo (or an error). The router
// extracts the token from the request, maps the sentinel errors into
// WWW-Authenticate challenges and binds UserID to the session it creates.
//
// # Access Token Authentication
//
// NewFromDiscovery constructs an Authenticator that validates RFC 9068
// access tokens using OpenID Connect discovery to obtain the issuer's JWKS
// and metadata:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/mcp",
//	    auth.WithRequiredScopes("mcp:read"),
//	)
//
// SecurityConfig.NewManualJWTAuthenticator does the same against a fixed
// JWKS URL without discovery.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s). Both are joined with the underlying cause, so use
// errors.Is.
package auth
