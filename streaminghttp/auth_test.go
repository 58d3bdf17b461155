package streaminghttp

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-session-gateway/auth"
	"github.com/ggoodman/mcp-session-gateway/internal/mcptest"
)

func testAuthenticator() auth.Authenticator {
	return auth.AuthenticatorFunc(func(ctx context.Context, tok string) (auth.UserInfo, error) {
		switch tok {
		case "alice-token":
			return auth.NewUserInfo("alice", nil), nil
		case "bob-token":
			return auth.NewUserInfo("bob", nil), nil
		case "narrow-token":
			return nil, auth.ErrInsufficientScope
		}
		return nil, auth.ErrUnauthorized
	})
}

func testSecurityConfig() auth.SecurityConfig {
	return auth.SecurityConfig{
		Issuer:    "https://issuer.example",
		Audiences: []string{testEndpoint},
		JWKSURL:   "https://issuer.example/jwks.json",
		OIDC: &auth.OIDCExtra{
			AuthorizationEndpoint: "https://issuer.example/authorize",
			TokenEndpoint:         "https://issuer.example/token",
			ScopesSupported:       []string{"menu:read", "orders:write"},
		},
	}
}

func TestBuildBearerChallenge(t *testing.T) {
	cases := []struct {
		name   string
		realm  string
		prm    string
		params map[string]string
		want   string
	}{
		{name: "bare", want: "Bearer"},
		{name: "realm only", realm: "mcp", want: `Bearer realm="mcp"`},
		{
			name: "ordered params",
			prm:  "https://x/.well-known/oauth-protected-resource/mcp",
			params: map[string]string{
				"scope":             "a b",
				"error_description": `bad "token"`,
				"error":             "invalid_token",
			},
			want: `Bearer resource_metadata="https://x/.well-known/oauth-protected-resource/mcp", error="invalid_token", error_description="bad \"token\"", scope="a b"`,
		},
		{
			name:   "extra params sorted",
			params: map[string]string{"zeta": "1", "alpha": "2"},
			want:   `Bearer alpha="2", zeta="1"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := buildBearerChallenge(tc.realm, tc.prm, tc.params); got != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
		})
	}
}

func TestAuthenticationChallenges(t *testing.T) {
	g := newGateway(t, WithAuthenticator(testAuthenticator()), WithSecurityConfig(testSecurityConfig()), WithRealm("mcp"))
	prm := `resource_metadata="http://gateway.test/.well-known/oauth-protected-resource/mcp"`

	cases := []struct {
		name      string
		header    string
		status    int
		challenge string
	}{
		{name: "missing", status: http.StatusUnauthorized, challenge: `Bearer realm="mcp", ` + prm},
		{name: "malformed", header: "Token abc", status: http.StatusBadRequest, challenge: `error="invalid_request"`},
		{name: "empty", header: "Bearer    ", status: http.StatusBadRequest, challenge: `error="invalid_request"`},
		{name: "invalid", header: "Bearer nope", status: http.StatusUnauthorized, challenge: `error="invalid_token"`},
		{name: "scope", header: "Bearer narrow-token", status: http.StatusForbidden, challenge: `error="insufficient_scope"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hdr map[string]string
			if tc.header != "" {
				hdr = map[string]string{authorizationHeader: tc.header}
			}
			r := do(t, http.MethodPost, g.url, mcptest.InitializeBody, hdr)
			r.wantError(t, tc.status, -32002)
			got := r.header.Get(wwwAuthenticateHeader)
			if !strings.Contains(got, tc.challenge) {
				t.Fatalf("want challenge containing %s got %s", tc.challenge, got)
			}
		})
	}
	if g.h.Sessions() != 0 || g.factories.Load() != 0 {
		t.Fatalf("want no sessions from rejected requests")
	}
}

func TestSessionBoundToPrincipal(t *testing.T) {
	g := newGateway(t, WithAuthenticator(testAuthenticator()))
	alice := map[string]string{authorizationHeader: "Bearer alice-token"}
	sid := g.handshake(t, alice)

	sess, err := g.h.registry.Lookup(sid)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sess.UserID() != "alice" {
		t.Fatalf("want owner alice got %q", sess.UserID())
	}

	call := mcptest.ToolCallBody(2, "echo", map[string]any{"message": "mine"})
	bob := sessionHeaders(sid)
	bob[authorizationHeader] = "Bearer bob-token"
	do(t, http.MethodPost, g.url, call, bob).wantError(t, http.StatusBadRequest, -32000)
	if r := do(t, http.MethodDelete, g.url, "", bob); r.status != http.StatusBadRequest {
		t.Fatalf("want foreign DELETE rejected got %d", r.status)
	}

	own := sessionHeaders(sid)
	own[authorizationHeader] = "Bearer alice-token"
	r := do(t, http.MethodPost, g.url, call, own)
	if r.status != http.StatusOK {
		t.Fatalf("want owner call 200 got %d: %s", r.status, r.body)
	}
	if got := mcptest.ToolText(t, r.rpc(t)); got != "Echo: mine" {
		t.Fatalf("want Echo: mine got %q", got)
	}
	if g.toolCalls.Load() != 1 {
		t.Fatalf("want only the owner's call dispatched got %d", g.toolCalls.Load())
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	g := newGateway(t, WithAuthenticator(testAuthenticator()), WithSecurityConfig(testSecurityConfig()), WithServerName("Gourmet"))

	for _, path := range []string{"/.well-known/oauth-protected-resource/mcp", "/.well-known/oauth-protected-resource/mcp/"} {
		r := do(t, http.MethodGet, g.srv.URL+path, "", nil)
		if r.status != http.StatusOK {
			t.Fatalf("GET %s: want 200 got %d", path, r.status)
		}
		if got := r.header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("want CORS origin * got %q", got)
		}
		var doc struct {
			Resource             string   `json:"resource"`
			AuthorizationServers []string `json:"authorization_servers"`
			ScopesSupported      []string `json:"scopes_supported"`
			ResourceName         string   `json:"resource_name"`
		}
		decodeJSON(t, r.body, &doc)
		if doc.Resource != testEndpoint {
			t.Fatalf("want resource %s got %s", testEndpoint, doc.Resource)
		}
		if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://issuer.example" {
			t.Fatalf("want issuer advertised got %v", doc.AuthorizationServers)
		}
		if len(doc.ScopesSupported) != 2 || doc.ResourceName != "Gourmet" {
			t.Fatalf("want scopes and name advertised got %+v", doc)
		}
	}

	r := do(t, http.MethodOptions, g.srv.URL+"/.well-known/oauth-protected-resource/mcp", "", nil)
	if r.status != http.StatusNoContent {
		t.Fatalf("preflight: want 204 got %d", r.status)
	}
	if got := r.header.Get("Access-Control-Allow-Methods"); got != "GET, OPTIONS" {
		t.Fatalf("want preflight methods got %q", got)
	}
	if got := r.header.Get("Access-Control-Max-Age"); got != "600" {
		t.Fatalf("want preflight max age 600 got %q", got)
	}
}

func TestAuthorizationServerMetadataMirror(t *testing.T) {
	g := newGateway(t, WithSecurityConfig(testSecurityConfig()))

	r := do(t, http.MethodGet, g.srv.URL+"/.well-known/oauth-authorization-server", "", nil)
	if r.status != http.StatusOK {
		t.Fatalf("want 200 got %d", r.status)
	}
	var doc struct {
		Issuer                string   `json:"issuer"`
		AuthorizationEndpoint string   `json:"authorization_endpoint"`
		TokenEndpoint         string   `json:"token_endpoint"`
		CodeChallengeMethods  []string `json:"code_challenge_methods_supported"`
	}
	decodeJSON(t, r.body, &doc)
	if doc.Issuer != "https://issuer.example" || doc.TokenEndpoint != "https://issuer.example/token" {
		t.Fatalf("want mirrored issuer metadata got %+v", doc)
	}
	if len(doc.CodeChallengeMethods) != 1 || doc.CodeChallengeMethods[0] != "S256" {
		t.Fatalf("want S256 advertised got %v", doc.CodeChallengeMethods)
	}

	// Without security metadata the well-known paths are not mounted.
	plain := newGateway(t)
	if r := do(t, http.MethodGet, plain.srv.URL+"/.well-known/oauth-authorization-server", "", nil); r.status != http.StatusNotFound {
		t.Fatalf("want 404 without security config got %d", r.status)
	}
}
