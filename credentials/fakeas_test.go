package credentials_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-session-gateway/credentials"
	"golang.org/x/oauth2"
)

const testServerURL = "https://gourmet.example/mcp"

// fakeAS is a minimal authorization server: /authorize redirects straight
// back with a code, /token handles the code and refresh grants.
type fakeAS struct {
	srv *httptest.Server

	mu         sync.Mutex
	challenges map[string]string // code -> S256 challenge
	resources  []string

	issued    atomic.Int32
	exchanges atomic.Int32
	refreshes atomic.Int32
}

func newFakeAS(t *testing.T) *fakeAS {
	t.Helper()
	as := &fakeAS{challenges: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", as.handleAuthorize)
	mux.HandleFunc("POST /token", as.handleToken)
	as.srv = httptest.NewServer(mux)
	t.Cleanup(as.srv.Close)
	return as
}

func (as *fakeAS) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("response_type") != "code" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	code := fmt.Sprintf("code-%d", as.issued.Add(1))
	as.mu.Lock()
	as.challenges[code] = q.Get("code_challenge")
	as.mu.Unlock()

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect", http.StatusBadRequest)
		return
	}
	rq := redirect.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (as *fakeAS) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	as.mu.Lock()
	as.resources = append(as.resources, r.PostForm.Get("resource"))
	as.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		as.mu.Lock()
		challenge, ok := as.challenges[code]
		delete(as.challenges, code)
		as.mu.Unlock()
		if !ok || oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
			tokenError(w, "invalid_grant")
			return
		}
		n := as.exchanges.Add(1)
		writeToken(w, fmt.Sprintf("access-%d", n), fmt.Sprintf("refresh-%d", n))
	case "refresh_token":
		if !strings.HasPrefix(r.PostForm.Get("refresh_token"), "refresh-") {
			tokenError(w, "invalid_grant")
			return
		}
		n := as.refreshes.Add(1)
		// Refresh responses omit the refresh token; the client keeps its own.
		writeToken(w, fmt.Sprintf("refreshed-%d", n), "")
	default:
		tokenError(w, "unsupported_grant_type")
	}
}

func (as *fakeAS) lastResource() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.resources) == 0 {
		return ""
	}
	return as.resources[len(as.resources)-1]
}

func (as *fakeAS) oauthConfig(redirect string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: "gourmet-cli",
		Endpoint: oauth2.Endpoint{
			AuthURL:   as.srv.URL + "/authorize",
			TokenURL:  as.srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirect,
		Scopes:      []string{"menu:read", "orders:write"},
	}
}

func writeToken(w http.ResponseWriter, access, refresh string) {
	body := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "menu:read orders:write",
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func tokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func newTestProvider(t *testing.T, as *fakeAS, store credentials.Store, redirect string) *credentials.Provider {
	t.Helper()
	p, err := credentials.NewProvider(credentials.Config{
		ServerURL:  testServerURL,
		OAuth2:     as.oauthConfig(redirect),
		Store:      store,
		ClientName: "Gourmet CLI",
		HTTPClient: as.srv.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

// followAuthorize visits the authorization URL without following the
// redirect and returns the redirect's query.
func followAuthorize(t *testing.T, authURL string) url.Values {
	t.Helper()
	c := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := c.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want 302 from authorize got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	return loc.Query()
}
