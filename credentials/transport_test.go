package credentials_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-gateway/credentials"
)

// resourceServer accepts only the bearer token in valid and echoes bodies.
type resourceServer struct {
	srv   *httptest.Server
	valid atomic.Value
	hits  atomic.Int32
	// challenge controls whether 401s carry a Bearer challenge.
	challenge bool
}

func newResourceServer(t *testing.T, valid string) *resourceServer {
	t.Helper()
	rs := &resourceServer{challenge: true}
	rs.valid.Store(valid)
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+rs.valid.Load().(string) {
			if rs.challenge {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			}
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, "denied")
			return
		}
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

// grantingAuthorizer persists grant as the new access token.
func grantingAuthorizer(grant string, calls *atomic.Int32, delay time.Duration) credentials.Authorizer {
	return credentials.AuthorizerFunc(func(ctx context.Context, p *credentials.Provider) error {
		calls.Add(1)
		time.Sleep(delay)
		return p.Persist(ctx, &credentials.Credential{AccessToken: grant, TokenType: "Bearer"})
	})
}

func newTransportProvider(t *testing.T, token string) *credentials.Provider {
	t.Helper()
	as := newFakeAS(t)
	p := newTestProvider(t, as, credentials.NewMemoryStore(), testRedirect)
	if token != "" {
		if err := p.Persist(context.Background(), &credentials.Credential{AccessToken: token}); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}
	return p
}

func post(t *testing.T, c *http.Client, url, body string) (*http.Response, string) {
	t.Helper()
	// NopCloser hides the reader type so the request has no GetBody.
	req, err := http.NewRequest(http.MethodPost, url, io.NopCloser(strings.NewReader(body)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestTransportReauthorizesOnceAndReplays(t *testing.T) {
	rs := newResourceServer(t, "fresh")
	var calls atomic.Int32
	p := newTransportProvider(t, "stale")
	c := &http.Client{Transport: &credentials.Transport{Provider: p, Authorizer: grantingAuthorizer("fresh", &calls, 0)}}

	resp, body := post(t, c, rs.srv.URL, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 after reauthorization got %d", resp.StatusCode)
	}
	if body != `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` {
		t.Fatalf("want body replayed intact got %q", body)
	}
	if calls.Load() != 1 || rs.hits.Load() != 2 {
		t.Fatalf("want one authorization and one retry got %d authorizations, %d hits", calls.Load(), rs.hits.Load())
	}

	// The new token is used directly from now on.
	if resp, _ := post(t, c, rs.srv.URL, "again"); resp.StatusCode != http.StatusOK || calls.Load() != 1 || rs.hits.Load() != 3 {
		t.Fatalf("want direct success got %d, %d authorizations, %d hits", resp.StatusCode, calls.Load(), rs.hits.Load())
	}
}

func TestTransportSurfacesSecondRejection(t *testing.T) {
	rs := newResourceServer(t, "unobtainable")
	var calls atomic.Int32
	p := newTransportProvider(t, "stale")
	c := &http.Client{Transport: &credentials.Transport{Provider: p, Authorizer: grantingAuthorizer("still-wrong", &calls, 0)}}

	resp, body := post(t, c, rs.srv.URL, "payload")
	if resp.StatusCode != http.StatusUnauthorized || body != "denied" {
		t.Fatalf("want second 401 surfaced got %d %q", resp.StatusCode, body)
	}
	if calls.Load() != 1 || rs.hits.Load() != 2 {
		t.Fatalf("want exactly one retry got %d authorizations, %d hits", calls.Load(), rs.hits.Load())
	}
}

func TestTransportWithoutCredentialAuthorizes(t *testing.T) {
	rs := newResourceServer(t, "fresh")
	var calls atomic.Int32
	p := newTransportProvider(t, "")
	c := &http.Client{Transport: &credentials.Transport{Provider: p, Authorizer: grantingAuthorizer("fresh", &calls, 0)}}

	if resp, _ := post(t, c, rs.srv.URL, "x"); resp.StatusCode != http.StatusOK || calls.Load() != 1 {
		t.Fatalf("want authorization on first use got %d, %d calls", resp.StatusCode, calls.Load())
	}
}

func TestTransportIgnoresNonBearer401(t *testing.T) {
	rs := newResourceServer(t, "fresh")
	rs.challenge = false
	var calls atomic.Int32
	p := newTransportProvider(t, "stale")
	c := &http.Client{Transport: &credentials.Transport{Provider: p, Authorizer: grantingAuthorizer("fresh", &calls, 0)}}

	if resp, _ := post(t, c, rs.srv.URL, "x"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 passed through got %d", resp.StatusCode)
	}
	if calls.Load() != 0 || rs.hits.Load() != 1 {
		t.Fatalf("want no reauthorization got %d calls, %d hits", calls.Load(), rs.hits.Load())
	}
}

func TestTransportConcurrentRejectionsShareOneAuthorization(t *testing.T) {
	rs := newResourceServer(t, "fresh")
	var calls atomic.Int32
	p := newTransportProvider(t, "stale")
	c := &http.Client{Transport: &credentials.Transport{Provider: p, Authorizer: grantingAuthorizer("fresh", &calls, 50*time.Millisecond)}}

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, rs.srv.URL, strings.NewReader("x"))
			resp, err := c.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()
	for i, s := range statuses {
		if s != http.StatusOK {
			t.Fatalf("request %d: want 200 got %d", i, s)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("want one shared authorization got %d", calls.Load())
	}
}

func TestTransportDoesNotMutateRequest(t *testing.T) {
	rs := newResourceServer(t, "fresh")
	p := newTransportProvider(t, "fresh")
	c := &http.Client{Transport: &credentials.Transport{Provider: p}}

	req, _ := http.NewRequest(http.MethodGet, rs.srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("want caller request untouched got %q", req.Header.Get("Authorization"))
	}
}
