package credentials_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-gateway/credentials"
)

func TestLoopbackFlowCompletesFromRedirect(t *testing.T) {
	ctx := context.Background()
	as := newFakeAS(t)
	store := credentials.NewMemoryStore()
	p := newTestProvider(t, as, store, "http://127.0.0.1:0/callback")

	var page string
	flow := &credentials.LoopbackFlow{
		Timeout: 5 * time.Second,
		// Stand in for the browser: follow the authorization redirect to the
		// loopback listener.
		Open: func(authURL string) error {
			if !strings.Contains(authURL, "redirect_uri=http%3A%2F%2F127.0.0.1%3A") || strings.Contains(authURL, "127.0.0.1%3A0%2F") {
				t.Errorf("want concrete loopback port in %s", authURL)
			}
			resp, err := http.Get(authURL)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			page = string(b)
			return nil
		},
	}
	if err := flow.Authorize(ctx, p); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !strings.Contains(page, "Authorization complete") {
		t.Fatalf("want completion page got %q", page)
	}
	c, err := p.CurrentToken(ctx)
	if err != nil || c.AccessToken != "access-1" {
		t.Fatalf("want exchanged credential stored got %+v, %v", c, err)
	}
}

func TestLoopbackFlowRejectsRemoteRedirect(t *testing.T) {
	as := newFakeAS(t)
	p := newTestProvider(t, as, credentials.NewMemoryStore(), "https://app.example/callback")
	flow := &credentials.LoopbackFlow{Open: func(string) error { return nil }}
	if err := flow.Authorize(context.Background(), p); err == nil {
		t.Fatalf("want non-loopback redirect rejected")
	}
}

func TestLoopbackFlowTimesOut(t *testing.T) {
	as := newFakeAS(t)
	p := newTestProvider(t, as, credentials.NewMemoryStore(), "http://127.0.0.1:0/callback")
	flow := &credentials.LoopbackFlow{Timeout: 50 * time.Millisecond, Open: func(string) error { return nil }}
	err := flow.Authorize(context.Background(), p)
	if err == nil || !strings.Contains(err.Error(), "no authorization redirect") {
		t.Fatalf("want timeout error got %v", err)
	}
}

func TestLoopbackFlowHonorsContext(t *testing.T) {
	as := newFakeAS(t)
	p := newTestProvider(t, as, credentials.NewMemoryStore(), "http://localhost:0/callback")
	ctx, cancel := context.WithCancel(context.Background())
	flow := &credentials.LoopbackFlow{Open: func(string) error { cancel(); return nil }}
	if err := flow.Authorize(ctx, p); err != context.Canceled {
		t.Fatalf("want context.Canceled got %v", err)
	}
}
