// Package storetest checks credentials.Store implementations against the
// behavior the provider relies on.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-gateway/credentials"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) credentials.Store) {
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, newStore(t)) })
	t.Run("SaveOverwrites", func(t *testing.T) { testSaveOverwrites(t, newStore(t)) })
	t.Run("ScopedPerServer", func(t *testing.T) { testScopedPerServer(t, newStore(t)) })
	t.Run("Verifier", func(t *testing.T) { testVerifier(t, newStore(t)) })
	t.Run("DeleteKeepsVerifier", func(t *testing.T) { testDeleteKeepsVerifier(t, newStore(t)) })
}

const (
	serverA = "https://a.example/mcp"
	serverB = "https://b.example/mcp"
)

func testLoadMissing(t *testing.T, s credentials.Store) {
	ctx := context.Background()
	c, err := s.Load(ctx, serverA)
	if err != nil || c != nil {
		t.Fatalf("want nil credential and nil error, got %+v, %v", c, err)
	}
	v, err := s.LoadVerifier(ctx, serverA)
	if err != nil || v != nil {
		t.Fatalf("want nil verifier and nil error, got %+v, %v", v, err)
	}
	if err := s.Delete(ctx, serverA); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if err := s.DeleteVerifier(ctx, serverA); err != nil {
		t.Fatalf("delete missing verifier: %v", err)
	}
}

func testSaveOverwrites(t *testing.T, s credentials.Store) {
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	first := &credentials.Credential{AccessToken: "a1", TokenType: "Bearer", RefreshToken: "r1", Scope: "menu:read", Expiry: expiry}
	if err := s.Save(ctx, serverA, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, serverA)
	if err != nil || got == nil {
		t.Fatalf("load: %+v, %v", got, err)
	}
	if got.AccessToken != "a1" || got.RefreshToken != "r1" || got.Scope != "menu:read" || got.TokenType != "Bearer" {
		t.Fatalf("want stored fields back got %+v", got)
	}
	if !got.Expiry.Equal(expiry) {
		t.Fatalf("want expiry %v got %v", expiry, got.Expiry)
	}

	// A refresh replaces the whole set; nothing from the old one survives.
	if err := s.Save(ctx, serverA, &credentials.Credential{AccessToken: "a2", Expiry: expiry}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Load(ctx, serverA)
	if got == nil || got.AccessToken != "a2" || got.RefreshToken != "" || got.Scope != "" {
		t.Fatalf("want overwritten credential got %+v", got)
	}
}

func testScopedPerServer(t *testing.T, s credentials.Store) {
	ctx := context.Background()
	if err := s.Save(ctx, serverA, &credentials.Credential{AccessToken: "for-a"}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := s.Save(ctx, serverB, &credentials.Credential{AccessToken: "for-b"}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := s.Delete(ctx, serverA); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if c, _ := s.Load(ctx, serverA); c != nil {
		t.Fatalf("want a deleted got %+v", c)
	}
	if c, _ := s.Load(ctx, serverB); c == nil || c.AccessToken != "for-b" {
		t.Fatalf("want b untouched got %+v", c)
	}
}

func testVerifier(t *testing.T, s credentials.Store) {
	ctx := context.Background()
	v := &credentials.Verifier{CodeVerifier: "verifier", State: "state", RedirectURL: "http://127.0.0.1:8976/callback", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := s.SaveVerifier(ctx, serverA, v); err != nil {
		t.Fatalf("save verifier: %v", err)
	}
	got, err := s.LoadVerifier(ctx, serverA)
	if err != nil || got == nil {
		t.Fatalf("load verifier: %+v, %v", got, err)
	}
	if got.CodeVerifier != v.CodeVerifier || got.State != v.State || got.RedirectURL != v.RedirectURL {
		t.Fatalf("want %+v got %+v", v, got)
	}
	if err := s.DeleteVerifier(ctx, serverA); err != nil {
		t.Fatalf("delete verifier: %v", err)
	}
	if got, _ := s.LoadVerifier(ctx, serverA); got != nil {
		t.Fatalf("want verifier deleted got %+v", got)
	}
}

func testDeleteKeepsVerifier(t *testing.T, s credentials.Store) {
	ctx := context.Background()
	_ = s.Save(ctx, serverA, &credentials.Credential{AccessToken: "tok"})
	_ = s.SaveVerifier(ctx, serverA, &credentials.Verifier{CodeVerifier: "v", State: "s"})
	if err := s.Delete(ctx, serverA); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := s.LoadVerifier(ctx, serverA); v == nil {
		t.Fatalf("want verifier kept after token delete")
	}
}
