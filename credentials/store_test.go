package credentials_test

import (
	"testing"

	"github.com/ggoodman/mcp-session-gateway/credentials"
	"github.com/ggoodman/mcp-session-gateway/credentials/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) credentials.Store { return credentials.NewMemoryStore() })
}

func TestKey(t *testing.T) {
	if got := credentials.Key("https://x/mcp", credentials.KeyTokens); got != "[https://x/mcp] mcp_tokens" {
		t.Fatalf("want server-scoped key got %q", got)
	}
	if got := credentials.Key("", credentials.KeyCodeVerifier); got != "mcp_code_verifier" {
		t.Fatalf("want bare key got %q", got)
	}
}
