package credentials

import (
	"context"
	"sync"
	"time"
)

// Storage keys, scoped per server with Key.
const (
	KeyTokens       = "mcp_tokens"
	KeyCodeVerifier = "mcp_code_verifier"
)

// Key scopes a storage key to a server URL.
func Key(serverURL, key string) string {
	if serverURL == "" {
		return key
	}
	return "[" + serverURL + "] " + key
}

// Verifier is the pending state of one authorization code flow.
type Verifier struct {
	CodeVerifier string    `json:"code_verifier"`
	State        string    `json:"state"`
	RedirectURL  string    `json:"redirect_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists credentials and pending verifiers keyed by server URL.
// Load methods return nil with a nil error when nothing is stored.
type Store interface {
	Load(ctx context.Context, serverURL string) (*Credential, error)
	Save(ctx context.Context, serverURL string, c *Credential) error
	Delete(ctx context.Context, serverURL string) error

	SaveVerifier(ctx context.Context, serverURL string, v *Verifier) error
	LoadVerifier(ctx context.Context, serverURL string) (*Verifier, error)
	DeleteVerifier(ctx context.Context, serverURL string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	creds     map[string]Credential
	verifiers map[string]Verifier
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:     make(map[string]Credential),
		verifiers: make(map[string]Verifier),
	}
}

func (m *MemoryStore) Load(_ context.Context, serverURL string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[Key(serverURL, KeyTokens)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) Save(_ context.Context, serverURL string, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[Key(serverURL, KeyTokens)] = *c
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, Key(serverURL, KeyTokens))
	return nil
}

func (m *MemoryStore) SaveVerifier(_ context.Context, serverURL string, v *Verifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifiers[Key(serverURL, KeyCodeVerifier)] = *v
	return nil
}

func (m *MemoryStore) LoadVerifier(_ context.Context, serverURL string) (*Verifier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verifiers[Key(serverURL, KeyCodeVerifier)]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *MemoryStore) DeleteVerifier(_ context.Context, serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.verifiers, Key(serverURL, KeyCodeVerifier))
	return nil
}
