// Package redisstore keeps client credentials in Redis so several CLI or
// agent processes can share one grant per server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-session-gateway/credentials"
	"github.com/redis/go-redis/v9"
)

// VerifierTTL bounds how long a pending authorization survives.
const VerifierTTL = 10 * time.Minute

// Config contains configuration options for the Redis store
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "mcp:credentials:"
	KeyPrefix string

	Clock func() time.Time
}

// Store implements credentials.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

var _ credentials.Store = (*Store)(nil)

// envelope is the structure stored in Redis
type envelope struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// New creates a new Redis-backed credential store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcp:credentials:"
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix, now: config.Clock}, nil
}

// Load returns the credential for serverURL.
func (s *Store) Load(ctx context.Context, serverURL string) (*credentials.Credential, error) {
	var c credentials.Credential
	ok, err := s.get(ctx, credentials.Key(serverURL, credentials.KeyTokens), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// Save stores c. Without a refresh token the entry expires with the access
// token; with one it is kept until replaced or deleted.
func (s *Store) Save(ctx context.Context, serverURL string, c *credentials.Credential) error {
	var ttl time.Duration
	if c.RefreshToken == "" && !c.Expiry.IsZero() {
		ttl = c.Expiry.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, serverURL)
		}
	}
	return s.set(ctx, credentials.Key(serverURL, credentials.KeyTokens), c, ttl)
}

func (s *Store) Delete(ctx context.Context, serverURL string) error {
	return s.del(ctx, credentials.Key(serverURL, credentials.KeyTokens))
}

func (s *Store) SaveVerifier(ctx context.Context, serverURL string, v *credentials.Verifier) error {
	return s.set(ctx, credentials.Key(serverURL, credentials.KeyCodeVerifier), v, VerifierTTL)
}

func (s *Store) LoadVerifier(ctx context.Context, serverURL string) (*credentials.Verifier, error) {
	var v credentials.Verifier
	ok, err := s.get(ctx, credentials.Key(serverURL, credentials.KeyCodeVerifier), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

func (s *Store) DeleteVerifier(ctx context.Context, serverURL string) error {
	return s.del(ctx, credentials.Key(serverURL, credentials.KeyCodeVerifier))
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	redisKey := s.keyPrefix + key
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	if env.ExpiresAt != nil && !s.now().Before(*env.ExpiresAt) {
		s.client.Del(ctx, redisKey)
		return false, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", redisKey, err)
	}
	return true, nil
}

func (s *Store) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	redisKey := s.keyPrefix + key
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", redisKey, err)
	}
	now := s.now()
	env := envelope{Data: data, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		env.ExpiresAt = &exp
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	redisKey := s.keyPrefix + key
	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	return nil
}
