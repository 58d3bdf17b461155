package credentials

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrNoCredential means no usable credential exists for the server.
	ErrNoCredential = errors.New("no credential")
	// ErrNoVerifier means CompleteAuthorization ran without a pending
	// authorization request.
	ErrNoVerifier = errors.New("no code verifier saved for server")
	// ErrStateMismatch means the redirect carried a state other than the one
	// issued by BuildAuthorizationRequest.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// expiryDelta treats tokens this close to expiry as already expired.
const expiryDelta = 10 * time.Second

// Credential is the bearer token set held for one server URL.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the access token is unusable at now. A zero
// Expiry never expires.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Before(c.Expiry.Add(-expiryDelta))
}

// Token converts the credential for use with golang.org/x/oauth2.
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// FromToken converts an oauth2 token, picking up the granted scope when the
// token response carried one.
func FromToken(t *oauth2.Token) *Credential {
	c := &Credential{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
	if s, ok := t.Extra("scope").(string); ok {
		c.Scope = s
	}
	return c
}

// AuthorizationError is an OAuth error returned to the redirect URI.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization failed: %s", e.Code)
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}
