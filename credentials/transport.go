package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Authorizer obtains a fresh credential for p, typically by running an
// interactive authorization code flow and persisting the result.
type Authorizer interface {
	Authorize(ctx context.Context, p *Provider) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, p *Provider) error

func (f AuthorizerFunc) Authorize(ctx context.Context, p *Provider) error { return f(ctx, p) }

// Transport is an http.RoundTripper that authenticates requests with the
// Provider's credential. When the server answers 401 with a Bearer
// challenge it reauthorizes once and replays the request once; a second
// 401 is returned to the caller as is.
type Transport struct {
	Provider   *Provider
	Authorizer Authorizer
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	group singleflight.Group
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Provider == nil {
		return nil, errors.New("credentials: transport has no provider")
	}
	ctx := req.Context()
	// Work on a copy; a RoundTripper must not modify the caller's request.
	req = req.Clone(ctx)
	if err := ensureReplayable(req); err != nil {
		return nil, err
	}

	resp, sent, err := t.send(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !hasBearerChallenge(resp.Header) || t.Authorizer == nil {
		return resp, err
	}
	drain(resp)

	if err := t.reauthorize(ctx, sent); err != nil {
		return nil, err
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("credentials: replay body: %w", err)
		}
		retry.Body = body
	}
	resp, _, err = t.send(retry)
	return resp, err
}

// reauthorize invalidates the rejected token and runs the authorizer. When
// another request already replaced the token it only replays.
func (t *Transport) reauthorize(ctx context.Context, rejected string) error {
	_, err, _ := t.group.Do(t.Provider.ServerURL(), func() (any, error) {
		current, err := t.Provider.store.Load(ctx, t.Provider.ServerURL())
		if err != nil {
			return nil, err
		}
		if current != nil && current.AccessToken != "" && current.AccessToken != rejected {
			return nil, nil
		}
		if err := t.Provider.Invalidate(ctx); err != nil {
			return nil, err
		}
		return nil, t.Authorizer.Authorize(ctx, t.Provider)
	})
	if err != nil {
		return fmt.Errorf("credentials: authorize: %w", err)
	}
	return nil
}

// send performs one attempt and reports the access token it carried.
func (t *Transport) send(req *http.Request) (*http.Response, string, error) {
	out := req.Clone(req.Context())
	var token string
	c, err := t.Provider.CurrentToken(req.Context())
	switch {
	case err == nil:
		token = c.AccessToken
		out.Header.Set("Authorization", "Bearer "+token)
	case errors.Is(err, ErrNoCredential):
	default:
		return nil, "", err
	}
	resp, err := t.base().RoundTrip(out)
	return resp, token, err
}

// ensureReplayable buffers a body that cannot be re-read.
func ensureReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("credentials: buffer body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
	return nil
}

func hasBearerChallenge(h http.Header) bool {
	for _, v := range h.Values("WWW-Authenticate") {
		if len(v) >= 6 && strings.EqualFold(v[:6], "bearer") {
			return true
		}
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
