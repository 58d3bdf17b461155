package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-session-gateway/internal/wellknown"
	"golang.org/x/oauth2"
)

// Discovery is what a client learns about a server before authorizing.
type Discovery struct {
	Resource   wellknown.ProtectedResourceMetadata
	AuthServer wellknown.AuthServerMetadata
}

// Endpoint returns the oauth2 endpoint for the discovered issuer.
func (d *Discovery) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   d.AuthServer.AuthorizationEndpoint,
		TokenURL:  d.AuthServer.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Discover fetches the server's protected resource metadata (RFC 9728) and
// then its authorization server's metadata (RFC 8414), falling back to
// OpenID discovery and finally to a mirror served at the resource origin.
func Discover(ctx context.Context, serverURL string, client *http.Client) (*Discovery, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("credentials: invalid server URL %q", serverURL)
	}
	var d Discovery
	prmURL := wellKnownURL(u, "oauth-protected-resource")
	if err := getJSON(ctx, client, prmURL, &d.Resource); err != nil {
		return nil, fmt.Errorf("credentials: protected resource metadata: %w", err)
	}
	if len(d.Resource.AuthorizationServers) == 0 {
		return nil, errors.New("credentials: server advertises no authorization server")
	}
	issuer, err := url.Parse(d.Resource.AuthorizationServers[0])
	if err != nil || issuer.Host == "" {
		return nil, fmt.Errorf("credentials: invalid authorization server %q", d.Resource.AuthorizationServers[0])
	}

	candidates := []string{
		wellKnownURL(issuer, "oauth-authorization-server"),
		strings.TrimSuffix(issuer.String(), "/") + "/.well-known/openid-configuration",
		(&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/.well-known/oauth-authorization-server"}).String(),
	}
	var errs []error
	for _, c := range candidates {
		var md wellknown.AuthServerMetadata
		if err := getJSON(ctx, client, c, &md); err != nil {
			errs = append(errs, err)
			continue
		}
		if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
			errs = append(errs, fmt.Errorf("%s: missing endpoints", c))
			continue
		}
		d.AuthServer = md
		return &d, nil
	}
	return nil, fmt.Errorf("credentials: authorization server metadata: %w", errors.Join(errs...))
}

// wellKnownURL inserts /.well-known/<name> between the origin and path.
func wellKnownURL(u *url.URL, name string) string {
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	return u.Scheme + "://" + u.Host + "/.well-known/" + name + path
}

func getJSON(ctx context.Context, client *http.Client, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", u, err)
	}
	return nil
}
