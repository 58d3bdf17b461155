package credentials

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultLoopbackTimeout bounds how long LoopbackFlow waits for the browser.
const DefaultLoopbackTimeout = 5 * time.Minute

// LoopbackFlow is an Authorizer for command line clients: it receives the
// authorization redirect on a local listener (RFC 8252 §7.3).
type LoopbackFlow struct {
	// Open presents the authorization URL to the user, e.g. by printing it
	// or launching a browser.
	Open func(authURL string) error
	// Timeout defaults to DefaultLoopbackTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ Authorizer = (*LoopbackFlow)(nil)

// Authorize listens on the provider's redirect URL, sends the user to the
// authorization server and completes the flow from the redirect. A redirect
// URL with port 0 listens on any free port.
func (f *LoopbackFlow) Authorize(ctx context.Context, p *Provider) error {
	if f.Open == nil {
		return errors.New("credentials: loopback flow needs an Open func")
	}
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultLoopbackTimeout
	}

	redirect, err := url.Parse(p.RedirectURL())
	if err != nil || redirect.Scheme != "http" {
		return fmt.Errorf("credentials: loopback redirect must be an http URL, got %q", p.RedirectURL())
	}
	if ip := net.ParseIP(redirect.Hostname()); redirect.Hostname() != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("credentials: redirect host %q is not a loopback address", redirect.Hostname())
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("credentials: listen for redirect: %w", err)
	}
	redirect.Host = net.JoinHostPort(redirect.Hostname(), fmt.Sprint(ln.Addr().(*net.TCPAddr).Port))
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	result := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		_, err := p.CompleteAuthorization(r.Context(), r.URL.Query())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>%s</p></body></html>", html.EscapeString(err.Error()))
		} else {
			fmt.Fprint(w, "<html><body><h1>Authorization complete</h1><p>You can close this window.</p></body></html>")
		}
		select {
		case result <- err:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("credentials.loopback.serve.fail", slog.String("err", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	req, err := p.BuildAuthorizationRequest(ctx, WithRedirectURL(redirect.String()))
	if err != nil {
		return err
	}
	if err := f.Open(req.URL); err != nil {
		return fmt.Errorf("credentials: open authorization URL: %w", err)
	}
	log.InfoContext(ctx, "credentials.loopback.wait", slog.String("redirect", redirect.String()))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return fmt.Errorf("credentials: no authorization redirect within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
