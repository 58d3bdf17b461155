// Package channel adapts one go-sdk streamable server transport and its
// server session into the per-session message channel the gateway routes to.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrClosed is returned by Deliver once the channel has been closed.
var ErrClosed = errors.New("channel closed")

// DefaultProtocolVersion is assumed for stateless requests that carry no
// Mcp-Protocol-Version header.
const DefaultProtocolVersion = "2025-03-26"

// Options configures Open.
type Options struct {
	// SessionID is echoed in the Mcp-Session-Id response header. Empty for
	// stateless channels.
	SessionID string
	// Stateless disables server-to-client requests on the transport.
	Stateless bool
	// State pre-seeds the server session so requests are accepted without a
	// prior initialize handshake. See StatelessState.
	State *mcp.ServerSessionState
	// EventStore enables stream resumption via Last-Event-ID.
	EventStore mcp.EventStore
	Logger     *slog.Logger
}

// Channel is the exclusive transport of one session.
type Channel struct {
	id        string
	transport *mcp.StreamableServerTransport
	session   *mcp.ServerSession
	log       *slog.Logger

	closeOnce  sync.Once
	closeErr   error
	finishOnce sync.Once
	done       chan struct{}

	mu        sync.Mutex
	closed    bool
	callbacks []func(sessionID string)
}

// Open connects server to a fresh streamable transport. ctx only scopes the
// connection handshake; the session outlives it until Close.
func Open(ctx context.Context, server *mcp.Server, opts Options) (*Channel, error) {
	if server == nil {
		return nil, errors.New("channel: server is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	t := &mcp.StreamableServerTransport{
		SessionID:  opts.SessionID,
		Stateless:  opts.Stateless,
		EventStore: opts.EventStore,
	}
	var sopts *mcp.ServerSessionOptions
	if opts.State != nil {
		sopts = &mcp.ServerSessionOptions{State: opts.State}
	}
	ss, err := server.Connect(ctx, t, sopts)
	if err != nil {
		return nil, fmt.Errorf("channel: connect: %w", err)
	}

	c := &Channel{
		id:        opts.SessionID,
		transport: t,
		session:   ss,
		log:       log,
		done:      make(chan struct{}),
	}
	go c.watch()
	return c, nil
}

// watch observes the session ending on its own, e.g. a transport fault or
// the server shutting it down.
func (c *Channel) watch() {
	if err := c.session.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("channel.session.end", slog.String("session_id", c.id), slog.String("err", err.Error()))
	}
	c.finish()
}

// SessionID returns the id the channel was opened with.
func (c *Channel) SessionID() string { return c.id }

// Deliver hands one HTTP exchange to the transport and blocks until the
// transport has finished writing the response. For GET this is the lifetime
// of the standalone SSE stream.
func (c *Channel) Deliver(w http.ResponseWriter, r *http.Request) error {
	if c.Closed() {
		return ErrClosed
	}
	c.transport.ServeHTTP(w, r)
	return nil
}

// Initialized reports whether the initialize request reached the server
// session.
func (c *Channel) Initialized() bool {
	return c.session.InitializeParams() != nil
}

// Closed reports whether Close has been called or the session has ended.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close ends the session. It is safe to call repeatedly and concurrently;
// only the first call does any work and every call returns its result.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()
		c.finish()
	})
	return c.closeErr
}

// OnClose registers fn to run once when the channel closes. If the channel
// is already closed fn runs immediately on the calling goroutine.
func (c *Channel) OnClose(fn func(sessionID string)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(c.id)
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *Channel) finish() {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cbs := c.callbacks
		c.callbacks = nil
		c.mu.Unlock()
		close(c.done)

		for _, fn := range cbs {
			fn(c.id)
		}
	})
}

// StatelessState seeds a server session for a request handled outside any
// registered session. Handshake steps present in the request itself are left
// for the server to process.
func StatelessState(protocolVersion string, hasInitialize, hasInitialized bool) *mcp.ServerSessionState {
	if protocolVersion == "" {
		protocolVersion = DefaultProtocolVersion
	}
	state := new(mcp.ServerSessionState)
	if !hasInitialize {
		state.InitializeParams = &mcp.InitializeParams{ProtocolVersion: protocolVersion}
	}
	if !hasInitialized {
		state.InitializedParams = new(mcp.InitializedParams)
	}
	state.LogLevel = "info"
	return state
}
