package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-session-gateway/internal/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		addr, endpoint, mode, toolset, menu string
		idle, sweep                         time.Duration
		maxSessions                         int
		serialize, withMetrics              bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the MCP gateway on MCP_ADDR, routing the path of MCP_PUBLIC_ENDPOINT.

Bearer authentication is enabled when OIDC_ISSUER and OIDC_AUDIENCE are
set. Keys come from the issuer's discovery document, or from
OIDC_JWKS_URL when given.

Examples:
  # Gourmet demo on :3000
  mcpgateway serve

  # Authenticated pet clinic demo with a custom idle timeout
  OIDC_ISSUER=https://issuer.example OIDC_AUDIENCE=http://localhost:3000/mcp \
    mcpgateway serve --toolset petvet --idle-timeout 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.Addr = addr
			}
			if f.Changed("public-endpoint") {
				cfg.PublicEndpoint = endpoint
			}
			if f.Changed("mode") {
				cfg.Mode = mode
			}
			if f.Changed("toolset") {
				cfg.Toolset = toolset
			}
			if f.Changed("menu") {
				cfg.MenuPath = menu
			}
			if f.Changed("idle-timeout") {
				cfg.IdleTimeout = idle
			}
			if f.Changed("sweep-interval") {
				cfg.SweepInterval = sweep
			}
			if f.Changed("max-sessions") {
				cfg.MaxSessions = maxSessions
			}
			if f.Changed("serialize") {
				cfg.SerializeDelivery = serialize
			}
			if f.Changed("metrics") {
				cfg.Metrics = withMetrics
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}

			// A second signal after stop() kills the process.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log, nil)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "listen address (MCP_ADDR)")
	f.StringVar(&endpoint, "public-endpoint", "", "public MCP endpoint URL (MCP_PUBLIC_ENDPOINT)")
	f.StringVar(&mode, "mode", "", "stateful or stateless (MCP_MODE)")
	f.StringVar(&toolset, "toolset", "", "gourmet or petvet (MCP_TOOLSET)")
	f.StringVar(&menu, "menu", "", "JSON or YAML menu file to serve and watch (MCP_MENU_PATH)")
	f.DurationVar(&idle, "idle-timeout", 0, "session idle timeout (MCP_SESSION_IDLE_TIMEOUT)")
	f.DurationVar(&sweep, "sweep-interval", 0, "background expiry sweep interval, 0 disables (MCP_SWEEP_INTERVAL)")
	f.IntVar(&maxSessions, "max-sessions", 0, "maximum live sessions (MCP_MAX_SESSIONS)")
	f.BoolVar(&serialize, "serialize", false, "serialize POSTs within a session (MCP_SERIALIZE_DELIVERY)")
	f.BoolVar(&withMetrics, "metrics", true, "serve Prometheus metrics on /metrics (MCP_METRICS)")
	return cmd
}

// runServe serves until ctx is done, then drains. ready, when set, receives
// the bound address once the listener is up.
func runServe(ctx context.Context, cfg config.Server, log *slog.Logger, ready func(addr string)) error {
	gw, err := buildGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{Handler: gw.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	log.InfoContext(ctx, "gateway.listen",
		slog.String("addr", ln.Addr().String()),
		slog.String("endpoint", cfg.PublicEndpoint),
		slog.String("mode", cfg.Mode),
		slog.String("toolset", cfg.Toolset),
	)
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "gateway.shutdown", slog.Int("sessions", gw.mcp.Sessions()))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// Close sessions first so long-lived GET streams end and Shutdown can drain.
	gw.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
