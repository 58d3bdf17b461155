package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ggoodman/mcp-session-gateway/auth"
	"github.com/ggoodman/mcp-session-gateway/gourmet"
	"github.com/ggoodman/mcp-session-gateway/gourmet/catalog"
	"github.com/ggoodman/mcp-session-gateway/internal/config"
	"github.com/ggoodman/mcp-session-gateway/mcpservice"
	"github.com/ggoodman/mcp-session-gateway/metrics"
	"github.com/ggoodman/mcp-session-gateway/petvet"
	"github.com/ggoodman/mcp-session-gateway/streaminghttp"
)

// gateway is the assembled HTTP surface of `serve`.
type gateway struct {
	mcp     *streaminghttp.Handler
	handler http.Handler
}

func (g *gateway) Close() { g.mcp.Close() }

// buildGateway wires the tool set, authentication and metrics described by
// cfg. ctx bounds background work such as the menu watcher.
func buildGateway(ctx context.Context, cfg config.Server, log *slog.Logger) (*gateway, error) {
	tools, impl, err := buildTools(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	mode, err := streaminghttp.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithServerName(impl.Name),
		streaminghttp.WithMode(mode),
		streaminghttp.WithIdleTimeout(cfg.IdleTimeout),
		streaminghttp.WithMaxSessions(cfg.MaxSessions),
		streaminghttp.WithSweepInterval(cfg.SweepInterval),
		streaminghttp.WithSerializedDelivery(cfg.SerializeDelivery),
	}

	if cfg.AuthEnabled() {
		provider, err := buildAuthenticator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, streaminghttp.WithAuthenticator(provider))
		log.InfoContext(ctx, "gateway.auth.enabled", slog.String("issuer", cfg.Issuer), slog.Bool("manual_jwks", cfg.JWKSURL != ""))
	}

	mux := http.NewServeMux()
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, streaminghttp.WithMetrics(metrics.New(reg)))
		mux.Handle("GET /metrics", metrics.Handler(reg))
	}

	factory := func(context.Context) (*mcp.Server, error) { return tools.Server(impl), nil }
	h, err := streaminghttp.New(cfg.PublicEndpoint, factory, opts...)
	if err != nil {
		return nil, err
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "mode": h.Mode().String(), "sessions": h.Sessions()})
	})
	mux.Handle("/", h)
	return &gateway{mcp: h, handler: mux}, nil
}

func buildTools(ctx context.Context, cfg config.Server, log *slog.Logger) (*mcpservice.Tools, *mcp.Implementation, error) {
	toolLog := mcpservice.WithToolsLogger(log)
	switch cfg.Toolset {
	case config.ToolsetPetvet:
		tools, err := petvet.NewTools(nil, toolLog)
		if err != nil {
			return nil, nil, err
		}
		return tools, &mcp.Implementation{Name: petvet.ServerName, Version: petvet.ServerVersion}, nil
	case config.ToolsetGourmet, "":
		menu := catalog.Default()
		if cfg.MenuPath != "" {
			var err error
			if menu, err = loadMenu(ctx, cfg.MenuPath, log); err != nil {
				return nil, nil, err
			}
		}
		return gourmetTools(menu, toolLog)
	}
	return nil, nil, fmt.Errorf("unknown toolset %q", cfg.Toolset)
}

func loadMenu(ctx context.Context, path string, log *slog.Logger) (*catalog.Catalog, error) {
	menu, err := catalog.Load(path)
	if err != nil {
		return nil, err
	}
	if err := menu.Watch(ctx, log, nil); err != nil {
		// The menu still serves; it just will not follow edits.
		log.WarnContext(ctx, "catalog.watch.fail", slog.String("path", path), slog.String("err", err.Error()))
	}
	return menu, nil
}

func gourmetTools(menu *catalog.Catalog, opts ...mcpservice.ToolsOption) (*mcpservice.Tools, *mcp.Implementation, error) {
	tools, _, err := gourmet.NewTools(menu, opts...)
	if err != nil {
		return nil, nil, err
	}
	return tools, &mcp.Implementation{Name: gourmet.ServerName, Version: gourmet.ServerVersion}, nil
}

func buildAuthenticator(ctx context.Context, cfg config.Server) (auth.SecurityProvider, error) {
	if cfg.JWKSURL != "" {
		sc := auth.SecurityConfig{
			Issuer:    strings.TrimSuffix(cfg.Issuer, "/"),
			Audiences: []string{cfg.Audience},
			JWKSURL:   cfg.JWKSURL,
		}
		return sc.NewManualJWTAuthenticator(ctx)
	}
	return auth.NewFromDiscovery(ctx, cfg.Issuer, cfg.Audience)
}
