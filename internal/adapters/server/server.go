// Package server serves the local tandem service over REST and MCP on one listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/evanschultz/tandem/internal/adapters/server/common"
	"github.com/evanschultz/tandem/internal/adapters/server/httpapi"
	"github.com/evanschultz/tandem/internal/adapters/server/mcpapi"
)

// defaultBindAddress matches the server.http_bind config default.
const defaultBindAddress = "127.0.0.1:5437"

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	readyTimeout      = 2 * time.Second
)

// Config selects the listen address and mount points.
type Config struct {
	HTTPBind      string
	APIEndpoint   string
	MCPEndpoint   string
	ServerName    string
	ServerVersion string
}

// Dependencies are the service and logger every route shares.
type Dependencies struct {
	Service common.Service
	Logger  *log.Logger
}

// readiness is the /readyz body: the sync status line plus the counts behind it.
type readiness struct {
	Status    string `json:"status"`
	Sync      string `json:"sync"`
	Online    bool   `json:"online"`
	SignedIn  bool   `json:"signedIn"`
	Pending   int    `json:"pending"`
	Conflicts int    `json:"conflicts"`
}

// NewHandler mounts liveness, sync readiness, the REST API and MCP on one mux.
func NewHandler(cfg Config, deps Dependencies) (http.Handler, Config, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, Config{}, err
	}
	if deps.Service == nil {
		return nil, Config{}, errors.New("service dependency is required")
	}

	mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
		ServerName:    cfg.ServerName,
		ServerVersion: cfg.ServerVersion,
		EndpointPath:  cfg.MCPEndpoint,
	}, deps.Service)
	if err != nil {
		return nil, Config{}, fmt.Errorf("configure mcp handler: %w", err)
	}
	api := http.StripPrefix(cfg.APIEndpoint, httpapi.NewHandler(deps.Service))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", readyHandler(deps.Service))
	mux.Handle(cfg.MCPEndpoint, mcpHandler)
	mux.Handle(cfg.APIEndpoint, api)
	mux.Handle(cfg.APIEndpoint+"/", api)
	return logRequests(deps.Logger, mux), cfg, nil
}

// readyHandler reports ready once the service answers a sync status query.
// Offline and pending changes are still ready; the body says why.
func readyHandler(svc common.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		status, err := svc.SyncStatus(ctx)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, readiness{
			Status:    "ok",
			Sync:      status.Message,
			Online:    status.Online,
			SignedIn:  status.SignedIn,
			Pending:   status.Pending,
			Conflicts: len(status.Conflicts),
		})
	}
}

// logRequests records one debug line per request.
func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// Run serves until ctx ends, then drains in-flight requests.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if ctx == nil {
		ctx = context.Background()
	}
	handler, cfg, err := NewHandler(cfg, deps)
	if err != nil {
		return fmt.Errorf("build server handler: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPBind,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if deps.Logger != nil {
		deps.Logger.Info("serving", "bind", cfg.HTTPBind, "api", cfg.APIEndpoint, "mcp", cfg.MCPEndpoint)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve after shutdown: %w", err)
	}
	if deps.Logger != nil {
		deps.Logger.Info("server stopped", "bind", cfg.HTTPBind)
	}
	return nil
}

// normalizeConfig fills defaults and rejects colliding mount points.
func normalizeConfig(cfg Config) (Config, error) {
	cfg.HTTPBind = strings.TrimSpace(cfg.HTTPBind)
	if cfg.HTTPBind == "" {
		cfg.HTTPBind = defaultBindAddress
	}
	cfg.APIEndpoint = mountPath(cfg.APIEndpoint, "/api/v1")
	cfg.MCPEndpoint = mountPath(cfg.MCPEndpoint, "/mcp")
	if cfg.APIEndpoint == cfg.MCPEndpoint {
		return Config{}, errors.New("api and mcp endpoints must differ")
	}
	for _, reserved := range []string{"/healthz", "/readyz"} {
		if cfg.APIEndpoint == reserved || cfg.MCPEndpoint == reserved {
			return Config{}, fmt.Errorf("endpoint %s is reserved", reserved)
		}
	}
	cfg.ServerName = firstNonEmpty(cfg.ServerName, "tandem")
	cfg.ServerVersion = firstNonEmpty(cfg.ServerVersion, "dev")
	return cfg, nil
}

// mountPath returns path as "/a/b", or fallback when it is empty or the root.
func mountPath(path, fallback string) string {
	path = "/" + strings.Trim(strings.TrimSpace(path), "/")
	if path == "/" {
		return fallback
	}
	return path
}

func firstNonEmpty(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
