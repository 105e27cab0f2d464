// Command mcp-authkit-demo runs a minimal OAuth-protected MCP server. It
// wires the authkit HTTP surface, a session-backed instance manager, and a
// single demo tool that reports the caller's verified identity.
//
// Configuration comes from AUTHKIT_* environment variables; at minimum set
// AUTHKIT_ISSUER and one provider's credentials.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	authkit "github.com/giantswarm/mcp-authkit"
	"github.com/giantswarm/mcp-authkit/instance"
	"github.com/giantswarm/mcp-authkit/sessions"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := authkit.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Logger = logger

	stores, err := cfg.NewStores()
	if err != nil {
		return fmt.Errorf("failed to build stores: %w", err)
	}
	defer stores.Stop()

	registry, err := cfg.NewProviderRegistry(ctx)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}

	srv, err := authkit.NewServer(cfg, stores, registry)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer srv.Stop()

	manager, err := instance.NewManager(stores.Sessions, buildDemoServer,
		instance.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to build instance manager: %w", err)
	}
	defer manager.Stop()

	handler := authkit.NewHandler(srv, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/mcp", handler.RequireAuth(mcpEndpoint(srv, manager, cfg.SessionTTL, logger)))

	addr := os.Getenv("AUTHKIT_DEMO_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("Listening", "addr", addr, "issuer", cfg.Issuer, "providers", registry.Names())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// mcpEndpoint resolves the caller's session (creating one on first contact)
// and dispatches the request to that session's transport.
func mcpEndpoint(srv *authkit.Server, manager *instance.Manager, sessionTTL time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		sessionID := r.Header.Get("Mcp-Session-Id")
		if sessionID == "" {
			auth, _ := authkit.AuthInfoFromContext(ctx)
			meta := sessions.NewMetadata(uuid.NewString(), sessionTTL)
			meta.AuthInfo = auth
			if err := srv.Sessions().SaveSession(ctx, meta); err != nil {
				logger.Error("Failed to create session", "error", err)
				http.Error(w, "failed to create session", http.StatusInternalServerError)
				return
			}
			sessionID = meta.SessionID
			w.Header().Set("Mcp-Session-Id", sessionID)
		}

		inst, err := manager.GetOrRecreate(ctx, sessionID)
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		inst.Transport.ServeHTTP(w, r)
	})
}

// buildDemoServer is the instance factory: it rebuilds the MCP server for a
// session from its durable metadata.
func buildDemoServer(_ context.Context, meta *sessions.Metadata) (*server.MCPServer, error) {
	srv := server.NewMCPServer(
		"mcp-authkit-demo",
		"0.1.0",
		server.WithToolCapabilities(false),
	)

	whoami := mcp.NewTool("whoami",
		mcp.WithDescription("Report the authenticated identity bound to this session"),
	)
	srv.AddTool(whoami, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if meta.AuthInfo == nil {
			return mcp.NewToolResultError("session has no authenticated identity"), nil
		}
		body, err := json.Marshal(meta.AuthInfo)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(body)), nil
	})

	return srv, nil
}
