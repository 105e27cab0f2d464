// Package authkit is an embeddable OAuth 2.0 authorization and resource
// server layer for MCP tool servers. It authenticates callers through
// third-party identity providers (Google, GitHub, Microsoft), issues and
// revokes tokens, supports Dynamic Client Registration (RFC 7591/7592),
// and lets protocol sessions resume on any process instance from durable
// storage.
//
// The root package wires four layers together:
//
//   - Config / Stores: backend selection (memory, encrypted file, Redis)
//     and environment-driven configuration.
//   - Server: the OAuth flow engine — authorization, callback, exchange,
//     refresh, revocation, and bearer-token verification, with universal
//     routing so clients never have to name the upstream provider.
//   - Handler: the HTTP surface — discovery documents, registration,
//     token and revocation endpoints, and the RequireAuth middleware.
//   - instance.Manager: rebuilds live MCP server instances from session
//     metadata so any replica can serve an established session.
//
// Minimal usage:
//
//	cfg, err := authkit.FromEnv()
//	stores, err := cfg.NewStores()
//	registry, err := cfg.NewProviderRegistry(ctx)
//	srv, err := authkit.NewServer(cfg, stores, registry)
//
//	mux := http.NewServeMux()
//	handler := authkit.NewHandler(srv, cfg.Logger)
//	handler.RegisterRoutes(mux)
//	mux.Handle("POST /mcp", handler.RequireAuth(mcpHandler))
package authkit
