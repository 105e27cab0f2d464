package authkit

import "context"

type contextKey string

const authInfoContextKey contextKey = "authkit_auth_info"

// ContextWithAuthInfo attaches a verified identity to the context.
func ContextWithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoContextKey, info)
}

// AuthInfoFromContext extracts the verified identity set by RequireAuth.
func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoContextKey).(*AuthInfo)
	return info, ok
}
