package shared

import "context"

type lifecycleContextKey struct{}

// ContextWithLifecycle stores the request lifecycle in context.
func ContextWithLifecycle(ctx context.Context, lc *Lifecycle) context.Context {
	return context.WithValue(ctx, lifecycleContextKey{}, lc)
}

// LifecycleFromContext extracts the request lifecycle from context.
// It returns nil when the request is not tracked.
func LifecycleFromContext(ctx context.Context) *Lifecycle {
	lc, _ := ctx.Value(lifecycleContextKey{}).(*Lifecycle)
	return lc
}

type sessionContextKey struct{}

// ContextWithSession stores the browser session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the browser session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}
