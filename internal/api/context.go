package api

import "context"

// connIDContextKey is the context key for the WebSocket connection id.
type connIDContextKey struct{}

// WithConnID returns a new context carrying a WebSocket connection id.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDContextKey{}, id)
}

// ConnIDFromContext extracts the connection id from the context.
// Returns "http" if the request did not arrive over a WebSocket.
func ConnIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(connIDContextKey{}).(string)
	if !ok || id == "" {
		return "http"
	}
	return id
}
