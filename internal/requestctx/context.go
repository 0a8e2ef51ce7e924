package requestctx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// Key is the typed context key used for storing the request Context.
var Key contextKey = "gemini-chat-gateway/requestctx"

// Context captures the per-request identity resolved at the HTTP edge.
type Context struct {
	RequestID string
	Caller    string
}

// WithContext embeds the request context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok && rc != nil
}

// RequestID returns the id stored on ctx, or a fresh one when none was set.
func RequestID(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok && rc.RequestID != "" {
		return rc.RequestID
	}
	return uuid.NewString()
}
