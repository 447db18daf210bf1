// Package kit holds the small cross-cutting pieces shared by the daemon's
// transports: typed context keys and MCP tool registration glue.
package kit

import "context"

// Endpoint is a transport-agnostic operation: typed request in, typed
// response out. HTTP handlers and MCP tools both terminate here.
type Endpoint func(ctx context.Context, req any) (any, error)

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp", "ws"
	RequestIDKey contextKey = "kit_request_id"
	TabIDKey     contextKey = "kit_tab_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTabID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, TabIDKey, id)
}
func GetTabID(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(TabIDKey).(int)
	return v, ok
}
