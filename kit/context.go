package kit

import "context"

// Caller describes who invoked an endpoint. Logging attaches it to every
// call so a control action can be traced back to the HTTP client or MCP host.
type Caller struct {
	Transport  string // "http" or "mcp"
	RequestID  string
	RemoteAddr string
}

type callerKey struct{}

// WithCaller stores c in ctx. Empty fields inherit from a caller already
// present, so an MCP enrichment can add a request id without losing the
// transport.
func WithCaller(ctx context.Context, c Caller) context.Context {
	prev, _ := ctx.Value(callerKey{}).(Caller)
	if c.Transport == "" {
		c.Transport = prev.Transport
	}
	if c.RequestID == "" {
		c.RequestID = prev.RequestID
	}
	if c.RemoteAddr == "" {
		c.RemoteAddr = prev.RemoteAddr
	}
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller in ctx. Transport defaults to "http".
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	if c.Transport == "" {
		c.Transport = "http"
	}
	return c
}

func (c Caller) logAttrs() []any {
	attrs := []any{"transport", c.Transport}
	if c.RequestID != "" {
		attrs = append(attrs, "request_id", c.RequestID)
	}
	if c.RemoteAddr != "" {
		attrs = append(attrs, "remote_addr", c.RemoteAddr)
	}
	return attrs
}
