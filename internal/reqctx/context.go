// Package reqctx carries the per-request state threaded through the
// filter chain: identity, timing, and the fields needed by the trace
// recorder and admin introspection endpoints.
package reqctx

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// Context is the mutable request-scoped record. Filters read and
// write fields on it as the request moves through the pipeline; it is
// never shared across goroutines beyond the lifetime of one request.
type Context struct {
	mu sync.Mutex

	TraceID   string
	StartedAt time.Time

	ClientIP  string
	UserAgent string

	Subject  string
	TenantID string
	Roles    []string

	RouteName   string
	InstanceURL string

	RateLimitDim string

	BreakerState string

	Outcome    string // "continue", "short_circuit", "error"
	StatusCode int
	ErrorKind  string

	attrs map[string]any
}

// New creates a fresh Context with a generated trace id.
func New(r *http.Request) *Context {
	return &Context{
		TraceID:   NewTraceID(),
		StartedAt: time.Now(),
		UserAgent: r.UserAgent(),
		attrs:     make(map[string]any),
	}
}

// NewTraceID produces the spec's 32-hex-character trace id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// WithContext attaches rc to ctx.
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey, rc)
}

// FromContext retrieves the attached Context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(ctxKey).(*Context)
	return rc, ok
}

// Set stores an arbitrary attribute for later retrieval/snapshotting.
func (c *Context) Set(key string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = val
}

// Get retrieves an arbitrary attribute.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Duration reports elapsed time since the request started.
func (c *Context) Duration() time.Duration {
	return time.Since(c.StartedAt)
}

// Snapshot is a point-in-time, read-only copy safe to hand to the
// trace recorder or an admin endpoint without holding c's lock.
type Snapshot struct {
	TraceID      string        `json:"trace_id"`
	ClientIP     string        `json:"client_ip"`
	Subject      string        `json:"subject,omitempty"`
	TenantID     string        `json:"tenant_id,omitempty"`
	RouteName    string        `json:"route,omitempty"`
	InstanceURL  string        `json:"instance,omitempty"`
	RateLimitDim string        `json:"rate_limit_dim,omitempty"`
	BreakerState string        `json:"breaker_state,omitempty"`
	Outcome      string        `json:"outcome"`
	StatusCode   int           `json:"status_code"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		TraceID:      c.TraceID,
		ClientIP:     c.ClientIP,
		Subject:      c.Subject,
		TenantID:     c.TenantID,
		RouteName:    c.RouteName,
		InstanceURL:  c.InstanceURL,
		RateLimitDim: c.RateLimitDim,
		BreakerState: c.BreakerState,
		Outcome:      c.Outcome,
		StatusCode:   c.StatusCode,
		ErrorKind:    c.ErrorKind,
		Duration:     c.Duration(),
	}
}
