package pipeline

import (
	"net/http"
	"strings"

	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

// SecurityHeadersFilter sets the standard hardening response headers
// and a path-family cache-control policy, supplementing the teacher's
// bare proxy with the response-shaping the full resolver calls for.
type SecurityHeadersFilter struct {
	StaticCachePrefixes []string
}

func (f *SecurityHeadersFilter) Name() string { return "security_headers" }

func (f *SecurityHeadersFilter) Run(rc *reqctx.Context, w http.ResponseWriter, r *http.Request) Outcome {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	h.Set("Content-Security-Policy", "default-src 'self'")

	for _, prefix := range f.StaticCachePrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			h.Set("Cache-Control", "public, max-age=300")
			return Continue()
		}
	}
	h.Set("Cache-Control", "no-store")
	return Continue()
}
