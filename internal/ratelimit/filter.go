package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/3xpluto/go-api-gateway/internal/clientid"
	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

// Filter adapts an Engine into a pipeline.Filter, setting the
// X-RateLimit-* response headers the teacher's middleware already
// produced for the single-dimension case.
type Filter struct {
	engine   *Engine
	resolver *clientid.Resolver
}

func NewFilter(engine *Engine, resolver *clientid.Resolver) *Filter {
	return &Filter{engine: engine, resolver: resolver}
}

func (f *Filter) Name() string { return "rate_limit" }

func (f *Filter) Run(rc *reqctx.Context, w http.ResponseWriter, r *http.Request) pipeline.Outcome {
	id := f.resolver.Resolve(r)
	rc.ClientIP = id.IP

	key := Key{
		IP:       id.IP,
		Subject:  rc.Subject,
		APIName:  r.URL.Path,
		TenantID: rc.TenantID,
	}
	v := f.engine.Evaluate(r.Context(), id, key)
	if v.Allowed {
		return pipeline.Continue()
	}

	rc.RateLimitDim = string(v.Dimension)
	reset := time.Now().Add(time.Duration(v.Decision.RetryAfterSeconds) * time.Second).Unix()
	headers := map[string]string{
		"X-RateLimit-Limit":     trimFloat(v.Decision.LimitRPS),
		"X-RateLimit-Remaining": trimFloat(v.Decision.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(reset, 10),
		"X-RateLimit-Type":      string(v.Dimension),
		"X-RateLimit-Algorithm": v.Algorithm,
		"Retry-After":           strconv.Itoa(v.Decision.RetryAfterSeconds),
	}
	return pipeline.ErrorWithHeaders(pipeline.KindRateLimited, nil, headers)
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
