package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/3xpluto/go-api-gateway/internal/clientid"
	"github.com/3xpluto/go-api-gateway/internal/netx"
	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

func TestFilterContinuesWithinBudget(t *testing.T) {
	engine := NewEngine(EngineConfig{
		Dimensions: map[Dimension]DimensionConfig{DimensionIP: {Enabled: true, RPS: 100, Burst: 100}},
		Limiters:   map[Dimension]Limiter{DimensionIP: NewMemoryLimiter(time.Minute, time.Minute)},
	}, nil, nil)
	resolver := clientid.NewResolver(netx.DefaultTrustedSet(), 0)
	f := NewFilter(engine, resolver)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rc := reqctx.New(req)
	out := f.Run(rc, httptest.NewRecorder(), req)
	if !out.IsContinue() {
		t.Fatalf("expected continue within budget, got %+v", out)
	}
}

func TestFilterDeniesAndSetsHeaders(t *testing.T) {
	engine := NewEngine(EngineConfig{
		Dimensions: map[Dimension]DimensionConfig{DimensionIP: {Enabled: true, RPS: 1, Burst: 1}},
		Limiters:   map[Dimension]Limiter{DimensionIP: NewMemoryLimiter(time.Minute, time.Minute)},
	}, nil, nil)
	resolver := clientid.NewResolver(netx.DefaultTrustedSet(), 0)
	f := NewFilter(engine, resolver)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rc := reqctx.New(req)
	f.Run(rc, httptest.NewRecorder(), req) // consume the single token

	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.RemoteAddr = "203.0.113.5:1234"
	rc2 := reqctx.New(req2)
	out := f.Run(rc2, httptest.NewRecorder(), req2)
	if out.Kind != pipeline.KindRateLimited {
		t.Fatalf("expected rate_limited, got %+v", out)
	}
	if out.Headers["X-RateLimit-Type"] != "ip" {
		t.Fatalf("expected type header to be ip, got %+v", out.Headers)
	}
	if out.Headers["X-RateLimit-Reset"] == "" {
		t.Fatalf("expected a reset header, got %+v", out.Headers)
	}
	if rc2.RateLimitDim != "ip" {
		t.Fatalf("expected request context dimension to be set, got %q", rc2.RateLimitDim)
	}
}
