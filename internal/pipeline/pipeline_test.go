package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

func TestStatusForMapsKnownKinds(t *testing.T) {
	cases := map[Kind]int{
		KindRateLimited:     http.StatusTooManyRequests,
		KindUnauthorized:    http.StatusUnauthorized,
		KindForbidden:       http.StatusForbidden,
		KindCircuitOpen:     http.StatusServiceUnavailable,
		KindTooBusy:         http.StatusServiceUnavailable,
		KindNoInstance:      http.StatusServiceUnavailable,
		KindNoRoute:         http.StatusNotFound,
		KindRequestTooLarge: http.StatusRequestEntityTooLarge,
		KindUpstream:        http.StatusBadGateway,
		KindUpstreamTimeout: http.StatusGatewayTimeout,
		KindInternal:        http.StatusInternalServerError,
		KindNone:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusFor(kind); got != want {
			t.Errorf("StatusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestOutcomeConstructorsSetExpectedTags(t *testing.T) {
	if c := Continue(); !c.IsContinue() || c.IsError() {
		t.Fatalf("Continue() produced unexpected outcome: %+v", c)
	}
	if sc := ShortCircuit(); sc.Tag != TagShortCircuit || sc.IsContinue() || sc.IsError() {
		t.Fatalf("ShortCircuit() produced unexpected outcome: %+v", sc)
	}
	err := Error(KindUpstream, http.ErrHandlerTimeout)
	if !err.IsError() || err.Kind != KindUpstream || err.Err != http.ErrHandlerTimeout {
		t.Fatalf("Error() produced unexpected outcome: %+v", err)
	}
	withDetail := ErrorWithDetail(KindRateLimited, nil, map[string]any{"retry_after": 5})
	if withDetail.Detail["retry_after"] != 5 {
		t.Fatalf("expected detail to be preserved, got %+v", withDetail.Detail)
	}
	withHeaders := ErrorWithHeaders(KindForbidden, nil, map[string]string{"X-Reason": "blocked"})
	if withHeaders.Headers["X-Reason"] != "blocked" {
		t.Fatalf("expected headers to be preserved, got %+v", withHeaders.Headers)
	}
}

func TestSecurityHeadersFilterSetsHardeningHeaders(t *testing.T) {
	f := &SecurityHeadersFilter{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)

	out := f.Run(reqctx.New(req), rec, req)
	if !out.IsContinue() {
		t.Fatalf("expected SecurityHeadersFilter to always continue, got %+v", out)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected X-Content-Type-Options to be set")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected default no-store cache policy, got %q", rec.Header().Get("Cache-Control"))
	}
}

func TestSecurityHeadersFilterAppliesStaticCachePolicyByPrefix(t *testing.T) {
	f := &SecurityHeadersFilter{StaticCachePrefixes: []string{"/static/"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/static/logo.png", nil)

	f.Run(reqctx.New(req), rec, req)
	if rec.Header().Get("Cache-Control") != "public, max-age=300" {
		t.Fatalf("expected static cache policy, got %q", rec.Header().Get("Cache-Control"))
	}
}

type fakeFilter struct {
	name string
	out  Outcome
	run  func(rc *reqctx.Context)
}

func (f *fakeFilter) Name() string { return f.name }

func (f *fakeFilter) Run(rc *reqctx.Context, w http.ResponseWriter, r *http.Request) Outcome {
	if f.run != nil {
		f.run(rc)
	}
	return f.out
}

type recordingSink struct {
	recorded *reqctx.Context
}

func (s *recordingSink) RecordFinal(rc *reqctx.Context) { s.recorded = rc }

func TestCoordinatorRunsAllFiltersOnContinue(t *testing.T) {
	var calls []string
	f1 := &fakeFilter{name: "one", out: Continue(), run: func(rc *reqctx.Context) { calls = append(calls, "one") }}
	f2 := &fakeFilter{name: "two", out: Continue(), run: func(rc *reqctx.Context) { calls = append(calls, "two") }}
	sink := &recordingSink{}
	c := New(zaptest.NewLogger(t), sink, f1, f2)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)

	if len(calls) != 2 || calls[0] != "one" || calls[1] != "two" {
		t.Fatalf("expected both filters to run in order, got %v", calls)
	}
	if sink.recorded == nil || sink.recorded.Outcome != "continue" {
		t.Fatalf("expected a final snapshot with outcome continue, got %+v", sink.recorded)
	}
	if rec.Header().Get("X-Trace-Id") == "" {
		t.Fatal("expected a trace id header to be set")
	}
}

func TestCoordinatorStopsOnShortCircuit(t *testing.T) {
	var calls []string
	f1 := &fakeFilter{name: "one", out: ShortCircuit(), run: func(rc *reqctx.Context) { calls = append(calls, "one") }}
	f2 := &fakeFilter{name: "two", out: Continue(), run: func(rc *reqctx.Context) { calls = append(calls, "two") }}
	sink := &recordingSink{}
	c := New(zaptest.NewLogger(t), sink, f1, f2)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	c.ServeHTTP(httptest.NewRecorder(), req)

	if len(calls) != 1 {
		t.Fatalf("expected the chain to stop after the short-circuiting filter, got %v", calls)
	}
	if sink.recorded.Outcome != "short_circuit" {
		t.Fatalf("expected outcome short_circuit, got %q", sink.recorded.Outcome)
	}
}

func TestCoordinatorRendersErrorOutcomeAsJSON(t *testing.T) {
	f1 := &fakeFilter{name: "one", out: ErrorWithHeaders(KindRateLimited, nil, map[string]string{"Retry-After": "1"})}
	sink := &recordingSink{}
	c := New(zaptest.NewLogger(t), sink, f1)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatal("expected the outcome's headers to be applied to the response")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatal("expected a JSON content type")
	}
	if sink.recorded.Outcome != "error" || sink.recorded.ErrorKind != string(KindRateLimited) {
		t.Fatalf("expected final snapshot to capture the error kind, got %+v", sink.recorded)
	}
}

func TestCoordinatorWorksWithoutASink(t *testing.T) {
	f1 := &fakeFilter{name: "one", out: Continue()}
	c := New(zaptest.NewLogger(t), nil, f1)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	c.ServeHTTP(httptest.NewRecorder(), req)
}
