package forward

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/3xpluto/go-api-gateway/internal/breaker"
	"github.com/3xpluto/go-api-gateway/internal/mw"
	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/proxy"
	"github.com/3xpluto/go-api-gateway/internal/reqctx"
	"github.com/3xpluto/go-api-gateway/internal/route"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func noopBreakers() *breaker.Registry {
	return breaker.NewRegistry(func(string) breaker.Config { return breaker.Config{Enabled: false} })
}

func runForward(t *testing.T, f *Filter, rt proxy.Route, inst *route.Instance, method, path string) (pipeline.Outcome, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rc := reqctx.New(req)
	rc.Set(route.AttrRoute, &rt)
	rc.Set(route.AttrInstance, inst)
	rec := httptest.NewRecorder()
	return f.Run(rc, rec, req), rec
}

func TestForwardDispatchesSuccessfully(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	f := NewFilter(http.DefaultTransport, noopBreakers(), DefaultRetryPolicy(), nil, nil, zaptest.NewLogger(t))
	out, _ := runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodGet, "/x")
	if out.Tag != pipeline.TagShortCircuit {
		t.Fatalf("expected short-circuit after successful dispatch, got %+v", out)
	}
}

func TestForwardRetriesIdempotentMethodOnRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	f := NewFilter(http.DefaultTransport, noopBreakers(), DefaultRetryPolicy(), nil, nil, zaptest.NewLogger(t))
	out, _ := runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodGet, "/x")
	if out.Tag != pipeline.TagShortCircuit {
		t.Fatalf("expected short-circuit after retry succeeds, got %+v", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts for an idempotent GET, got %d", calls.Load())
	}
}

func TestForwardDoesNotRetryNonIdempotentMethod(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	f := NewFilter(http.DefaultTransport, noopBreakers(), DefaultRetryPolicy(), nil, nil, zaptest.NewLogger(t))
	runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodPost, "/x")
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 attempt for a POST, got %d", calls.Load())
	}
}

func TestForwardFallsBackWhenCircuitOpen(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("fallback"))
	}))
	defer fallback.Close()

	breakers := breaker.NewRegistry(func(string) breaker.Config {
		return breaker.Config{Enabled: true, FailureRateThresh: 0.1, MinCalls: 1, OpenDuration: time.Minute}
	})
	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	f := NewFilter(http.DefaultTransport, breakers, RetryPolicy{MaxAttempts: 1}, map[string]string{"r1": fallback.URL}, nil, zaptest.NewLogger(t))

	// first call trips the breaker
	runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodPost, "/x")

	out, rec := runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodPost, "/x")
	if out.Tag != pipeline.TagShortCircuit {
		t.Fatalf("expected fallback dispatch to short-circuit, got %+v", out)
	}
	if rec.Body.String() != "fallback" {
		t.Fatalf("expected fallback response body, got %q", rec.Body.String())
	}
}

func TestForwardReturnsCircuitOpenWithoutFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	breakers := breaker.NewRegistry(func(string) breaker.Config {
		return breaker.Config{Enabled: true, FailureRateThresh: 0.1, MinCalls: 1, OpenDuration: time.Minute}
	})
	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	f := NewFilter(http.DefaultTransport, breakers, RetryPolicy{MaxAttempts: 1}, nil, nil, zaptest.NewLogger(t))

	runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodPost, "/x")
	out, _ := runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodPost, "/x")
	if out.Kind != pipeline.KindCircuitOpen {
		t.Fatalf("expected circuit_open, got %+v", out)
	}
}

func TestForwardTooBusyWhenConcurrencyLimitExhausted(t *testing.T) {
	block := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	sems := map[string]*mw.Semaphore{"r1": mw.NewSemaphore(1)}
	f := NewFilter(http.DefaultTransport, noopBreakers(), RetryPolicy{MaxAttempts: 1}, nil, sems, zaptest.NewLogger(t))

	done := make(chan pipeline.Outcome, 1)
	go func() {
		out, _ := runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodGet, "/x")
		done <- out
	}()
	time.Sleep(30 * time.Millisecond) // let the first call acquire the semaphore

	out, _ := runForward(t, f, proxy.Route{Name: "r1"}, inst, http.MethodGet, "/x")
	if out.Kind != pipeline.KindTooBusy {
		t.Fatalf("expected too_busy while the slot is held, got %+v", out)
	}

	close(block)
	<-done
}
