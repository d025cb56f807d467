// Package forward implements the pipeline's forwarder (C7): streams
// the request to the instance the resolver picked, wrapped by that
// route's circuit breaker, with retry-with-backoff for idempotent
// methods against configured retryable status codes. Grounded on the
// teacher's internal/proxy.BuildProxy streaming reverse proxy.
package forward

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/3xpluto/go-api-gateway/internal/breaker"
	"github.com/3xpluto/go-api-gateway/internal/httpx"
	"github.com/3xpluto/go-api-gateway/internal/mw"
	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/proxy"
	"github.com/3xpluto/go-api-gateway/internal/reqctx"
	"github.com/3xpluto/go-api-gateway/internal/route"
)

var idempotentMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodOptions: true,
	http.MethodPut: true, http.MethodDelete: true,
}

// RetryPolicy configures retry-with-backoff for idempotent calls.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryableCodes  map[int]bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		RetryableCodes:  map[int]bool{502: true, 503: true, 504: true},
	}
}

// Filter dispatches the request to the resolved instance through the
// route's breaker, retrying idempotent requests per RetryPolicy, and
// falls back to a configured URI when the breaker is open.
type Filter struct {
	transport http.RoundTripper
	breakers  *breaker.Registry
	retry     RetryPolicy
	fallback  map[string]string        // route name -> fallback URI
	sems      map[string]*mw.Semaphore // route name -> per-route concurrency limit
	log       *zap.Logger
}

func NewFilter(transport http.RoundTripper, breakers *breaker.Registry, retry RetryPolicy, fallback map[string]string, sems map[string]*mw.Semaphore, log *zap.Logger) *Filter {
	return &Filter{transport: transport, breakers: breakers, retry: retry, fallback: fallback, sems: sems, log: log}
}

func (f *Filter) Name() string { return "forward" }

func (f *Filter) Run(rc *reqctx.Context, w http.ResponseWriter, r *http.Request) pipeline.Outcome {
	routeVal, _ := rc.Get(route.AttrRoute)
	rt, ok := routeVal.(*proxy.Route)
	if !ok {
		return pipeline.Error(pipeline.KindNoRoute, nil)
	}
	instVal, _ := rc.Get(route.AttrInstance)
	inst, ok := instVal.(*route.Instance)
	if !ok {
		return pipeline.Error(pipeline.KindNoInstance, nil)
	}

	if sem := f.sems[rt.Name]; sem.Enabled() {
		if !sem.TryAcquire() {
			return pipeline.Error(pipeline.KindTooBusy, nil)
		}
		defer sem.Release()
	}

	applyRewrites(rt, r)
	applyIdentityHeaders(rc, r)

	br := f.breakers.Get(rt.Name)

	buf, status, err := f.dispatchWithRetry(br, rt, inst, r)
	if errors.Is(err, breaker.ErrCircuitOpen) {
		rc.BreakerState = br.State()
		if uri := f.fallback[rt.Name]; uri != "" {
			return f.dispatchFallback(uri, w, r)
		}
		return pipeline.Error(pipeline.KindCircuitOpen, err)
	}
	rc.BreakerState = br.State()

	var classified *classifiedErr
	if errors.As(err, &classified) {
		return pipeline.Error(classified.kind, classified.err)
	}

	// Any remaining error is errUpstreamStatus: retries were exhausted
	// against a real upstream response, not a transport failure. Relay
	// that response to the client as-is rather than synthesizing one.
	buf.Flush(w)
	rc.StatusCode = status
	return pipeline.ShortCircuit()
}

// applyRewrites applies the route's §4.7 rewrite rules to the outbound
// request in place: strip-prefix(n) on the path, then header additions
// and removals.
func applyRewrites(rt *proxy.Route, r *http.Request) {
	if rt.StripPrefixSegments > 0 {
		r.URL.Path = proxy.StripPath(r.URL.Path, rt.StripPrefixSegments)
		r.URL.RawPath = ""
	}
	for k, v := range rt.AddHeaders {
		r.Header.Set(k, v)
	}
	for _, k := range rt.RemoveHeaders {
		r.Header.Del(k)
	}
}

// applyIdentityHeaders materializes the resolved request identity onto
// the outbound request before it reaches the upstream.
func applyIdentityHeaders(rc *reqctx.Context, r *http.Request) {
	r.Header.Set("X-Trace-Id", rc.TraceID)
	r.Header.Set("X-Request-Start-Time", strconv.FormatInt(rc.StartedAt.UnixMilli(), 10))
	if rc.Subject != "" {
		r.Header.Set("X-User-Id", rc.Subject)
	}
	if rc.TenantID != "" {
		r.Header.Set("X-Tenant-Id", rc.TenantID)
	}
	if len(rc.Roles) > 0 {
		r.Header.Set("X-User-Roles", strings.Join(rc.Roles, ","))
	}
	if rc.ClientIP != "" {
		r.Header.Set("X-Client-Id", rc.ClientIP)
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			r.Header.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
		} else {
			r.Header.Set("X-Forwarded-For", rc.ClientIP)
		}
	}
}

func (f *Filter) dispatchWithRetry(br *breaker.Breaker, rt *proxy.Route, inst *route.Instance, r *http.Request) (*httpx.ResponseBuffer, int, error) {
	policy := f.retry
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if !idempotentMethods[r.Method] {
		attempts = 1
	}

	var bodyBytes []byte
	hasBody := r.Body != nil && r.Body != http.NoBody
	if attempts > 1 && hasBody {
		b, err := io.ReadAll(r.Body)
		if err == nil {
			bodyBytes = b
		}
		r.Body.Close()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.Reset()

	var lastBuf *httpx.ResponseBuffer
	var lastStatus int
	var lastErr error
	for i := 0; i < attempts; i++ {
		if attempts > 1 && hasBody {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		buf, status, err := f.dispatchOnce(br, rt, inst, r)
		lastBuf, lastStatus, lastErr = buf, status, err
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return buf, status, err
		}
		var classified *classifiedErr
		if errors.As(err, &classified) {
			return buf, status, err
		}
		if !policy.RetryableCodes[status] {
			return buf, status, err
		}
		if i < attempts-1 {
			time.Sleep(bo.NextBackOff())
		}
	}
	return lastBuf, lastStatus, lastErr
}

// dispatchOnce proxies one attempt into a buffer rather than the real
// ResponseWriter, so a retried attempt never has to contend with bytes
// a prior failed attempt already streamed to the client.
func (f *Filter) dispatchOnce(br *breaker.Breaker, rt *proxy.Route, inst *route.Instance, r *http.Request) (*httpx.ResponseBuffer, int, error) {
	buf := httpx.NewResponseBuffer()

	var roundTripErr error
	proxyHandler := proxy.BuildProxy(inst.URL, f.transport, func(err error) { roundTripErr = err })
	if rt.PreserveHost {
		orig := proxyHandler.Director
		proxyHandler.Director = func(req *http.Request) {
			host := req.Host
			orig(req)
			req.Host = host
		}
	}

	inst.Begin()
	start := time.Now()
	_, err := br.Execute(r.Context(), func() (any, error) {
		proxyHandler.ServeHTTP(buf, r)
		if roundTripErr != nil {
			return nil, classifyRoundTripError(roundTripErr)
		}
		if buf.Status >= 500 {
			return nil, errUpstreamStatus(buf.Status)
		}
		return nil, nil
	})
	inst.Observe(time.Since(start))
	inst.End()
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return buf, 0, err
	}
	return buf, buf.Status, err
}

type errUpstreamStatus int

func (e errUpstreamStatus) Error() string { return "upstream returned 5xx" }

// classifiedErr tags a transport-level dispatch failure with the
// pipeline.Kind the coordinator should render it as, distinguishing a
// timed-out round trip from other upstream unavailability.
type classifiedErr struct {
	kind pipeline.Kind
	err  error
}

func (e *classifiedErr) Error() string { return e.err.Error() }
func (e *classifiedErr) Unwrap() error { return e.err }

func classifyRoundTripError(err error) *classifiedErr {
	if strings.Contains(err.Error(), "request body too large") {
		return &classifiedErr{kind: pipeline.KindRequestTooLarge, err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &classifiedErr{kind: pipeline.KindUpstreamTimeout, err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &classifiedErr{kind: pipeline.KindUpstreamTimeout, err: err}
	}
	return &classifiedErr{kind: pipeline.KindUpstream, err: err}
}

func (f *Filter) dispatchFallback(uri string, w http.ResponseWriter, r *http.Request) pipeline.Outcome {
	req, err := http.NewRequestWithContext(context.WithoutCancel(r.Context()), r.Method, uri, r.Body)
	if err != nil {
		return pipeline.Error(pipeline.KindUpstream, err)
	}
	req.Header = r.Header.Clone()
	client := &http.Client{Transport: f.transport, Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return pipeline.Error(pipeline.KindUpstream, err)
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return pipeline.ShortCircuit()
}
