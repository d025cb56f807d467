package health

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

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

func TestProbeMarksUnhealthyAfterThreshold(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	l := NewLoop(http.DefaultTransport, zaptest.NewLogger(t))
	cfg := Config{Path: "/", Interval: time.Second, Timeout: time.Second, HealthyThreshold: 2, UnhealthyThreshold: 2}
	st := &probeState{}

	l.probe("route", inst, st, cfg)
	if !inst.Healthy.Load() {
		t.Fatal("expected instance to stay healthy before reaching the unhealthy threshold")
	}
	l.probe("route", inst, st, cfg)
	if inst.Healthy.Load() {
		t.Fatal("expected instance to be marked unhealthy after two consecutive failures")
	}
}

func TestProbeRecoversAfterHealthyThreshold(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	inst.Healthy.Store(false)
	l := NewLoop(http.DefaultTransport, zaptest.NewLogger(t))
	cfg := Config{Path: "/", Interval: time.Second, Timeout: time.Second, HealthyThreshold: 2, UnhealthyThreshold: 2}
	st := &probeState{}

	l.probe("route", inst, st, cfg)
	if inst.Healthy.Load() {
		t.Fatal("expected instance to stay unhealthy before reaching the healthy threshold")
	}
	l.probe("route", inst, st, cfg)
	if !inst.Healthy.Load() {
		t.Fatal("expected instance to recover after two consecutive successes")
	}
}

func TestProbeUnreachableInstanceCountsAsFailure(t *testing.T) {
	inst := route.NewInstance(mustURL(t, "http://127.0.0.1:1"), 1)
	l := NewLoop(http.DefaultTransport, zaptest.NewLogger(t))
	cfg := Config{Path: "/", Interval: time.Second, Timeout: 100 * time.Millisecond, HealthyThreshold: 1, UnhealthyThreshold: 1}
	st := &probeState{}

	l.probe("route", inst, st, cfg)
	if inst.Healthy.Load() {
		t.Fatal("expected unreachable instance to be marked unhealthy")
	}
}

func TestWatchStopsCleanly(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	inst := route.NewInstance(mustURL(t, upstream.URL), 1)
	set := route.NewInstanceSet(route.AlgoRoundRobin, []*route.Instance{inst})
	l := NewLoop(http.DefaultTransport, zaptest.NewLogger(t))
	l.Watch("route", set, Config{Path: "/", Interval: 5 * time.Millisecond, Timeout: time.Second, HealthyThreshold: 1, UnhealthyThreshold: 1})

	time.Sleep(20 * time.Millisecond)
	l.Stop()
}
