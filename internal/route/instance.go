// Package route implements the route resolver's instance-selection
// half (C6): picking a healthy service instance for a matched route
// via round-robin, random, least-connections, or weighted
// response-time policies, plus sticky sessions. The path/method/header
// matching half lives in internal/proxy, which this package builds on.
package route

import (
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Instance is one upstream target behind a route.
type Instance struct {
	URL     *url.URL
	Weight  int
	Healthy atomic.Bool

	inFlight  atomic.Int64
	ewmaRT    atomic.Int64 // nanoseconds, fixed-point
}

func NewInstance(u *url.URL, weight int) *Instance {
	inst := &Instance{URL: u, Weight: weight}
	inst.Healthy.Store(true)
	return inst
}

// Observe records a completed call's latency for the EWMA used by the
// weighted-response-time policy.
func (i *Instance) Observe(d time.Duration) {
	const alpha = 0.2
	prev := i.ewmaRT.Load()
	if prev == 0 {
		i.ewmaRT.Store(d.Nanoseconds())
		return
	}
	next := int64(alpha*float64(d.Nanoseconds()) + (1-alpha)*float64(prev))
	i.ewmaRT.Store(next)
}

func (i *Instance) AvgLatency() time.Duration {
	return time.Duration(i.ewmaRT.Load())
}

// Algorithm selects among healthy instances.
type Algorithm string

const (
	AlgoRoundRobin           Algorithm = "round_robin"
	AlgoRandom               Algorithm = "random"
	AlgoLeastConnections     Algorithm = "least_connections"
	AlgoWeightedResponseTime Algorithm = "weighted_response_time"
)

// InstanceSet holds the live instance list for one route. The list is
// held behind an atomic pointer so replacing it never blocks request
// handling.
type InstanceSet struct {
	ptr atomic.Pointer[[]*Instance]

	mu      sync.Mutex
	rrIndex atomic.Uint64
	algo    Algorithm
}

func NewInstanceSet(algo Algorithm, instances []*Instance) *InstanceSet {
	s := &InstanceSet{algo: algo}
	cp := append([]*Instance(nil), instances...)
	s.ptr.Store(&cp)
	return s
}

// Swap atomically replaces the instance list. The health loop does not
// call it; liveness changes are applied through each Instance's
// Healthy flag.
func (s *InstanceSet) Swap(instances []*Instance) {
	cp := append([]*Instance(nil), instances...)
	s.ptr.Store(&cp)
}

func (s *InstanceSet) All() []*Instance {
	p := s.ptr.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *InstanceSet) healthy() []*Instance {
	all := s.All()
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if inst.Healthy.Load() {
			out = append(out, inst)
		}
	}
	return out
}

// Pick selects one healthy instance, or nil if none are healthy.
// stickyKey, when non-empty, pins selection via xxhash so repeat
// calls with the same key land on the same instance as long as it
// stays healthy.
func (s *InstanceSet) Pick(stickyKey string) *Instance {
	healthy := s.healthy()
	if len(healthy) == 0 {
		return nil
	}
	if stickyKey != "" {
		h := xxhash.Sum64String(stickyKey)
		return healthy[h%uint64(len(healthy))]
	}

	switch s.algo {
	case AlgoRandom:
		return healthy[rand.Intn(len(healthy))]
	case AlgoLeastConnections:
		best := healthy[0]
		for _, inst := range healthy[1:] {
			if inst.inFlight.Load() < best.inFlight.Load() {
				best = inst
			}
		}
		return best
	case AlgoWeightedResponseTime:
		best := healthy[0]
		for _, inst := range healthy[1:] {
			if inst.AvgLatency() > 0 && (best.AvgLatency() == 0 || inst.AvgLatency() < best.AvgLatency()) {
				best = inst
			}
		}
		return best
	case AlgoRoundRobin:
		fallthrough
	default:
		idx := s.rrIndex.Add(1) - 1
		return healthy[idx%uint64(len(healthy))]
	}
}

// Begin/End track in-flight calls for the least-connections policy.
func (i *Instance) Begin() { i.inFlight.Add(1) }
func (i *Instance) End()   { i.inFlight.Add(-1) }
