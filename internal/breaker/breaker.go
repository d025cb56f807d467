// Package breaker implements the circuit breaker registry (C5): a
// per-route gobreaker instance tracking both failure-rate and
// slow-call-rate, since gobreaker's native Counts has no slow-call
// concept. Grounded on the teacher's internal/mw/circuit_breaker.go
// state machine (Closed/Open/HalfOpen, min-calls, half-open permits)
// reimplemented on top of github.com/sony/gobreaker/v2, the circuit
// breaker library carried by the rest of the retrieved example pack.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Config configures one route's breaker.
type Config struct {
	Enabled             bool
	FailureRateThresh   float64       // e.g. 0.5 -> trip at 50% failures
	SlowRateThresh      float64       // e.g. 0.5 -> trip at 50% slow calls
	SlowCallDuration     time.Duration // calls slower than this count as slow
	MinCalls            uint32        // minimum calls before tripping is considered
	OpenDuration        time.Duration
	HalfOpenMaxInFlight uint32
	RollingWindow       time.Duration // time-based window for Counts reset
	FallbackURI         string        // optional: dispatch here when open
}

// Breaker wraps one gobreaker instance plus the side slow-call
// counter gobreaker itself does not track.
type Breaker struct {
	cfg Config
	cb  *gobreaker.CircuitBreaker[any]

	mu        sync.Mutex
	slowCalls uint32
	calls     uint32
}

var ErrCircuitOpen = errors.New("circuit open")

func New(name string, cfg Config) *Breaker {
	if cfg.MinCalls == 0 {
		cfg.MinCalls = 10
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	if cfg.HalfOpenMaxInFlight == 0 {
		cfg.HalfOpenMaxInFlight = 1
	}
	if cfg.FailureRateThresh <= 0 {
		cfg.FailureRateThresh = 0.5
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 30 * time.Second
	}

	b := &Breaker{cfg: cfg}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxInFlight,
		Interval:    cfg.RollingWindow,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinCalls {
				return false
			}
			failRate := float64(counts.TotalFailures) / float64(counts.Requests)
			if failRate >= cfg.FailureRateThresh {
				return true
			}
			if cfg.SlowRateThresh > 0 {
				b.mu.Lock()
				slow, total := b.slowCalls, b.calls
				b.mu.Unlock()
				if total >= cfg.MinCalls && float64(slow)/float64(total) >= cfg.SlowRateThresh {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.slowCalls, b.calls = 0, 0
			b.mu.Unlock()
		},
	}
	b.cb = gobreaker.NewCircuitBreaker[any](settings)
	return b
}

// Execute runs fn through the breaker, tracking call duration against
// SlowCallDuration to feed the side slow-call counter.
func (b *Breaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if !b.cfg.Enabled {
		return fn()
	}
	res, err := b.cb.Execute(func() (any, error) {
		start := time.Now()
		res, err := fn()
		elapsed := time.Since(start)

		b.mu.Lock()
		b.calls++
		if b.cfg.SlowCallDuration > 0 && elapsed > b.cfg.SlowCallDuration {
			b.slowCalls++
		}
		b.mu.Unlock()

		return res, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return res, ErrCircuitOpen
	}
	return res, err
}

// State reports the current breaker state as a lowercase string
// matching the teacher's BreakerState vocabulary.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Stats exposes breaker health for the admin surface.
type Stats struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Counts  gobreaker.Counts `json:"counts"`
}

func (b *Breaker) Stats(name string) Stats {
	return Stats{Name: name, State: b.State(), Counts: b.cb.Counts()}
}

// Registry lazily creates and holds per-route breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      func(route string) Config
}

func NewRegistry(cfgFn func(route string) Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfgFn}
}

func (r *Registry) Get(route string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[route]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[route]; ok {
		return b
	}
	b = New(route, r.cfg(route))
	r.breakers[route] = b
	return b
}

func (r *Registry) All() map[string]*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}
