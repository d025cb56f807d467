// Package health implements the health loop (C10): periodic liveness
// probes against each route's instances, publishing healthy/unhealthy
// transitions by flipping each Instance's atomic Healthy flag so the
// hot request path never blocks on probe state.
// New package; the teacher has no equivalent, so this follows the
// hardened-transport convention of internal/proxy.NewTransport.
package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/go-api-gateway/internal/route"
)

// Config controls one route's probe cadence and thresholds.
type Config struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
}

func DefaultConfig() Config {
	return Config{
		Path:               "/healthz",
		Interval:           10 * time.Second,
		Timeout:            2 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}
}

type probeState struct {
	consecutiveOK   int
	consecutiveBad  int
}

// Loop owns the background goroutines probing every route's instance
// set.
type Loop struct {
	client *http.Client
	log    *zap.Logger
	stopCh chan struct{}
}

func NewLoop(transport http.RoundTripper, log *zap.Logger) *Loop {
	return &Loop{
		client: &http.Client{Transport: transport},
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Watch starts probing every instance in set at the given cadence
// until Stop is called. Each route gets its own goroutine.
func (l *Loop) Watch(routeName string, set *route.InstanceSet, cfg Config) {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	go l.run(routeName, set, cfg)
}

func (l *Loop) run(routeName string, set *route.InstanceSet, cfg Config) {
	states := make(map[*route.Instance]*probeState)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			for _, inst := range set.All() {
				st, ok := states[inst]
				if !ok {
					st = &probeState{}
					states[inst] = st
				}
				l.probe(routeName, inst, st, cfg)
			}
		}
	}
}

func (l *Loop) probe(routeName string, inst *route.Instance, st *probeState, cfg Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	url := inst.URL.String() + cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	ok := false
	if err == nil {
		resp, derr := l.client.Do(req)
		if derr == nil {
			ok = resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close()
		}
	}

	wasHealthy := inst.Healthy.Load()
	if ok {
		st.consecutiveOK++
		st.consecutiveBad = 0
		if !wasHealthy && st.consecutiveOK >= cfg.HealthyThreshold {
			inst.Healthy.Store(true)
			l.logTransition(routeName, inst, true)
		}
	} else {
		st.consecutiveBad++
		st.consecutiveOK = 0
		if wasHealthy && st.consecutiveBad >= cfg.UnhealthyThreshold {
			inst.Healthy.Store(false)
			l.logTransition(routeName, inst, false)
		}
	}
}

func (l *Loop) logTransition(routeName string, inst *route.Instance, healthy bool) {
	if l.log == nil {
		return
	}
	l.log.Info("instance_health_transition",
		zap.String("route", routeName),
		zap.String("instance", inst.URL.String()),
		zap.Bool("healthy", healthy))
}

func (l *Loop) Stop() {
	close(l.stopCh)
}
