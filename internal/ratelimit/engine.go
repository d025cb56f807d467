package ratelimit

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/3xpluto/go-api-gateway/internal/clientid"
)

// Dimension is one of the five fixed evaluation scopes, always
// checked in this order with short-circuit deny on the first miss.
type Dimension string

const (
	DimensionIP     Dimension = "ip"
	DimensionUser   Dimension = "user"
	DimensionAPI    Dimension = "api"
	DimensionTenant Dimension = "tenant"
	DimensionGlobal Dimension = "global"
)

var evaluationOrder = []Dimension{
	DimensionIP, DimensionUser, DimensionAPI, DimensionTenant, DimensionGlobal,
}

// DimensionConfig configures one dimension's budget, multipliers and
// whitelist. The counting algorithm is not set here; it is whatever
// the dimension's Limiter implements.
type DimensionConfig struct {
	Enabled             bool
	RPS                 float64
	Burst               float64
	TrustedMultiplier   float64
	MobileMultiplier    float64
	WhitelistGlobs      []string
}

// EngineConfig wires a Limiter per dimension; dimensions sharing a
// backend share a Limiter instance. Algorithm is the configured
// counting strategy ("token_bucket" | "sliding_window" | "fixed_window"),
// carried through so a denied Verdict can report it.
type EngineConfig struct {
	Dimensions map[Dimension]DimensionConfig
	Limiters   map[Dimension]Limiter
	Algorithm  string
}

// Verdict is the outcome of evaluating all enabled dimensions.
type Verdict struct {
	Allowed   bool
	Dimension Dimension
	Decision  Decision
	Algorithm string
}

// Engine evaluates the five rate-limit dimensions in fixed order,
// generalizing the teacher's single-scope (ip/user) RateLimit
// middleware into the full multi-dimension design.
type Engine struct {
	cfg       EngineConfig
	log       *zap.Logger
	storeErrs prometheus.Counter
}

func NewEngine(cfg EngineConfig, log *zap.Logger, storeErrs prometheus.Counter) *Engine {
	return &Engine{cfg: cfg, log: log, storeErrs: storeErrs}
}

// Key identifies the caller/resource a dimension's limiter counts
// against.
type Key struct {
	IP       string
	Subject  string
	APIName  string
	TenantID string
}

// Evaluate runs every enabled dimension in order, returning the first
// deny encountered, or an allowed Verdict if none deny. A
// counter-store error is treated as fail-open (allowed) per dimension,
// matching the teacher's "avoid a global outage if Redis is down"
// policy, and is logged at Warn.
func (e *Engine) Evaluate(ctx context.Context, id clientid.Identity, k Key) Verdict {
	for _, dim := range evaluationOrder {
		cfg, ok := e.cfg.Dimensions[dim]
		if !ok || !cfg.Enabled {
			continue
		}
		if whitelisted(cfg.WhitelistGlobs, k) {
			continue
		}
		limiter := e.cfg.Limiters[dim]
		if limiter == nil {
			continue
		}
		rps, burst := scaledBudget(cfg, id)
		key := dimensionKey(dim, k)

		dec, err := limiter.Allow(ctx, key, rps, burst, 1)
		if err != nil {
			if e.log != nil {
				e.log.Warn("ratelimit_store_unavailable",
					zap.String("dimension", string(dim)), zap.Error(err))
			}
			if e.storeErrs != nil {
				e.storeErrs.Inc()
			}
			continue // fail-open
		}
		if !dec.Allowed {
			return Verdict{Allowed: false, Dimension: dim, Decision: dec, Algorithm: e.cfg.Algorithm}
		}
	}
	return Verdict{Allowed: true}
}

func scaledBudget(cfg DimensionConfig, id clientid.Identity) (rps, burst float64) {
	mult := 1.0
	if id.Trusted && cfg.TrustedMultiplier > 0 {
		mult = cfg.TrustedMultiplier
	} else if id.UAClass == clientid.ClassMobile && cfg.MobileMultiplier > 0 {
		mult = cfg.MobileMultiplier
	}
	return cfg.RPS * mult, cfg.Burst * mult
}

func dimensionKey(dim Dimension, k Key) string {
	switch dim {
	case DimensionIP:
		return fmt.Sprintf("rl:ip:%s", k.IP)
	case DimensionUser:
		return fmt.Sprintf("rl:user:%s", k.Subject)
	case DimensionAPI:
		return fmt.Sprintf("rl:api:%s", k.APIName)
	case DimensionTenant:
		return fmt.Sprintf("rl:tenant:%s", k.TenantID)
	case DimensionGlobal:
		return "rl:global"
	default:
		return "rl:unknown"
	}
}

func whitelisted(globs []string, k Key) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, k.APIName); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, k.IP); ok {
			return true
		}
	}
	return false
}
