// Package config loads and validates the gateway's YAML configuration,
// generalizing the teacher's internal/config to the full rate-limit
// dimension / circuit-breaker / load-balancer / health-check surface
// the multi-tenant pipeline needs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Admin     AdminConfig      `yaml:"admin"`
	Auth      AuthConfig       `yaml:"auth"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Routes    []RouteConfig    `yaml:"routes"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	ShutdownGraceSeconds     int      `yaml:"shutdown_grace_seconds"`
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Env   string `yaml:"env"`
}

type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleFraction float64 `yaml:"sample_fraction"`
}

type AdminConfig struct {
	Key string `yaml:"key"`
}

type AuthConfig struct {
	Mode          string         `yaml:"mode"` // "hmac" | "jwks"
	HMACSecret    string         `yaml:"hmac_secret"`
	JWKS          JWKSAuthConfig `yaml:"jwks"`
	PathWhitelist []string       `yaml:"path_whitelist"`
	AdminPrefix   string         `yaml:"admin_prefix"`
	AdminRoles    []string       `yaml:"admin_roles"`
}

type JWKSAuthConfig struct {
	URL                string   `yaml:"url"`
	CacheTTLSeconds    int      `yaml:"cache_ttl_seconds"`
	HTTPTimeoutSeconds int      `yaml:"http_timeout_seconds"`
	LeewaySeconds      int      `yaml:"leeway_seconds"`
	Issuers            []string `yaml:"issuers"`
	Audiences          []string `yaml:"audiences"`
	RolesClaim         string   `yaml:"roles_claim"`
	TenantClaim        string   `yaml:"tenant_claim"`
}

// RateLimitConfig configures the counter-store backend and the
// per-dimension budgets the engine evaluates in fixed order.
type RateLimitConfig struct {
	Backend    string                     `yaml:"backend"` // "redis" | "memory"
	Algorithm  string                     `yaml:"algorithm"` // "sliding_window" | "token_bucket" | "fixed_window"
	WindowSeconds int                     `yaml:"window_seconds"`
	Redis      RedisConfig                `yaml:"redis"`
	Memory     MemoryRLConfig             `yaml:"memory"`
	Dimensions map[string]DimensionConfig `yaml:"dimensions"`
}

type DimensionConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RPS               float64  `yaml:"rps"`
	Burst             float64  `yaml:"burst"`
	TrustedMultiplier float64  `yaml:"trusted_multiplier"`
	MobileMultiplier  float64  `yaml:"mobile_multiplier"`
	Whitelist         []string `yaml:"whitelist"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MemoryRLConfig struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
	TTLSeconds     int `yaml:"ttl_seconds"`
}

type RouteConcurrency struct {
	MaxInFlight int `yaml:"max_in_flight"`
}

type RouteCircuitBreaker struct {
	Enabled             bool    `yaml:"enabled"`
	FailureRateThresh   float64 `yaml:"failure_rate_threshold"`
	SlowRateThresh      float64 `yaml:"slow_rate_threshold"`
	SlowCallMillis      int     `yaml:"slow_call_millis"`
	MinCalls            int     `yaml:"min_calls"`
	OpenSeconds         int     `yaml:"open_seconds"`
	HalfOpenMaxInFlight int     `yaml:"half_open_max_in_flight"`
	RollingWindowSeconds int    `yaml:"rolling_window_seconds"`
	FallbackURI         string  `yaml:"fallback_uri"`
}

type HealthCheckConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path"`
	IntervalSeconds    int    `yaml:"interval_seconds"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
}

type LoadBalancerConfig struct {
	Algorithm string `yaml:"algorithm"` // round_robin | random | least_connections | weighted_response_time
	Sticky    bool   `yaml:"sticky"`
}

type InstanceConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

type RouteConfig struct {
	Name           string              `yaml:"name"`
	Status         string              `yaml:"status"` // "active" | "inactive" | "disabled" | "maintenance"
	Match          MatchConfig         `yaml:"match"`
	Priority       int                 `yaml:"priority"`
	Upstream       string              `yaml:"upstream"` // single-instance shorthand
	Instances      []InstanceConfig    `yaml:"instances"`
	LoadBalancer   LoadBalancerConfig  `yaml:"load_balancer"`
	// StripPrefixSegments drops this many leading "/"-delimited path
	// segments before the request reaches the upstream.
	StripPrefixSegments int               `yaml:"strip_prefix_segments"`
	PreserveHost        bool              `yaml:"preserve_host"`
	AddHeaders          map[string]string `yaml:"add_headers"`
	RemoveHeaders       []string          `yaml:"remove_headers"`
	AuthRequired        bool              `yaml:"auth_required"`
	RateLimit           RouteRLConfig     `yaml:"rate_limit"`
	Concurrency         RouteConcurrency  `yaml:"concurrency"`
	CircuitBreaker      RouteCircuitBreaker `yaml:"circuit_breaker"`
	HealthCheck         HealthCheckConfig   `yaml:"health_check"`
}

type MatchConfig struct {
	PathPrefix string            `yaml:"path_prefix"` // legacy shorthand, converted to a glob
	PathGlob   string            `yaml:"path_glob"`
	Methods    []string          `yaml:"methods"`
	Headers    map[string]string `yaml:"headers"`
}

type RouteRLConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   float64 `yaml:"burst"`
	Scope   string  `yaml:"scope"` // "user" | "ip"
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with the environment's
// values, following the flat-struct-plus-defaults convention while
// keeping secrets out of the YAML file itself.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return m
	})
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = expandEnv(b)

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 15
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 256
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 64
	}

	if cfg.Auth.JWKS.CacheTTLSeconds == 0 {
		cfg.Auth.JWKS.CacheTTLSeconds = 300
	}
	if cfg.Auth.JWKS.HTTPTimeoutSeconds == 0 {
		cfg.Auth.JWKS.HTTPTimeoutSeconds = 3
	}
	if cfg.Auth.JWKS.LeewaySeconds == 0 {
		cfg.Auth.JWKS.LeewaySeconds = 30
	}

	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.Algorithm == "" {
		cfg.RateLimit.Algorithm = "token_bucket"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "api-gateway"
	}
	if cfg.Tracing.SampleFraction == 0 {
		cfg.Tracing.SampleFraction = 1.0
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Status == "" {
			r.Status = "active"
		}
		if r.Match.PathGlob == "" && r.Match.PathPrefix != "" {
			r.Match.PathGlob = strings.TrimPrefix(r.Match.PathPrefix, "/") + "**"
		}
		if r.LoadBalancer.Algorithm == "" {
			r.LoadBalancer.Algorithm = "round_robin"
		}
		if r.CircuitBreaker.OpenSeconds == 0 {
			r.CircuitBreaker.OpenSeconds = 10
		}
		if r.CircuitBreaker.HalfOpenMaxInFlight == 0 {
			r.CircuitBreaker.HalfOpenMaxInFlight = 1
		}
		if r.CircuitBreaker.MinCalls == 0 {
			r.CircuitBreaker.MinCalls = 10
		}
		if r.CircuitBreaker.FailureRateThresh == 0 {
			r.CircuitBreaker.FailureRateThresh = 0.5
		}
		if r.CircuitBreaker.RollingWindowSeconds == 0 {
			r.CircuitBreaker.RollingWindowSeconds = 30
		}
		if r.HealthCheck.Path == "" {
			r.HealthCheck.Path = "/healthz"
		}
		if r.HealthCheck.IntervalSeconds == 0 {
			r.HealthCheck.IntervalSeconds = 10
		}
		if r.HealthCheck.TimeoutSeconds == 0 {
			r.HealthCheck.TimeoutSeconds = 2
		}
		if r.HealthCheck.HealthyThreshold == 0 {
			r.HealthCheck.HealthyThreshold = 2
		}
		if r.HealthCheck.UnhealthyThreshold == 0 {
			r.HealthCheck.UnhealthyThreshold = 3
		}
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return errors.New("no routes configured")
	}

	seenNames := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if _, ok := seenNames[name]; ok {
			return fmt.Errorf("duplicate route name: %q", name)
		}
		seenNames[name] = struct{}{}

		if r.Match.PathGlob == "" {
			return fmt.Errorf("%s.match.path_glob or path_prefix is required", idx)
		}

		if r.Upstream == "" && len(r.Instances) == 0 {
			return fmt.Errorf("%s needs either upstream or instances", idx)
		}
		if r.Upstream != "" {
			if _, err := url.Parse(r.Upstream); err != nil {
				return fmt.Errorf("%s.upstream invalid: %v", idx, err)
			}
		}
		for j, inst := range r.Instances {
			if _, err := url.Parse(inst.URL); err != nil {
				return fmt.Errorf("%s.instances[%d] invalid: %v", idx, j, err)
			}
		}

		if r.StripPrefixSegments < 0 {
			return fmt.Errorf("%s.strip_prefix_segments must be >= 0", idx)
		}

		switch strings.ToLower(strings.TrimSpace(r.Status)) {
		case "", "active", "inactive", "disabled", "maintenance":
		default:
			return fmt.Errorf("%s.status invalid: %q", idx, r.Status)
		}

		if r.RateLimit.Enabled {
			if r.RateLimit.RPS <= 0 {
				return fmt.Errorf("%s.rate_limit.rps must be > 0 when enabled", idx)
			}
			if r.RateLimit.Burst <= 0 {
				return fmt.Errorf("%s.rate_limit.burst must be > 0 when enabled", idx)
			}
			s := strings.ToLower(strings.TrimSpace(r.RateLimit.Scope))
			if s != "ip" && s != "user" {
				return fmt.Errorf("%s.rate_limit.scope must be 'ip' or 'user'", idx)
			}
		}

		switch strings.ToLower(r.LoadBalancer.Algorithm) {
		case "round_robin", "random", "least_connections", "weighted_response_time":
		default:
			return fmt.Errorf("%s.load_balancer.algorithm invalid: %q", idx, r.LoadBalancer.Algorithm)
		}
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
	}
	if backend == "redis" && strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}
	for dim, dc := range cfg.RateLimit.Dimensions {
		if dc.Enabled && dc.RPS <= 0 {
			return fmt.Errorf("rate_limit.dimensions[%s].rps must be > 0 when enabled", dim)
		}
	}

	if cfg.Auth.Mode != "" {
		mode := strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
		switch mode {
		case "hmac":
			if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
				return fmt.Errorf("auth.hmac_secret is required when auth.mode is hmac")
			}
		case "jwks":
			if strings.TrimSpace(cfg.Auth.JWKS.URL) == "" {
				return fmt.Errorf("auth.jwks.url is required when auth.mode is jwks")
			}
			if _, err := url.Parse(cfg.Auth.JWKS.URL); err != nil {
				return fmt.Errorf("auth.jwks.url invalid: %v", err)
			}
		default:
			return fmt.Errorf("auth.mode must be 'hmac' or 'jwks'")
		}
	}
	return nil
}
