package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3xpluto/go-api-gateway/internal/auth"
	"github.com/3xpluto/go-api-gateway/internal/breaker"
	"github.com/3xpluto/go-api-gateway/internal/clientid"
	"github.com/3xpluto/go-api-gateway/internal/config"
	"github.com/3xpluto/go-api-gateway/internal/forward"
	"github.com/3xpluto/go-api-gateway/internal/health"
	"github.com/3xpluto/go-api-gateway/internal/logging"
	"github.com/3xpluto/go-api-gateway/internal/mw"
	"github.com/3xpluto/go-api-gateway/internal/netx"
	"github.com/3xpluto/go-api-gateway/internal/otelx"
	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/proxy"
	"github.com/3xpluto/go-api-gateway/internal/ratelimit"
	"github.com/3xpluto/go-api-gateway/internal/route"
	"github.com/3xpluto/go-api-gateway/internal/trace"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log, err := logging.FromEnv()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok")
		return
	}

	ctx := context.Background()
	tp, err := otelx.New(ctx, otelx.Config{
		Enabled:        cfg.Tracing.Enabled,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		SampleFraction: cfg.Tracing.SampleFraction,
	})
	if err != nil {
		log.Error("failed to init tracing", zap.Error(err))
		os.Exit(1)
	}
	defer tp.Shutdown(ctx)

	reg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(reg)

	limiterByDim, closeLimiter := buildLimiters(cfg, log)
	defer closeLimiter()

	transport := buildTransport(cfg)

	validator, jwksValidator := buildValidator(cfg, log)

	routeSet, breakers, sems, healthLoop := buildRoutes(cfg, transport, log)

	trustedProxies, _ := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	resolver := clientid.NewResolver(netx.DefaultTrustedSet().Merge(trustedProxies), 4096)

	engine := ratelimit.NewEngine(ratelimit.EngineConfig{
		Dimensions: dimensionConfigs(cfg),
		Limiters:   limiterByDim,
		Algorithm:  cfg.RateLimit.Algorithm,
	}, log, metrics.RateLimitStoreErr)

	authFilter := auth.NewFilter(auth.FilterConfig{
		PathWhitelist: cfg.Auth.PathWhitelist,
		AdminPrefix:   cfg.Auth.AdminPrefix,
		AdminRoles:    cfg.Auth.AdminRoles,
	}, validator, auth.NoopRevocationSet{}, nil)

	recorder := trace.NewRecorder(10000, 10*time.Minute, trace.LogSink{Log: log})

	coordinator := pipeline.New(log, recorder,
		&pipeline.SecurityHeadersFilter{},
		ratelimit.NewFilter(engine, resolver),
		authFilter,
		route.NewFilter(routeSet),
		forward.NewFilter(transport, breakers, forward.DefaultRetryPolicy(), fallbackURIs(cfg), sems, log),
	)

	startedAt := time.Now()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := readinessCheck(r.Context(), cfg); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"ready": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": true})
	})

	registerAdmin(mux, cfg, log, metrics, jwksValidator, breakers, recorder, startedAt)

	var handler http.Handler = coordinator
	handler = mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, handler)
	handler = mw.Recover(handler)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("apigw listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	healthLoop.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	transport.CloseIdleConnections()
	log.Info("shutdown complete")
}

func buildTransport(cfg *config.Config) *http.Transport {
	return proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Upstream.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Upstream.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})
}

func buildValidator(cfg *config.Config, log *zap.Logger) (auth.Validator, *auth.JWKSValidator) {
	switch strings.ToLower(cfg.Auth.Mode) {
	case "jwks":
		v, err := auth.NewJWKSValidator(cfg.Auth.JWKS.URL, auth.JWKSValidatorOptions{
			HTTPTimeout: time.Duration(cfg.Auth.JWKS.HTTPTimeoutSeconds) * time.Second,
			CacheTTL:    time.Duration(cfg.Auth.JWKS.CacheTTLSeconds) * time.Second,
			Leeway:      time.Duration(cfg.Auth.JWKS.LeewaySeconds) * time.Second,
			Issuers:     cfg.Auth.JWKS.Issuers,
			Audiences:   cfg.Auth.JWKS.Audiences,
			RolesClaim:  cfg.Auth.JWKS.RolesClaim,
			TenantClaim: cfg.Auth.JWKS.TenantClaim,
		})
		if err != nil {
			log.Error("failed to init jwks validator", zap.Error(err))
			os.Exit(1)
		}
		return v, v
	default:
		return auth.NewHMACValidator([]byte(cfg.Auth.HMACSecret)), nil
	}
}

func buildLimiters(cfg *config.Config, log *zap.Logger) (map[ratelimit.Dimension]ratelimit.Limiter, func()) {
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second

	newBackendLimiter := func() ratelimit.Limiter {
		switch strings.ToLower(cfg.RateLimit.Backend) {
		case "redis":
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.RateLimit.Redis.Addr,
				Password: cfg.RateLimit.Redis.Password,
				DB:       cfg.RateLimit.Redis.DB,
			})
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				log.Warn("redis unreachable; falling back to memory limiter", zap.Error(err))
				return ratelimit.NewMemoryLimiter(5*time.Minute, time.Minute)
			}
			switch cfg.RateLimit.Algorithm {
			case "sliding_window":
				return ratelimit.NewSlidingWindowLimiter(rdb, window)
			case "fixed_window":
				return ratelimit.NewFixedWindowLimiter(rdb, window)
			default:
				return ratelimit.NewRedisLimiter(rdb)
			}
		default:
			return ratelimit.NewMemoryLimiter(
				time.Duration(cfg.RateLimit.Memory.TTLSeconds)*time.Second,
				time.Duration(cfg.RateLimit.Memory.CleanupSeconds)*time.Second,
			)
		}
	}

	shared := newBackendLimiter()
	limiters := map[ratelimit.Dimension]ratelimit.Limiter{
		ratelimit.DimensionIP:     shared,
		ratelimit.DimensionUser:   shared,
		ratelimit.DimensionAPI:    shared,
		ratelimit.DimensionTenant: shared,
		ratelimit.DimensionGlobal: shared,
	}
	return limiters, func() { _ = shared.Close() }
}

func dimensionConfigs(cfg *config.Config) map[ratelimit.Dimension]ratelimit.DimensionConfig {
	out := make(map[ratelimit.Dimension]ratelimit.DimensionConfig, len(cfg.RateLimit.Dimensions))
	for name, dc := range cfg.RateLimit.Dimensions {
		out[ratelimit.Dimension(name)] = ratelimit.DimensionConfig{
			Enabled:           dc.Enabled,
			RPS:               dc.RPS,
			Burst:             dc.Burst,
			TrustedMultiplier: dc.TrustedMultiplier,
			MobileMultiplier:  dc.MobileMultiplier,
			WhitelistGlobs:    dc.Whitelist,
		}
	}
	return out
}

func buildRoutes(cfg *config.Config, transport http.RoundTripper, log *zap.Logger) (*route.RouteSet, *breaker.Registry, map[string]*mw.Semaphore, *health.Loop) {
	protoRoutes := make([]proxy.Route, 0, len(cfg.Routes))
	instanceSets := make(map[string]*route.InstanceSet, len(cfg.Routes))
	sticky := make(map[string]bool, len(cfg.Routes))
	breakerCfgs := make(map[string]breaker.Config, len(cfg.Routes))
	sems := make(map[string]*mw.Semaphore, len(cfg.Routes))

	healthLoop := health.NewLoop(transport, log)

	for _, rc := range cfg.Routes {
		headers := make([]proxy.HeaderMatch, 0, len(rc.Match.Headers))
		for name, val := range rc.Match.Headers {
			headers = append(headers, proxy.HeaderMatch{Name: name, Value: val})
		}
		protoRoutes = append(protoRoutes, proxy.Route{
			Name:                rc.Name,
			PathGlob:            rc.Match.PathGlob,
			Methods:             rc.Match.Methods,
			Headers:             headers,
			Priority:            rc.Priority,
			Status:              proxy.Status(strings.ToLower(rc.Status)),
			StripPrefixSegments: rc.StripPrefixSegments,
			PreserveHost:        rc.PreserveHost,
			AddHeaders:          rc.AddHeaders,
			RemoveHeaders:       rc.RemoveHeaders,
			AuthRequired:        rc.AuthRequired,
		})

		sems[rc.Name] = mw.NewSemaphore(rc.Concurrency.MaxInFlight)

		instances := buildInstances(rc)
		algo := route.Algorithm(strings.ToLower(rc.LoadBalancer.Algorithm))
		instanceSets[rc.Name] = route.NewInstanceSet(algo, instances)
		sticky[rc.Name] = rc.LoadBalancer.Sticky

		breakerCfgs[rc.Name] = breaker.Config{
			Enabled:             rc.CircuitBreaker.Enabled,
			FailureRateThresh:   rc.CircuitBreaker.FailureRateThresh,
			SlowRateThresh:      rc.CircuitBreaker.SlowRateThresh,
			SlowCallDuration:    time.Duration(rc.CircuitBreaker.SlowCallMillis) * time.Millisecond,
			MinCalls:            uint32(rc.CircuitBreaker.MinCalls),
			OpenDuration:        time.Duration(rc.CircuitBreaker.OpenSeconds) * time.Second,
			HalfOpenMaxInFlight: uint32(rc.CircuitBreaker.HalfOpenMaxInFlight),
			RollingWindow:       time.Duration(rc.CircuitBreaker.RollingWindowSeconds) * time.Second,
			FallbackURI:         rc.CircuitBreaker.FallbackURI,
		}

		if rc.HealthCheck.Enabled {
			healthLoop.Watch(rc.Name, instanceSets[rc.Name], health.Config{
				Path:               rc.HealthCheck.Path,
				Interval:           time.Duration(rc.HealthCheck.IntervalSeconds) * time.Second,
				Timeout:            time.Duration(rc.HealthCheck.TimeoutSeconds) * time.Second,
				HealthyThreshold:   rc.HealthCheck.HealthyThreshold,
				UnhealthyThreshold: rc.HealthCheck.UnhealthyThreshold,
			})
		}
	}

	router, err := proxy.New(protoRoutes)
	if err != nil {
		log.Error("failed to build router", zap.Error(err))
		os.Exit(1)
	}

	breakers := breaker.NewRegistry(func(name string) breaker.Config { return breakerCfgs[name] })

	return &route.RouteSet{Router: router, Instances: instanceSets, Sticky: sticky}, breakers, sems, healthLoop
}

func buildInstances(rc config.RouteConfig) []*route.Instance {
	if len(rc.Instances) > 0 {
		out := make([]*route.Instance, 0, len(rc.Instances))
		for _, ic := range rc.Instances {
			u, err := url.Parse(ic.URL)
			if err != nil {
				continue
			}
			weight := ic.Weight
			if weight <= 0 {
				weight = 1
			}
			out = append(out, route.NewInstance(u, weight))
		}
		return out
	}
	u, err := url.Parse(rc.Upstream)
	if err != nil {
		return nil
	}
	return []*route.Instance{route.NewInstance(u, 1)}
}

func fallbackURIs(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	for _, rc := range cfg.Routes {
		if rc.CircuitBreaker.FallbackURI != "" {
			out[rc.Name] = rc.CircuitBreaker.FallbackURI
		}
	}
	return out
}

func readinessCheck(ctx context.Context, cfg *config.Config) error {
	if strings.ToLower(cfg.RateLimit.Backend) == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.Redis.Addr, Password: cfg.RateLimit.Redis.Password, DB: cfg.RateLimit.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
	return nil
}

func registerAdmin(mux *http.ServeMux, cfg *config.Config, log *zap.Logger, metrics *mw.Metrics, jwksValidator *auth.JWKSValidator, breakers *breaker.Registry, recorder *trace.Recorder, startedAt time.Time) {
	adminKey := cfg.Admin.Key
	wrap := func(routeName string, h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = h
		wrapped = mw.RequireAdminKey(adminKey, wrapped)
		wrapped = mw.AccessLog(log, wrapped)
		wrapped = mw.Instrument(metrics, wrapped)
		wrapped = mw.WithRoute(wrapped, routeName)
		wrapped = mw.RequestID(wrapped)
		return wrapped
	}

	mux.Handle("/-/status", wrap("admin_status", func(w http.ResponseWriter, _ *http.Request) {
		info, _ := debug.ReadBuildInfo()
		goVer := ""
		if info != nil {
			goVer = info.GoVersion
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"time_utc":          time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds":    int(time.Since(startedAt).Seconds()),
			"listen_addr":       cfg.Server.Addr,
			"go_version":        goVer,
			"auth_mode":         cfg.Auth.Mode,
			"rate_backend":      cfg.RateLimit.Backend,
			"routes_configured": len(cfg.Routes),
		})
	}))

	mux.Handle("/-/routes", wrap("admin_routes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg.Routes)
	}))

	mux.Handle("/-/auth", wrap("admin_auth", func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{"mode": cfg.Auth.Mode}
		if jwksValidator != nil {
			out["jwks"] = jwksValidator.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))

	mux.Handle("/-/breakers", wrap("admin_breakers", func(w http.ResponseWriter, _ *http.Request) {
		rows := make([]breaker.Stats, 0)
		for name, b := range breakers.All() {
			rows = append(rows, b.Stats(name))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}))

	mux.Handle("/-/trace", wrap("admin_trace", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recorder.AggregateStats())
	}))

	mux.Handle("/-/trace/", wrap("admin_trace_detail", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/-/trace/")
		snap, ok := recorder.Get(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}))
}
