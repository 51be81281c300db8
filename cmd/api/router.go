package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink-checkout/internal/checkout"
	"github.com/noah-isme/paylink-checkout/internal/common"
	"github.com/noah-isme/paylink-checkout/internal/config"
	"github.com/noah-isme/paylink-checkout/internal/health"
	"github.com/noah-isme/paylink-checkout/internal/obs"
	"github.com/noah-isme/paylink-checkout/internal/ratelimit"
	"github.com/noah-isme/paylink-checkout/internal/security"
)

func newRouter(cfg *config.Config, logger zerolog.Logger, registry *checkout.Registry, redisClient *redis.Client, tracingEnabled bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.EnablePrometheus {
		buckets := obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets)
		r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, buckets, nil)}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"Location", "Retry-After", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	if cfg.Obs.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.EnablePprof {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.Handler{Probes: readinessProbes(redisClient), Timeout: cfg.HTTP.ReadyRedisTimeout}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	var idem common.Idem
	var limiter ratelimit.Allower
	if redisClient != nil {
		idem = common.Idem{R: redisClient, TTL: cfg.HTTP.IdempotencyTTL}
		limiter = ratelimit.Limiter{Client: redisClient, Prefix: "ratelimit:"}
	}
	limit := ratelimit.Handler{
		Limiter: limiter,
		Config: ratelimit.Config{
			Key:    ratelimit.ClientIPKey("sessions"),
			Window: time.Minute,
			Max:    cfg.HTTP.RateLimitSessionsPerMin,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limit_store_error") },
	}
	sessions := &checkout.Handler{
		Registry:          registry,
		MaxQuantity:       cfg.Checkout.MaxQuantity,
		QRSize:            cfg.Checkout.QRSize,
		Heartbeat:         15 * time.Second,
		Logger:            logger,
		CreateMiddlewares: []func(http.Handler) http.Handler{limit.Middleware, idem.Middleware},
	}

	r.Route("/api/v1/checkout/sessions", func(s chi.Router) {
		s.Use(security.Headers{Enable: true, EnableHSTS: true, NoStore: true}.Middleware)
		s.Use(security.BodyLimit{Max: cfg.HTTP.BodyLimitBytes}.Middleware)
		sessions.Routes(s)
	})
	return r
}

func readinessProbes(redisClient *redis.Client) map[string]health.Probe {
	probes := map[string]health.Probe{
		"gateway_config": func(ctx context.Context) error {
			creds, err := config.EnvCredentials{}.Credentials(ctx)
			if err != nil {
				return err
			}
			_, err = creds.Account()
			return err
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return probes
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return mux
}

var errPprofCredentials = errors.New("pprof enabled without credentials")

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" || pass == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", errPprofCredentials.Error(), nil)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
