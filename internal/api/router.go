package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/metrics"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterConfig collects what the gateway mounts.
type RouterConfig struct {
	Logger   *zap.Logger
	Webhooks *WebhookHandler
	Operator *Handler

	// Limiter is the Redis limiter. When nil, webhooks are limited in
	// process at WebhookRatePerMinute.
	Limiter              Limiter
	WebhookRatePerMinute int

	// Health checks by name; a nil Pinger is reported as disabled.
	Health map[string]Pinger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/webhooks", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, WebhookKeyFunc))
		} else if cfg.WebhookRatePerMinute > 0 {
			r.Use(FallbackRateLimit(cfg.WebhookRatePerMinute))
		}
		cfg.Webhooks.Routes(r)
	})

	if cfg.Operator != nil {
		r.Route("/v1", cfg.Operator.Routes)
	}

	r.Get("/health", HealthHandler(cfg.Health))
	r.Handle("/metrics", metrics.Handler())

	return r
}

// HealthHandler answers 200 when every configured dependency responds,
// 503 otherwise.
func HealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, p := range checks {
			if p == nil {
				deps[name] = "disabled"
				continue
			}
			if err := p.Ping(ctx); err != nil {
				deps[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]interface{}{
			"status":       overall,
			"dependencies": deps,
		})
	}
}
