package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/metrics"
	"github.com/lalithlochan/tbx/internal/redis"
)

// RouterConfig wires the optional parts of the router.
type RouterConfig struct {
	// Limiter rate limits /v1 per user or client IP. Nil disables it.
	Limiter *redis.RateLimiter
	// Assets serves everything outside /v1, typically the background
	// worker's fetch handler. Nil leaves those paths unrouted.
	Assets http.Handler
	// Timeout bounds non-streaming requests.
	Timeout time.Duration
}

// NewRouter builds the HTTP routes of the daemon.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) chi.Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, logger, UserKeyFunc))

		// Long lived, so outside the request timeout.
		r.Get("/stream", h.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Timeout))

			r.Get("/state", h.GetState)
			r.Post("/notifications/start", h.StartNotifications)
			r.Post("/notifications/reset", h.ResetNotifications)
			r.Post("/notifications/sweep", h.SweepMissed)
			r.Post("/reminders", h.SendReminder)

			r.Get("/medications", h.ListMedications)
			r.Post("/medications/{id}/confirm", h.ConfirmMedication)

			r.Post("/auth/login", h.Login)
			r.Post("/admin/login", h.AdminLogin)

			r.Get("/worker/notifications", h.ListWorkerNotifications)
			r.Post("/worker/notifications/{id}/{action}", h.ClickWorkerNotification)
			r.Post("/worker/push", h.PushWorkerNotification)
		})
	})

	if cfg.Assets != nil {
		r.Handle("/*", cfg.Assets)
	}

	return r
}
