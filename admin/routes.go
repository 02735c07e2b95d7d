package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/rowhook/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API at /admin and, when Prometheus is
// enabled, the metrics handler at /metrics.
func RegisterRoutes(r chi.Router, handlers *AdminHandlers, secret string) {
	admin := chi.NewRouter()
	admin.Use(AuthMiddleware(secret))

	admin.Route("/listeners", func(r chi.Router) {
		r.Get("/", handlers.handleListListeners)
		r.Delete("/{listenerID}", handlers.handleRemoveListener)
	})
	admin.Get("/transactions", handlers.handleTransactions)
	admin.Get("/signals", handlers.handleSignals)

	r.Mount("/admin", admin)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}
