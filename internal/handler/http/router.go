package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/checkoutflow/pkg/health"
	"github.com/utafrali/checkoutflow/pkg/middleware"
)

// NewRouter creates a chi router with all checkout service routes registered.
// attempts limits submit and confirm per user.
func NewRouter(
	checkoutHandler *CheckoutHandler,
	cartHandler *CartHandler,
	healthHandler *health.Handler,
	attempts *middleware.UserRateLimiter,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing())
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics())

	// Health check and metrics endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Put("/", cartHandler.ReplaceCart)
			r.Delete("/", cartHandler.ClearCart)
		})

		r.Route("/checkout", func(r chi.Router) {
			r.Get("/config", checkoutHandler.GetConfig)
			r.With(attempts.Middleware).Post("/submit", checkoutHandler.Submit)

			r.Get("/confirmation", checkoutHandler.GetConfirmation)
			r.Delete("/confirmation", checkoutHandler.CancelConfirmation)
			r.With(attempts.Middleware).Post("/confirmation/confirm", checkoutHandler.Confirm)
		})

		r.Get("/orders/{id}", checkoutHandler.GetOrder)
	})

	return r
}
