package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aveline-shop/aveline-backend/api/controllers"
	"github.com/aveline-shop/aveline-backend/api/controllers/webhooks"
	"github.com/aveline-shop/aveline-backend/api/middleware"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
)

// RouterParams carries everything the HTTP surface needs.
type RouterParams struct {
	Logger *logger.Logger
	Stripe *webhooks.StripeController
	Health *controllers.HealthController
}

// New assembles the service router. The webhook endpoint is the only write
// surface; everything else is operational plumbing.
func New(params RouterParams) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID(params.Logger))
	r.Use(middleware.Logging(params.Logger))
	r.Use(middleware.Recoverer(params.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
	}))

	r.Post("/webhooks/stripe", params.Stripe.Handle)
	r.Get("/healthz", params.Health.Handle)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
