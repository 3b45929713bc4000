package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/aveline-shop/aveline-backend/api/responses"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthController reports liveness of the datastores the pipeline depends on.
type HealthController struct {
	db    pinger
	redis pinger
	logg  *logger.Logger
}

// NewHealthController builds the health endpoint.
func NewHealthController(db, redis pinger, logg *logger.Logger) *HealthController {
	return &HealthController{db: db, redis: redis, logg: logg}
}

// Handle is the GET /healthz endpoint. Degraded dependencies answer 503 so
// the load balancer stops routing webhook traffic here.
func (c *HealthController) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{
		"database": "ok",
		"redis":    "ok",
	}
	healthy := true

	if c.db != nil {
		if err := c.db.Ping(ctx); err != nil {
			status["database"] = "unreachable"
			healthy = false
			if c.logg != nil {
				c.logg.Error(ctx, "health check: database unreachable", err)
			}
		}
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx); err != nil {
			status["redis"] = "unreachable"
			healthy = false
			if c.logg != nil {
				c.logg.Warn(ctx, "health check: redis unreachable")
			}
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	responses.WriteSuccessStatus(w, code, status)
}
