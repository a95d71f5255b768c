package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/levitate/musicgen/pkg/response"
)

const Version = "1.0.0"

// ModelStatus reports which models are resident
type ModelStatus interface {
	Loaded() map[string]bool
}

// Check probes one dependency
type Check func(ctx context.Context) error

type HealthHandler struct {
	models ModelStatus
	checks map[string]Check
}

func NewHealthHandler(models ModelStatus, checks map[string]Check) *HealthHandler {
	return &HealthHandler{models: models, checks: checks}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "healthy"
	services := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			services[name] = err.Error()
			status = "degraded"
			continue
		}
		services[name] = "ok"
	}

	return response.OK(c, fiber.Map{
		"status":        status,
		"version":       Version,
		"models_loaded": h.models.Loaded(),
		"services":      services,
		"timestamp":     time.Now().UTC(),
	})
}

// Root handles GET /
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"message": "Melody-conditioned music generation API",
		"version": Version,
		"health":  "/health",
	})
}
