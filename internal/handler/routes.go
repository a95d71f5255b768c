package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/middleware"
	ws "github.com/levitate/musicgen/internal/websocket"
)

// Handlers groups the route handlers
type Handlers struct {
	Assets   *AssetHandler
	Generate *GenerateHandler
	Health   *HealthHandler
}

// Register mounts every route on app. hub may be nil to disable /ws.
func Register(app *fiber.App, h *Handlers, rl *middleware.RateLimiter, hub *ws.Hub, limits config.RateLimitConfig) {
	app.Get("/", h.Health.Root)
	app.Get("/health", h.Health.Health)

	api := app.Group("/api")
	api.Post("/upload", rl.UploadLimit(limits.UploadPerHour), h.Assets.Upload)
	api.Get("/embedding/:assetId", h.Assets.Embedding)
	api.Get("/analyze/:assetId", h.Assets.Analyze)
	api.Delete("/assets/:assetId", h.Assets.Delete)

	api.Post("/generate/:assetId", rl.GenerateLimit(limits.GeneratePerHour), h.Generate.Generate)
	api.Get("/status/:jobId", h.Generate.Status)
	api.Get("/download/:jobId", h.Generate.Download)

	if hub == nil {
		return
	}
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, utils.CopyString(c.Params("jobId")))
	}))
}
