package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MaxMinsk/HaMapAddon/internal/health"
	"github.com/MaxMinsk/HaMapAddon/internal/middleware"
)

// Deps are the services behind the routes
type Deps struct {
	Sync      *SyncHandler
	Device    *DeviceHandler
	History   *HistoryHandler
	Health    *health.Checker
	Gatherer  prometheus.Gatherer
	PhotosDir string
	Limits    middleware.RateLimiterConfig
}

// RegisterRoutes wires every route onto app
func RegisterRoutes(app *fiber.App, deps Deps) {
	health.RegisterHealthRoutes(app, deps.Health)

	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if deps.PhotosDir != "" {
		app.Static("/media", deps.PhotosDir, fiber.Static{
			Browse: false,
			MaxAge: 3600,
		})
	}

	api := app.Group("/api", middleware.NewRateLimiter(deps.Limits))
	trigger := middleware.NewTriggerRateLimiter(deps.Limits)

	api.Post("/sync/run", trigger, deps.Sync.RunSync)
	api.Get("/sync/status", deps.Sync.SyncStatus)
	api.Get("/onedrive/folders", deps.Sync.ListFolders)
	api.Get("/photos", deps.Sync.QueryPhotos)

	api.Post("/onedrive/device/start", trigger, deps.Device.Start)
	api.Post("/onedrive/device/poll", deps.Device.Poll)
	api.Get("/onedrive/device/status", deps.Device.Status)
	api.Delete("/onedrive/device", deps.Device.Disconnect)

	api.Get("/history/tracks", deps.History.Tracks)
}
