package api

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/contrib/fiberzerolog"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/internal/metrics"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/state"
)

// NewApp builds the fiber application with every route registered. The scan
// control endpoints additionally need SetScanControl to have been called.
func NewApp() *fiber.App {
	apiLogger := log.With().Str("type", "api").Logger()

	app := fiber.New(fiber.Config{
		ServerHeader: "Minion",
		AppName:      "Minion Backend",
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(viper.GetStringSlice("api.cors.origins"), ","),
		AllowHeaders: "Origin, Content-Type, Accept, X-Minion-Backend-Key",
	}))

	app.Use(fiberzerolog.New(fiberzerolog.Config{
		Logger: &apiLogger,
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("API Running")
	})

	if viper.GetBool("api.metrics.enabled") {
		app.Get(viper.GetString("api.metrics.path"), adaptor.HTTPHandler(promhttp.Handler()))
	}

	v1 := app.Group("/api/v1", APIKeyProtected())

	v1.Post("/scans", CreateScanHandler)
	v1.Get("/scans", FindScansHandler)
	v1.Get("/scans/:id", GetScanHandler)
	v1.Delete("/scans/:id", DeleteScanHandler)
	v1.Get("/scans/:id/summary", GetScanSummaryHandler)
	v1.Put("/scans/:id/control", ScanControlHandler)
	v1.Get("/scans/:id/artifacts/:name", GetScanArtifactHandler)
	v1.Get("/sessions/:id", GetSessionHandler)

	v1.Post("/plans", CreatePlanHandler)
	v1.Get("/plans", FindPlansHandler)
	v1.Get("/plans/:name", GetPlanHandler)
	v1.Put("/plans/:name", UpdatePlanHandler)
	v1.Delete("/plans/:name", DeletePlanHandler)

	v1.Post("/sites", CreateSiteHandler)
	v1.Get("/sites", FindSitesHandler)
	v1.Get("/sites/:id", GetSiteHandler)
	v1.Put("/sites/:id", UpdateSiteHandler)
	v1.Delete("/sites/:id", DeleteSiteHandler)

	v1.Get("/issues", FindIssuesHandler)
	v1.Get("/issues/:id", GetIssueHandler)
	v1.Put("/issues/:id/tag", TagIssueHandler)

	return app
}

// StartAPI initializes the backend dependencies and serves the HTTP API.
func StartAPI() {
	apiLogger := log.With().Str("type", "api").Logger()

	apiLogger.Info().Msg("Initializing...")
	db.InitDb()

	b, err := bus.FromConfig()
	if err != nil {
		apiLogger.Error().Err(err).Msg("Failed to connect to the task bus")
		os.Exit(1)
	}
	queues := bus.QueuesFromConfig()
	SetScanControl(&ScanControl{
		Bus:    b,
		Queues: queues,
		State:  state.NewClient(b, queues),
	})

	metrics.Register(func() map[string]int64 {
		depths, err := b.Depths(context.Background(), queues.All()...)
		if err != nil {
			apiLogger.Warn().Err(err).Msg("Could not read queue depths")
			return nil
		}
		return depths
	})

	apiLogger.Info().Msg("Initialized everything. Starting the API...")

	app := NewApp()
	listenAddress := fmt.Sprintf("%v:%v", viper.Get("api.listen.host"), viper.Get("api.listen.port"))
	if err := app.Listen(listenAddress); err != nil {
		apiLogger.Warn().Err(err).Msg("Error starting server")
	}
}
