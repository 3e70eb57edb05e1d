package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pagemint/credits/internal/config"
	"github.com/pagemint/credits/internal/credits"
	"github.com/pagemint/credits/internal/middleware"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	Handler *credits.Handler
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Logger  *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")
	RegisterCreditRoutes(api, d.Handler)

	return nil
}
