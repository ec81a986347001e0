package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/http/handlers"
	"github.com/pitodo/backend/internal/middleware"
	"github.com/pitodo/backend/internal/rbac"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authz middleware.Authorizer,
	authHandler *handlers.AuthHandler,
	userHandler *handlers.UserHandler,
	walletHandler *handlers.WalletHandler,
	adminHandler *handlers.AdminHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	limiter := middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute)

	// Auth (public, limited per IP)
	authGroup := api.Group("/auth", limiter)
	authGroup.Post("/pi", authHandler.PiAuth)
	authGroup.Post("/email/register", authHandler.EmailRegister)
	authGroup.Post("/email/login", authHandler.EmailLogin)

	// Protected endpoints, limited per master user
	protected := api.Group("", middleware.AuthMiddleware(cfg, log), limiter)

	protected.Get("/me", userHandler.GetMe)
	protected.Post("/me/ping", userHandler.Ping)

	protected.Get("/me/wallet", walletHandler.GetWallet)
	protected.Get("/me/wallet/transactions", walletHandler.Transactions)
	protected.Post("/me/wallet/transfer", walletHandler.Transfer)

	// Admin PITD
	admin := protected.Group("/admin/pitd")
	admin.Post("/adjust", middleware.AdminMiddleware(authz, rbac.PermAdjustBalance, log), adminHandler.AdjustBalance)
	admin.Get("/wallets/:identifier", middleware.AdminMiddleware(authz, rbac.PermViewAnyWallet, log), adminHandler.GetWallet)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
