package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/db"
	"github.com/pitodo/backend/internal/events"
	apphttp "github.com/pitodo/backend/internal/http"
	"github.com/pitodo/backend/internal/http/handlers"
	"github.com/pitodo/backend/internal/repositories"
	"github.com/pitodo/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	userRepo := repositories.NewUserRepo(pool)
	aliasRepo := repositories.NewAliasRepo(pool)
	walletRepo := repositories.NewWalletRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	txManager := repositories.NewTxManager(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	resolver := services.NewIdentityResolver(userRepo, aliasRepo, log)
	provisioner := services.NewWalletProvisioner(walletRepo, cfg.WalletAddressPrefix, log)
	ledgerWriter := services.NewLedgerWriter(ledgerRepo, log)
	balanceService := services.NewBalanceService(
		resolver, provisioner, ledgerWriter, walletRepo, auditRepo,
		services.NewPostgresTransactor(txManager), publisher, cfg, log,
	)
	piClient := services.NewPiClient(cfg.PiAPIBaseURL, cfg.PiAPITimeout, log)
	authService := services.NewAuthService(userRepo, aliasRepo, resolver, provisioner, piClient, cfg, log)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, log)
	userHandler := handlers.NewUserHandler(authService, log)
	walletHandler := handlers.NewWalletHandler(balanceService, log)
	adminHandler := handlers.NewAdminHandler(balanceService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to start websocket hub", zap.Error(err))
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, balanceService, authHandler, userHandler, walletHandler, adminHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
