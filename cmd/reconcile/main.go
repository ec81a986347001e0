// Command reconcile compares every wallet balance with the balance_after of
// its latest ledger row and exits 1 when any wallet has drifted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/db"
	"github.com/pitodo/backend/internal/repositories"
	"github.com/pitodo/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	limit := flag.Int("limit", 500, "maximum number of drifted wallets to report")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := runContext(ctx, cfg.StorageTimeout)
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	reconciler := services.NewReconcileService(repositories.NewWalletRepo(pool), log)
	drifts, err := reconciler.Check(ctx, *limit)
	if err != nil {
		log.Fatal("reconcile failed", zap.Error(err))
	}
	if len(drifts) > 0 {
		log.Error("wallets out of sync with ledger", zap.Int("count", len(drifts)))
		log.Sync()
		os.Exit(1)
	}
}

// runContext bounds the whole run to ten storage rounds. A non-positive
// storage timeout means unbounded, as it does for request handling.
func runContext(parent context.Context, storageTimeout time.Duration) (context.Context, context.CancelFunc) {
	if storageTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, storageTimeout*10)
}
