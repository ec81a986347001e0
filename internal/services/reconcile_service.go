package services

import (
	"context"
	"fmt"

	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/repositories"
	"go.uber.org/zap"
)

// DriftStore lists wallets whose balance disagrees with their ledger.
type DriftStore interface {
	ListDriftedWallets(ctx context.Context, limit int) ([]repositories.WalletDrift, error)
}

// ReconcileService checks that every wallet balance equals the balance_after
// of its latest ledger row. It only reports; fixing drift is a manual step.
type ReconcileService struct {
	store DriftStore
	log   *zap.Logger
}

func NewReconcileService(store DriftStore, log *zap.Logger) *ReconcileService {
	return &ReconcileService{store: store, log: log}
}

func (s *ReconcileService) Check(ctx context.Context, limit int) ([]repositories.WalletDrift, error) {
	drifts, err := s.store.ListDriftedWallets(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list drifted wallets: %w", err)
	}
	for _, d := range drifts {
		s.log.Warn("wallet balance drifted from ledger",
			zap.String("wallet_id", d.WalletID.String()),
			zap.String("user_id", d.UserID.String()),
			zap.String("balance", models.FormatAmount(d.Balance)),
			zap.String("ledger_balance", models.FormatAmount(d.LedgerBalance)),
			zap.String("difference", models.FormatAmount(d.Balance.Sub(d.LedgerBalance))),
		)
	}
	if len(drifts) == 0 {
		s.log.Info("all wallets match their ledger")
	}
	return drifts, nil
}
