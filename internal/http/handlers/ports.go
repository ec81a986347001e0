package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/identity"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/services"
)

// AuthService is the part of services.AuthService the handlers call.
type AuthService interface {
	LoginPi(ctx context.Context, accessToken string) (*services.Session, error)
	RegisterEmail(ctx context.Context, email, password, username string) (*services.Session, error)
	LoginEmail(ctx context.Context, email, password string) (*services.Session, error)
	Me(ctx context.Context, masterID uuid.UUID) (*models.MasterUser, error)
	Ping(ctx context.Context, masterID uuid.UUID)
}

// BalanceService is the part of services.BalanceService the handlers call.
type BalanceService interface {
	QueryWallet(ctx context.Context, id identity.Identifier) (*models.WalletView, error)
	History(ctx context.Context, id identity.Identifier, limit, offset int) ([]models.LedgerEntry, error)
	Transfer(ctx context.Context, req services.TransferRequest) (*services.TransferResult, error)
	GrantOrRevoke(ctx context.Context, req services.AdjustRequest) (*services.MutationResult, error)
}
