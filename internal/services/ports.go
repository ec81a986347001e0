package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/repositories"
	"github.com/shopspring/decimal"
)

// Storage ports. The Postgres repos in internal/repositories satisfy them;
// tests use in-memory fakes.

type UserStore interface {
	GetMaster(ctx context.Context, id uuid.UUID) (*models.MasterUser, error)
	FindMastersByUsername(ctx context.Context, username string) ([]models.MasterUser, error)
	FindMastersByEmail(ctx context.Context, email string) ([]models.MasterUser, error)
	FindMastersByNetworkUID(ctx context.Context, uid string) ([]models.MasterUser, error)
	CreateMasterIfAbsent(ctx context.Context, u *models.MasterUser) (*models.MasterUser, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
}

type AliasStore interface {
	GetAlias(ctx context.Context, id uuid.UUID) (*models.IdentityAlias, error)
	FindAliasesByUsername(ctx context.Context, username string) ([]models.IdentityAlias, error)
	FindAliasesByEmail(ctx context.Context, email string) ([]models.IdentityAlias, error)
	FindAliasesByNetworkUID(ctx context.Context, uid string) ([]models.IdentityAlias, error)
	ListAliasesByMaster(ctx context.Context, masterID uuid.UUID) ([]models.IdentityAlias, error)
	LinkAlias(ctx context.Context, aliasID, masterID uuid.UUID) error
	UpsertPiAlias(ctx context.Context, uid, username string) (*models.IdentityAlias, error)
	CreateEmailAlias(ctx context.Context, a *models.IdentityAlias) error
}

type WalletStore interface {
	GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	FindWalletsByUsers(ctx context.Context, userIDs []uuid.UUID) ([]models.Wallet, error)
	UpsertWallet(ctx context.Context, userID uuid.UUID, address string) (*models.Wallet, error)
	LockWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	SetBalance(ctx context.Context, id uuid.UUID, balance, spentDelta decimal.Decimal) (*models.Wallet, error)
	CompareAndSetBalance(ctx context.Context, id uuid.UUID, expected, balance, spentDelta decimal.Decimal) (*models.Wallet, bool, error)
	AdjustBalance(ctx context.Context, id uuid.UUID, delta, spentDelta decimal.Decimal) (*models.Wallet, error)
}

type LedgerStore interface {
	Insert(ctx context.Context, e *models.LedgerEntry) error
	ListByWallets(ctx context.Context, walletIDs []uuid.UUID, limit, offset int) ([]models.LedgerEntry, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// TxScope is the set of stores bound to one open transaction.
type TxScope struct {
	Wallets WalletStore
	Ledger  LedgerStore
	Audit   AuditStore
}

// Transactor runs fn atomically: everything written through scope commits
// together or not at all.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, scope TxScope) error) error
}

type pgTransactor struct {
	tm *repositories.TxManager
}

func NewPostgresTransactor(tm *repositories.TxManager) Transactor {
	return &pgTransactor{tm: tm}
}

func (t *pgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, scope TxScope) error) error {
	err := t.tm.WithinTx(ctx, func(ctx context.Context, r repositories.TxRepos) error {
		return fn(ctx, TxScope{Wallets: r.Wallets, Ledger: r.Ledger, Audit: r.Audit})
	})
	if repositories.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}
	return err
}

var (
	_ UserStore   = (*repositories.UserRepo)(nil)
	_ AliasStore  = (*repositories.AliasRepo)(nil)
	_ WalletStore = (*repositories.WalletRepo)(nil)
	_ LedgerStore = (*repositories.LedgerRepo)(nil)
	_ AuditStore  = (*repositories.AuditRepo)(nil)
)
