package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pitodo/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Wallet address uniqueness constraint, see migrations.
const walletAddressConstraint = "pitd_wallets_address_key"

type WalletRepo struct {
	db DBTX
}

func NewWalletRepo(db DBTX) *WalletRepo {
	return &WalletRepo{db: db}
}

const walletColumns = `id, user_id, balance::text, locked_balance::text, total_spent::text, address, created_at, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var (
		w                       models.Wallet
		balance, locked, spent string
	)
	if err := row.Scan(&w.ID, &w.UserID, &balance, &locked, &spent, &w.Address, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	var err error
	if w.Balance, err = parseAmount(balance); err != nil {
		return nil, err
	}
	if w.LockedBalance, err = parseAmount(locked); err != nil {
		return nil, err
	}
	if w.TotalSpent, err = parseAmount(spent); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepo) GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM pitd_wallets WHERE id = $1`, id))
}

func (r *WalletRepo) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM pitd_wallets WHERE user_id = $1`, userID))
}

// FindWalletsByUsers returns the wallets owned by any of userIDs, newest first.
func (r *WalletRepo) FindWalletsByUsers(ctx context.Context, userIDs []uuid.UUID) ([]models.Wallet, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+walletColumns+`
		FROM pitd_wallets WHERE user_id = ANY($1)
		ORDER BY created_at DESC, id DESC
	`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// UpsertWallet creates the wallet for userID with a zero balance, or returns
// the existing one untouched. A clash on the address comes back as
// ErrDuplicate so the caller can retry with a fresh address; the insert runs
// in a savepoint so that retry works inside an enclosing transaction.
func (r *WalletRepo) UpsertWallet(ctx context.Context, userID uuid.UUID, address string) (*models.Wallet, error) {
	sp, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sp.Rollback(ctx) }()

	w, err := scanWallet(sp.QueryRow(ctx, `
		INSERT INTO pitd_wallets (user_id, address)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = pitd_wallets.user_id
		RETURNING `+walletColumns, userID, address))
	if err != nil {
		if IsUniqueViolation(err, walletAddressConstraint) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// LockWallet loads the row with FOR UPDATE; only meaningful inside a tx.
func (r *WalletRepo) LockWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM pitd_wallets WHERE id = $1 FOR UPDATE`, id))
}

// SetBalance writes an absolute balance onto a row the caller already holds
// locked and adds spentDelta to total_spent.
func (r *WalletRepo) SetBalance(ctx context.Context, id uuid.UUID, balance, spentDelta decimal.Decimal) (*models.Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `
		UPDATE pitd_wallets
		SET balance = $2::numeric, total_spent = total_spent + $3::numeric, updated_at = now()
		WHERE id = $1
		RETURNING `+walletColumns, id, balance.String(), spentDelta.String()))
}

// CompareAndSetBalance writes balance only if the stored balance still equals
// expected. ok is false when another writer got there first.
func (r *WalletRepo) CompareAndSetBalance(ctx context.Context, id uuid.UUID, expected, balance, spentDelta decimal.Decimal) (*models.Wallet, bool, error) {
	w, err := scanWallet(r.db.QueryRow(ctx, `
		UPDATE pitd_wallets
		SET balance = $3::numeric, total_spent = total_spent + $4::numeric, updated_at = now()
		WHERE id = $1 AND balance = $2::numeric
		RETURNING `+walletColumns, id, expected.String(), balance.String(), spentDelta.String()))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return w, true, nil
}

// AdjustBalance applies a relative change. Used to undo a committed mutation
// without clobbering writes that landed after it.
func (r *WalletRepo) AdjustBalance(ctx context.Context, id uuid.UUID, delta, spentDelta decimal.Decimal) (*models.Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `
		UPDATE pitd_wallets
		SET balance = balance + $2::numeric, total_spent = total_spent + $3::numeric, updated_at = now()
		WHERE id = $1
		RETURNING `+walletColumns, id, delta.String(), spentDelta.String()))
}

// WalletDrift is a wallet whose stored balance disagrees with its last ledger row.
type WalletDrift struct {
	WalletID      uuid.UUID
	UserID        uuid.UUID
	Balance       decimal.Decimal
	LedgerBalance decimal.Decimal
}

func (r *WalletRepo) ListDriftedWallets(ctx context.Context, limit int) ([]WalletDrift, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT w.id, w.user_id, w.balance::text, t.balance_after::text
		FROM pitd_wallets w
		JOIN LATERAL (
			SELECT balance_after FROM pitd_transactions
			WHERE wallet_id = w.id
			ORDER BY `+ledgerNewestFirst+` LIMIT 1
		) t ON true
		WHERE w.balance <> t.balance_after
		ORDER BY w.updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []WalletDrift
	for rows.Next() {
		var (
			d               WalletDrift
			balance, ledger string
		)
		if err := rows.Scan(&d.WalletID, &d.UserID, &balance, &ledger); err != nil {
			return nil, err
		}
		if d.Balance, err = parseAmount(balance); err != nil {
			return nil, err
		}
		if d.LedgerBalance, err = parseAmount(ledger); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}
