package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/models"
)

// ledgerNewestFirst orders ledger rows by write time. created_at comes from
// clock_timestamp(), not the transaction start, and seq breaks ties.
const ledgerNewestFirst = `created_at DESC, seq DESC`

type LedgerRepo struct {
	db DBTX
}

func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Insert appends e to pitd_transactions. The insert runs in its own savepoint
// (or its own tx on the pool), so a rejected row leaves an enclosing
// transaction usable. Type rejections are reported as ErrTxTypeRejected.
func (r *LedgerRepo) Insert(ctx context.Context, e *models.LedgerEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}

	sp, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sp.Rollback(ctx) }()

	err = sp.QueryRow(ctx, `
		INSERT INTO pitd_transactions (
			wallet_id, transaction_type, amount, balance_after,
			description, reference_id, reference_type, metadata, created_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, clock_timestamp())
		RETURNING id, created_at
	`, e.WalletID, e.TransactionType, e.Amount.String(), e.BalanceAfter.String(),
		e.Description, e.ReferenceID, e.ReferenceType, meta,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return classifyLedgerInsert(err)
	}
	return sp.Commit(ctx)
}

// ListByWallets pages entries of the given wallets, newest first.
func (r *LedgerRepo) ListByWallets(ctx context.Context, walletIDs []uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if len(walletIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, wallet_id, transaction_type, amount::text, balance_after::text,
		       description, reference_id, reference_type, metadata, created_at
		FROM pitd_transactions WHERE wallet_id = ANY($1)
		ORDER BY `+ledgerNewestFirst+` LIMIT $2 OFFSET $3
	`, walletIDs, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e                     models.LedgerEntry
			amount, balanceAfter string
			meta                  []byte
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &e.TransactionType, &amount, &balanceAfter,
			&e.Description, &e.ReferenceID, &e.ReferenceType, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = parseAmount(balanceAfter); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
