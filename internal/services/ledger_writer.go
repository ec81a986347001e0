package services

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/repositories"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// LedgerAppend describes one ledger row to write.
type LedgerAppend struct {
	WalletID      uuid.UUID
	Type          string
	Amount        decimal.Decimal // signed
	BalanceAfter  decimal.Decimal
	Description   string
	ReferenceID   *uuid.UUID
	ReferenceType string
	Metadata      map[string]any
}

// LedgerWriter appends immutable rows to the PITD ledger.
type LedgerWriter struct {
	ledger LedgerStore
	log    *zap.Logger
}

func NewLedgerWriter(ledger LedgerStore, log *zap.Logger) *LedgerWriter {
	return &LedgerWriter{ledger: ledger, log: log}
}

func (w *LedgerWriter) Append(ctx context.Context, a LedgerAppend) (*models.LedgerEntry, error) {
	return w.appendTo(ctx, w.ledger, a)
}

// appendTo writes through store, which may be bound to a transaction.
// A store that refuses the precise type gets one more try with the
// fallback type; the intended type is kept in metadata.
func (w *LedgerWriter) appendTo(ctx context.Context, store LedgerStore, a LedgerAppend) (entry *models.LedgerEntry, err error) {
	ctx, span := tracer.Start(ctx, "Ledger.Writer.Append", trace.WithAttributes(
		attribute.String("wallet_id", a.WalletID.String()),
		attribute.String("transaction_type", a.Type),
	))
	defer func() { endSpan(span, err) }()

	entry = &models.LedgerEntry{
		WalletID:        a.WalletID,
		TransactionType: a.Type,
		Amount:          a.Amount,
		BalanceAfter:    a.BalanceAfter,
		Description:     a.Description,
		ReferenceID:     a.ReferenceID,
		Metadata:        maps.Clone(a.Metadata),
	}
	if a.ReferenceType != "" {
		ref := a.ReferenceType
		entry.ReferenceType = &ref
	}

	err = store.Insert(ctx, entry)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, repositories.ErrTxTypeRejected) || a.Type == models.TxTypeFallback {
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	w.log.Warn("ledger rejected transaction type, using fallback",
		zap.String("intended_type", a.Type),
		zap.String("fallback_type", models.TxTypeFallback),
		zap.Error(err),
	)
	if entry.Metadata == nil {
		entry.Metadata = make(map[string]any, 1)
	}
	entry.Metadata["intended_type"] = a.Type
	entry.TransactionType = models.TxTypeFallback

	if err = store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: fallback type: %v", ErrLedgerWriteFailed, err)
	}
	return entry, nil
}

func (w *LedgerWriter) List(ctx context.Context, walletIDs []uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	if len(walletIDs) == 0 {
		return nil, nil
	}
	return w.ledger.ListByWallets(ctx, walletIDs, limit, offset)
}
