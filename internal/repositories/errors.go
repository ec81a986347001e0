package repositories

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrTxTypeRejected means the store refused the ledger row because of its
	// transaction_type value, not because of anything else in the row.
	ErrTxTypeRejected = errors.New("transaction type rejected by store")
)

// Postgres error codes we react to.
const (
	pgUniqueViolation       = "23505"
	pgCheckViolation        = "23514"
	pgNotNullViolation      = "23502"
	pgInvalidTextRepr       = "22P02"
	pgSerializationFailure  = "40001"
	ledgerTypeColumn        = "transaction_type"
	ledgerTypeConstraintKey = "type"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// IsUniqueViolation reports a 23505, optionally restricted to one constraint.
func IsUniqueViolation(err error, constraint string) bool {
	pgErr, ok := pgError(err)
	if !ok || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsSerializationFailure reports a 40001 from a concurrent transaction.
func IsSerializationFailure(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgSerializationFailure
}

// classifyLedgerInsert turns store errors caused by the transaction_type value
// into ErrTxTypeRejected, keeping the original error in the chain.
func classifyLedgerInsert(err error) error {
	pgErr, ok := pgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgCheckViolation:
		if strings.Contains(pgErr.ConstraintName, ledgerTypeConstraintKey) {
			return errors.Join(ErrTxTypeRejected, err)
		}
	case pgInvalidTextRepr:
		// enum-typed column: invalid input value for enum ...
		if strings.Contains(pgErr.Message, "enum") {
			return errors.Join(ErrTxTypeRejected, err)
		}
	case pgNotNullViolation:
		if pgErr.ColumnName == ledgerTypeColumn {
			return errors.Join(ErrTxTypeRejected, err)
		}
	}
	return err
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
