package repositories

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRow assigns values to the scan targets in order; nil values are skipped.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(r.values, dest)
}

func assignAll(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values for %d targets", len(values), len(dest))
	}
	for i, v := range values {
		if v == nil {
			continue
		}
		dv := reflect.ValueOf(dest[i]).Elem()
		vv := reflect.ValueOf(v)
		if !vv.Type().AssignableTo(dv.Type()) {
			return fmt.Errorf("scan: column %d: cannot assign %s to %s", i, vv.Type(), dv.Type())
		}
		dv.Set(vv)
	}
	return nil
}

type fakeRows struct {
	pgx.Rows
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assignAll(r.rows[r.pos-1], dest) }
func (r *fakeRows) Close()                 {}
func (r *fakeRows) Err() error             { return nil }

// fakeDB records the SQL it sees. Statements run on a savepoint land in
// tx.queries, statements on the outer handle in queries.
type fakeDB struct {
	queries []string
	row     fakeRow
	rows    [][]any
	tx      *fakeTx
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.queries = append(d.queries, sql)
	return pgconn.CommandTag{}, nil
}

func (d *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	d.queries = append(d.queries, sql)
	return &fakeRows{rows: d.rows}, nil
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	d.queries = append(d.queries, sql)
	return d.row
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	d.tx = &fakeTx{row: d.row}
	return d.tx, nil
}

type fakeTx struct {
	pgx.Tx
	row        fakeRow
	queries    []string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	t.queries = append(t.queries, sql)
	return t.row
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
