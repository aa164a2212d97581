package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is the subset of *sql.DB and *sql.Tx the store needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NextVersion returns one past the highest version recorded for the scope,
// 1 for a scope without history. It must run in the transaction that inserts
// the record: two writers reading the same maximum both try to insert the
// same version and the unique index rejects the second.
func NextVersion(ctx context.Context, q Querier, d Dialect, table, associatedType string, associatedID int64) (int64, error) {
	query := d.rebind(fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) + 1 FROM %s WHERE associated_type = ? AND associated_id = ?", table))

	var next int64
	if err := q.QueryRowContext(ctx, query, associatedType, associatedID).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}
