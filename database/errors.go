package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/godamri/helix-auditer/audit"
)

// Postgres SQLSTATE codes the store cares about.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// MapError classifies a driver error for the audit layer. Losing a version
// race (unique violation, serialization failure, busy database) becomes
// audit.ErrSequenceConflict; everything else becomes an audit.PersistenceError.
func MapError(op, scope string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, audit.ErrPersistence) {
		return err
	}
	if isConflict(err) {
		err = fmt.Errorf("%w: %w", audit.ErrSequenceConflict, err)
	}
	return &audit.PersistenceError{Op: op, Scope: scope, Err: err}
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isConflictCode(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return isConflictCode(string(pqErr.Code))
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

func isConflictCode(code string) bool {
	switch code {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}

// IsNoRows reports whether err means the query matched nothing, for either driver path.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}
