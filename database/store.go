package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/godamri/helix-auditer/audit"
)

const recordColumns = `id, associated_type, associated_id, event, changed, version,
	modifier_type, modifier_id, resource_owner_type, resource_owner_id, additional_info, created_at`

// sqliteTimeLayout is fixed width so TEXT comparisons order like timestamps.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// Store persists audit records in one SQL table. It implements audit.Store.
type Store struct {
	db      *sql.DB
	q       Querier
	inTx    bool
	dialect Dialect
	table   string
}

var _ audit.Store = (*Store)(nil)

// NewStore binds a store to the table of recordType ("AuditLog" → audit_logs).
func NewStore(db *sql.DB, dialect Dialect, recordType string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("helix-auditer/database: database connection is required")
	}
	table, err := TableName(recordType)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, q: db, dialect: dialect, table: table}, nil
}

// WithTx returns a store that reads and writes inside tx. Appends run under a
// savepoint so a lost version race does not abort the caller's transaction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	cp := *s
	cp.q = tx
	cp.inTx = true
	return &cp
}

func (s *Store) Table() string    { return s.table }
func (s *Store) Dialect() Dialect { return s.dialect }

// Append assigns the next version of the record's scope and inserts it atomically.
func (s *Store) Append(ctx context.Context, rec *audit.Record) error {
	scope := rec.Scope()

	changed, err := json.Marshal(rec.Changed)
	if err != nil {
		return &audit.PersistenceError{Op: "encode changed", Scope: scope, Err: err}
	}
	var info sql.NullString
	if rec.AdditionalInfo != nil {
		raw, err := json.Marshal(rec.AdditionalInfo)
		if err != nil {
			return &audit.PersistenceError{Op: "encode additional_info", Scope: scope, Err: err}
		}
		info = sql.NullString{String: string(raw), Valid: true}
	}

	var id, version int64
	if s.inTx {
		id, version, err = s.appendInSavepoint(ctx, rec, changed, info)
	} else {
		id, version, err = s.appendInTx(ctx, rec, changed, info)
	}
	if err != nil {
		return MapError("append", scope, err)
	}
	rec.ID, rec.Version = id, version
	return nil
}

func (s *Store) appendInTx(ctx context.Context, rec *audit.Record, changed []byte, info sql.NullString) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	id, version, err := s.insert(ctx, tx, rec, changed, info)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return id, version, nil
}

func (s *Store) appendInSavepoint(ctx context.Context, rec *audit.Record, changed []byte, info sql.NullString) (int64, int64, error) {
	if _, err := s.q.ExecContext(ctx, "SAVEPOINT audit_append"); err != nil {
		return 0, 0, err
	}
	id, version, err := s.insert(ctx, s.q, rec, changed, info)
	if err != nil {
		_, _ = s.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT audit_append")
		return 0, 0, err
	}
	if _, err := s.q.ExecContext(ctx, "RELEASE SAVEPOINT audit_append"); err != nil {
		return 0, 0, err
	}
	return id, version, nil
}

func (s *Store) insert(ctx context.Context, q Querier, rec *audit.Record, changed []byte, info sql.NullString) (int64, int64, error) {
	version, err := NextVersion(ctx, q, s.dialect, s.table, rec.AssociatedType, rec.AssociatedID)
	if err != nil {
		return 0, 0, err
	}

	modType, modID := refArgs(rec.Modifier)
	ownerType, ownerID := refArgs(rec.ResourceOwner)

	query := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (
		associated_type, associated_id, event, changed, version,
		modifier_type, modifier_id, resource_owner_type, resource_owner_id,
		additional_info, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`, s.table))

	var id int64
	err = q.QueryRowContext(ctx, query,
		rec.AssociatedType, rec.AssociatedID, string(rec.Event), string(changed), version,
		modType, modID, ownerType, ownerID,
		info, s.timeArg(rec.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, 0, err
	}
	return id, version, nil
}

// Exists reports whether any record of the associated type exists.
func (s *Store) Exists(ctx context.Context, associatedType string) (bool, error) {
	query := s.dialect.rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE associated_type = ? LIMIT 1", s.table))

	var one int
	err := s.q.QueryRowContext(ctx, query, associatedType).Scan(&one)
	if IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, MapError("exists", associatedType, err)
	}
	return true, nil
}

// List returns the records matching filter, ascending by version then id.
func (s *Store) List(ctx context.Context, associatedType string, filter audit.Filter) ([]audit.Record, error) {
	where := []string{"associated_type = ?"}
	args := []any{associatedType}

	if filter.AssociatedID != nil {
		where = append(where, "associated_id = ?")
		args = append(args, *filter.AssociatedID)
	}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(filter.Event))
	}
	if filter.Modifier != nil {
		where = append(where, "modifier_type = ?", "modifier_id = ?")
		args = append(args, filter.Modifier.Type, filter.Modifier.ID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, s.timeArg(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, s.timeArg(*filter.Until))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY version ASC, id ASC",
		recordColumns, s.table, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, MapError("list", associatedType, err)
	}
	defer rows.Close()

	out := make([]audit.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, MapError("list", associatedType, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError("list", associatedType, err)
	}
	return out, nil
}

// Latest returns the highest version of a scope, or nil when it has no history.
func (s *Store) Latest(ctx context.Context, associatedType string, associatedID int64) (*audit.Record, error) {
	query := s.dialect.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE associated_type = ? AND associated_id = ? ORDER BY version DESC, id DESC LIMIT 1",
		recordColumns, s.table))

	rec, err := scanRecord(s.q.QueryRowContext(ctx, query, associatedType, associatedID))
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		scope := audit.Record{AssociatedType: associatedType, AssociatedID: associatedID}.Scope()
		return nil, MapError("latest", scope, err)
	}
	return rec, nil
}

func (s *Store) timeArg(t time.Time) any {
	t = t.UTC()
	if s.dialect == SQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.Record, error) {
	var (
		rec                audit.Record
		event, changed     string
		modType, ownerType sql.NullString
		modID, ownerID     sql.NullInt64
		info               sql.NullString
		createdAt          timeValue
	)
	err := row.Scan(
		&rec.ID, &rec.AssociatedType, &rec.AssociatedID, &event, &changed, &rec.Version,
		&modType, &modID, &ownerType, &ownerID, &info, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Event = audit.Event(event)
	rec.CreatedAt = createdAt.Time
	rec.Modifier = refFrom(modType, modID)
	rec.ResourceOwner = refFrom(ownerType, ownerID)

	if rec.Changed, err = audit.ParseChanged(rec.Event, []byte(changed)); err != nil {
		return nil, err
	}
	if info.Valid && info.String != "" {
		dec := json.NewDecoder(strings.NewReader(info.String))
		dec.UseNumber()
		if err := dec.Decode(&rec.AdditionalInfo); err != nil {
			return nil, fmt.Errorf("decode additional_info: %w", err)
		}
	}
	return &rec, nil
}

func refArgs(ref *audit.Ref) (sql.NullString, sql.NullInt64) {
	if ref == nil {
		return sql.NullString{}, sql.NullInt64{}
	}
	return sql.NullString{String: ref.Type, Valid: true}, sql.NullInt64{Int64: ref.ID, Valid: true}
}

func refFrom(typ sql.NullString, id sql.NullInt64) *audit.Ref {
	if !typ.Valid || !id.Valid {
		return nil
	}
	return &audit.Ref{Type: typ.String, ID: id.Int64}
}

// timeValue scans timestamps from Postgres (time.Time) and SQLite (TEXT).
type timeValue struct {
	time.Time
}

var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func (t *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("helix-auditer/database: cannot scan %T into a timestamp", src)
}

func (t *timeValue) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("helix-auditer/database: unrecognised timestamp %q", s)
}
