package database

import (
	"context"
	"fmt"
	"strings"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS {{table}} (
	id BIGSERIAL PRIMARY KEY,
	associated_type VARCHAR(255) NOT NULL,
	associated_id BIGINT NOT NULL,
	event VARCHAR(16) NOT NULL,
	changed TEXT NOT NULL,
	version BIGINT NOT NULL,
	modifier_type VARCHAR(255),
	modifier_id BIGINT,
	resource_owner_type VARCHAR(255),
	resource_owner_id BIGINT,
	additional_info TEXT,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_{{table}}_associated ON {{table}}(associated_type, associated_id);
CREATE INDEX IF NOT EXISTS idx_{{table}}_modifier ON {{table}}(modifier_type, modifier_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_{{table}}_version ON {{table}}(associated_type, associated_id, version);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS {{table}} (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	associated_type TEXT NOT NULL,
	associated_id INTEGER NOT NULL,
	event TEXT NOT NULL CHECK(event IN ('create','update','destroy')),
	changed TEXT NOT NULL,
	version INTEGER NOT NULL,
	modifier_type TEXT,
	modifier_id INTEGER,
	resource_owner_type TEXT,
	resource_owner_id INTEGER,
	additional_info TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_{{table}}_associated ON {{table}}(associated_type, associated_id);
CREATE INDEX IF NOT EXISTS idx_{{table}}_modifier ON {{table}}(modifier_type, modifier_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_{{table}}_version ON {{table}}(associated_type, associated_id, version);
`

// EnsureSchema creates the store's table and indexes if they do not exist.
// The unique version index is what makes concurrent appends safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := postgresSchema
	if s.dialect == SQLite {
		ddl = sqliteSchema
	}
	ddl = strings.ReplaceAll(ddl, "{{table}}", s.table)

	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("helix-auditer/database: failed to ensure %s table: %w", s.table, err)
		}
	}
	return nil
}
