package database

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Dialect selects the SQL flavour a Store speaks.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TableName derives the table of an audit record type: "AuditLog" becomes "audit_logs".
func TableName(recordType string) (string, error) {
	snake := toSnake(recordType)
	if snake == "" {
		return "", fmt.Errorf("helix-auditer/database: empty record type")
	}
	for _, r := range snake {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return "", fmt.Errorf("helix-auditer/database: record type %q is not a valid table name", recordType)
		}
	}
	return inflection.Plural(snake), nil
}

// toSnake converts CamelCase to snake_case, keeping acronyms together ("HTTPLog" → "http_log").
func toSnake(s string) string {
	runes := []rune(strings.TrimSpace(s))
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
