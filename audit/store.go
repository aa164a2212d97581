package audit

import (
	"context"
	"time"
)

// Store persists records and answers history queries.
type Store interface {
	// Append assigns the next version of the record's scope and persists it,
	// setting rec.ID and rec.Version. Losing the version race returns an
	// error matching ErrSequenceConflict.
	Append(ctx context.Context, rec *Record) error

	// Exists reports whether any record exists for the associated type.
	Exists(ctx context.Context, associatedType string) (bool, error)

	// List returns records of the associated type matching the filter, ascending by version.
	List(ctx context.Context, associatedType string, filter Filter) ([]Record, error)

	// Latest returns the highest version of a scope, or nil when it has no history.
	Latest(ctx context.Context, associatedType string, associatedID int64) (*Record, error)
}

// TxBinder is implemented by store decorators, such as a cache, that must see
// writes made through a store bound to the caller's transaction.
type TxBinder interface {
	BindTx(tx Store) TxStore
}

// TxStore is a transaction-bound store returned by a TxBinder.
type TxStore interface {
	Store
	// Committed runs after the caller's transaction has committed.
	Committed(ctx context.Context)
}

// Filter narrows a history query. Zero fields do not filter.
type Filter struct {
	AssociatedID *int64
	Event        Event
	Modifier     *Ref
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// Match is the in-memory form of the filter, shared by stores that cannot push it down.
func (f Filter) Match(rec Record) bool {
	if f.AssociatedID != nil && rec.AssociatedID != *f.AssociatedID {
		return false
	}
	if f.Event != "" && rec.Event != f.Event {
		return false
	}
	if f.Modifier != nil && (rec.Modifier == nil || *rec.Modifier != *f.Modifier) {
		return false
	}
	if f.Since != nil && rec.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && rec.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}
