package audit

import (
	"maps"
	"reflect"
	"sync"
)

// Entity is a persisted object whose mutations are audited.
type Entity interface {
	// AuditID is the entity's identity within its type.
	AuditID() int64
	// Values is a snapshot of the current column values.
	Values() map[string]any
}

// Diff is the before and after value of one column.
type Diff struct {
	Old any
	New any
}

// Dirty is implemented by entities that track column changes between saves.
type Dirty interface {
	// ColumnChanges returns changes not yet committed.
	ColumnChanges() map[string]Diff
	// PreviousChanges returns the changes of the last committed save.
	PreviousChanges() map[string]Diff
}

// Accessor lets an entity answer accessor lookups itself, e.g. an owner column.
type Accessor interface {
	AuditAccessor(name string) (any, bool)
}

// Row is a map-backed Entity with dirty tracking, for callers without their own model layer.
type Row struct {
	mu        sync.Mutex
	id        int64
	values    map[string]any
	pending   map[string]Diff
	previous  map[string]Diff
	accessors map[string]any
}

func NewRow(id int64, values map[string]any) *Row {
	return &Row{
		id:        id,
		values:    maps.Clone(values),
		pending:   map[string]Diff{},
		previous:  map[string]Diff{},
		accessors: map[string]any{},
	}
}

func (r *Row) AuditID() int64 { return r.id }

func (r *Row) SetID(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

func (r *Row) Values() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		return map[string]any{}
	}
	return maps.Clone(r.values)
}

func (r *Row) Get(column string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[column]
}

// Set assigns a column and records the pending change.
// Setting a column back to its saved value drops the pending change.
func (r *Row) Set(column string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = map[string]any{}
	}
	if r.pending == nil {
		r.pending = map[string]Diff{}
	}

	cur := r.values[column]
	if d, ok := r.pending[column]; ok {
		if reflect.DeepEqual(d.Old, v) {
			delete(r.pending, column)
		} else {
			r.pending[column] = Diff{Old: d.Old, New: v}
		}
	} else if !reflect.DeepEqual(cur, v) {
		r.pending[column] = Diff{Old: cur, New: v}
	}
	r.values[column] = v
}

// Save commits pending changes: they become PreviousChanges.
func (r *Row) Save() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous = r.pending
	r.pending = map[string]Diff{}
}

func (r *Row) ColumnChanges() map[string]Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.pending)
}

func (r *Row) PreviousChanges() map[string]Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.previous)
}

// SetAccessor makes the row answer the named accessor.
func (r *Row) SetAccessor(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accessors == nil {
		r.accessors = map[string]any{}
	}
	r.accessors[name] = v
}

func (r *Row) AuditAccessor(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.accessors[name]
	return v, ok
}
