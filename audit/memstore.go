package audit

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps records in process memory. Useful for dev and tests;
// it is only linearizable within a single process.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []Record
	// versions holds the highest version per scope.
	versions map[scopeKey]int64
}

type scopeKey struct {
	typ string
	id  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: map[scopeKey]int64{}}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "append", Scope: rec.Scope(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey{rec.AssociatedType, rec.AssociatedID}
	s.nextID++
	rec.ID = s.nextID
	rec.Version = s.versions[key] + 1
	s.versions[key] = rec.Version

	stored := *rec
	stored.Changed = slices.Clone(rec.Changed)
	s.records = append(s.records, stored)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, associatedType string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key := range s.versions {
		if key.typ == associatedType {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) List(ctx context.Context, associatedType string, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.AssociatedType == associatedType && filter.Match(rec) {
			out = append(out, rec)
		}
	}
	slices.SortStableFunc(out, func(a, b Record) int {
		if c := cmp.Compare(a.Version, b.Version); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Latest(ctx context.Context, associatedType string, associatedID int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Record
	for i := range s.records {
		rec := &s.records[i]
		if rec.AssociatedType != associatedType || rec.AssociatedID != associatedID {
			continue
		}
		if latest == nil || rec.Version > latest.Version {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}
