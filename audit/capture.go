package audit

import (
	"fmt"
	"slices"
)

// extract builds the changed set of one lifecycle event.
//
// Create and destroy take a full snapshot; update takes the pending column
// changes, or the last committed ones when those were already cleared.
// Only the default-ignored columns are stripped, never the wider excluded set.
func (m *Model) extract(ev Event, entity Entity) (Changed, error) {
	switch ev {
	case Create, Destroy:
		vals := entity.Values()
		out := make(Changed, 0, len(vals))
		for _, col := range m.order(keys(vals)) {
			if m.ignored(col) {
				continue
			}
			out = append(out, Change{Column: col, New: vals[col]})
		}
		return out, nil

	case Update:
		d, ok := entity.(Dirty)
		if !ok {
			return nil, fmt.Errorf("%w: %s %T", ErrNoChangeTracking, m.name, entity)
		}
		diffs := d.ColumnChanges()
		if len(diffs) == 0 {
			diffs = d.PreviousChanges()
		}
		out := make(Changed, 0, len(diffs))
		for _, col := range m.order(keys(diffs)) {
			if m.ignored(col) {
				continue
			}
			diff := diffs[col]
			out = append(out, Change{Column: col, Old: diff.Old, New: diff.New, Diff: true})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, ev)
}

func (m *Model) ignored(col string) bool {
	return slices.Contains(m.defaultIgnored, col)
}

// order sorts columns by declaration order; unknown columns follow alphabetically.
func (m *Model) order(cols []string) []string {
	present := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		present[c] = struct{}{}
	}
	out := make([]string, 0, len(cols))
	for _, c := range m.columns {
		if _, ok := present[c]; ok {
			out = append(out, c)
			delete(present, c)
		}
	}
	rest := make([]string, 0, len(present))
	for c := range present {
		rest = append(rest, c)
	}
	slices.Sort(rest)
	return append(out, rest...)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
