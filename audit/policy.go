package audit

import "slices"

// ColumnPolicy partitions an entity type's columns into tracked and ignored sets.
type ColumnPolicy struct {
	Included []string
	Excluded []string
}

// PolicyOptions are the inputs of ResolvePolicy.
type PolicyOptions struct {
	Only           []string
	Except         []string
	DefaultIgnored []string
}

// ResolvePolicy computes the column partition for one entity type.
//
// A non-empty Only list wins: it is taken verbatim and Except is ignored.
// Otherwise every column minus Except minus DefaultIgnored is tracked.
// Names in Only are not checked against allColumns.
func ResolvePolicy(allColumns []string, opts PolicyOptions) ColumnPolicy {
	if len(opts.Only) > 0 {
		included := dedupe(opts.Only)
		return ColumnPolicy{
			Included: included,
			Excluded: subtract(allColumns, included),
		}
	}

	included := subtract(subtract(allColumns, opts.Except), opts.DefaultIgnored)
	return ColumnPolicy{
		Included: included,
		Excluded: subtract(allColumns, included),
	}
}

// Tracks reports whether column is in the included set.
func (p ColumnPolicy) Tracks(column string) bool {
	return slices.Contains(p.Included, column)
}

// subtract returns the deduplicated members of from not in minus, keeping order.
func subtract(from, minus []string) []string {
	drop := make(map[string]struct{}, len(minus))
	for _, c := range minus {
		drop[c] = struct{}{}
	}
	out := make([]string, 0, len(from))
	seen := make(map[string]struct{}, len(from))
	for _, c := range from {
		if _, ok := drop[c]; ok {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func dedupe(cols []string) []string {
	return subtract(cols, nil)
}
