// Package query holds the minimal logical query surface the admission layer
// needs: the target entity, the top-level filter conditions, and an accessor
// to extract object ids referenced by those conditions. Query planning and
// SQL generation happen elsewhere.
package query

import (
	"sort"
)

type Op string

const (
	OpEq Op = "="
	OpIn Op = "IN"
)

// Condition is one top-level filter of the query: column OP literal(s).
type Condition struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Values []any  `json:"values"`
}

type Query struct {
	Entity     string      `json:"entity"`
	Conditions []Condition `json:"conditions,omitempty"`

	// Body is the backend statement the executor runs. Opaque to the
	// admission layer.
	Body string `json:"body"`
}

// ObjectIDs collects the distinct integer ids referenced by equality or IN
// conditions on the given column, in ascending order. Literals that are not
// integers are skipped rather than reported: a malformed condition shape
// degrades to "no ids found".
func ObjectIDs(q *Query, column string) []uint64 {
	if q == nil {
		return nil
	}
	seen := make(map[uint64]struct{})
	for _, c := range q.Conditions {
		if c.Column != column {
			continue
		}
		if c.Op != OpEq && c.Op != OpIn {
			continue
		}
		for _, v := range c.Values {
			if id, ok := asObjectID(v); ok {
				seen[id] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func asObjectID(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	case uint64:
		return n, true
	case float64:
		// JSON-decoded conditions arrive as float64.
		if n >= 0 && n == float64(uint64(n)) {
			return uint64(n), true
		}
	}
	return 0, false
}
