package query

import "sort"

// Select is
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order> LIMIT <limit>
//
// Empty Columns selects *. A nil Filter matches every row. Empty OrderBy
// orders by rowid. Limit <= 0 means no limit.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate
	OrderBy []Order
	Limit   int
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Predicate is a WHERE condition.
type Predicate interface {
	predicateNode()
}

// Equals is <field> = <value>.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// AtLeast is <field> >= <value>.
type AtLeast struct {
	Field string
	Value any
}

func (AtLeast) predicateNode() {}

// And holds when every predicate holds. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Match returns an And of Equals, one per key in sorted order, or nil for
// an empty map.
func Match(fields map[string]any) Predicate {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	and := And{Predicates: make([]Predicate, 0, len(keys))}
	for _, k := range keys {
		and.Predicates = append(and.Predicates, Equals{Field: k, Value: fields[k]})
	}
	return and
}

// All collects the non-nil predicates into an And, or returns nil when none
// remain.
func All(preds ...Predicate) Predicate {
	var and And
	for _, p := range preds {
		if p != nil {
			and.Predicates = append(and.Predicates, p)
		}
	}
	if len(and.Predicates) == 0 {
		return nil
	}
	return and
}
