package query

import (
	"fmt"
	"regexp"
	"strings"
)

// identifier matches the table and column names Compile accepts.
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name may appear unquoted in SQL.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// Compile renders q as SQLite SQL with ? placeholders.
func Compile(q Select) (string, []any, error) {
	if err := checkIdentifier("table", q.From); err != nil {
		return "", nil, err
	}

	cols := "*"
	if len(q.Columns) > 0 {
		for _, c := range q.Columns {
			if err := checkIdentifier("column", c); err != nil {
				return "", nil, err
			}
		}
		cols = strings.Join(q.Columns, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, q.From)

	var params []any
	if q.Filter != nil {
		where, args, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = args
	}

	order, err := compileOrder(q.OrderBy)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params, nil
}

func compileOrder(terms []Order) (string, error) {
	if len(terms) == 0 {
		return "rowid ASC", nil
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		if err := checkIdentifier("order column", t.Column); err != nil {
			return "", err
		}
		dir := "ASC"
		if t.Desc {
			dir = "DESC"
		}
		parts = append(parts, t.Column+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		return compareOp(pred.Field, "=", pred.Value)
	case *Equals:
		return compareOp(pred.Field, "=", pred.Value)
	case AtLeast:
		return compareOp(pred.Field, ">=", pred.Value)
	case *AtLeast:
		return compareOp(pred.Field, ">=", pred.Value)
	case And:
		return compileAnd(pred)
	case *And:
		return compileAnd(*pred)
	case nil:
		return "1 = 1", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compareOp(field, op string, value any) (string, []any, error) {
	if err := checkIdentifier("column", field); err != nil {
		return "", nil, err
	}
	if value == nil {
		return field + " IS NULL", nil, nil
	}
	return fmt.Sprintf("%s %s ?", field, op), []any{value}, nil
}

func compileAnd(and And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}
	parts := make([]string, 0, len(and.Predicates))
	var params []any
	for _, p := range and.Predicates {
		sql, args, err := compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		if _, nested := p.(And); nested && len(and.Predicates) > 1 {
			sql = "(" + sql + ")"
		}
		parts = append(parts, sql)
		params = append(params, args...)
	}
	return strings.Join(parts, " AND "), params, nil
}

func checkIdentifier(kind, name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid %s name %q: must match pattern %s", kind, name, identifier.String())
	}
	return nil
}
