package store

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Op is a predicate operator.
type Op string

const (
	OpEq Op = "=="
	OpIn Op = "in"
)

// Predicate filters documents on a single field.
type Predicate struct {
	Field  string
	Op     Op
	Value  any
	Values []any
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: Normalize(value)}
}

// In matches documents whose field equals any of values. An empty list matches nothing.
func In[T any](field string, values []T) Predicate {
	normalized := make([]any, len(values))
	for i, v := range values {
		normalized[i] = Normalize(v)
	}
	return Predicate{Field: field, Op: OpIn, Values: normalized}
}

// Order sorts query results on a field.
type Order struct {
	Field string
	Desc  bool
}

// Query selects documents from a collection.
type Query struct {
	Where   []Predicate
	OrderBy []Order
	Limit   int
}

// Where builds a query from predicates.
func Where(preds ...Predicate) Query {
	return Query{Where: preds}
}

// Ordered returns q with an additional sort key.
func (q Query) Ordered(field string, desc bool) Query {
	q.OrderBy = append(slices.Clone(q.OrderBy), Order{Field: field, Desc: desc})
	return q
}

// Limited returns q capped to n results.
func (q Query) Limited(n int) Query {
	q.Limit = n
	return q
}

// MatchesNothing reports whether q contains an empty In predicate.
func (q Query) MatchesNothing() bool {
	for _, p := range q.Where {
		if p.Op == OpIn && len(p.Values) == 0 {
			return true
		}
	}
	return false
}

// String renders q for logs.
func (q Query) String() string {
	parts := make([]string, 0, len(q.Where)+len(q.OrderBy))
	for _, p := range q.Where {
		if p.Op == OpIn {
			parts = append(parts, fmt.Sprintf("%s in %v", p.Field, p.Values))
		} else {
			parts = append(parts, fmt.Sprintf("%s == %v", p.Field, p.Value))
		}
	}
	for _, o := range q.OrderBy {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		parts = append(parts, "order by "+o.Field+" "+dir)
	}
	return strings.Join(parts, ", ")
}

var validFieldPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidateQuery checks that every field path is a plain dotted identifier.
// Backends that splice paths into query text rely on this.
func ValidateQuery(q Query) error {
	for _, p := range q.Where {
		if !validFieldPath.MatchString(p.Field) {
			return &ValidationError{Field: "query", Message: fmt.Sprintf("invalid field path %q", p.Field)}
		}
	}
	for _, o := range q.OrderBy {
		if !validFieldPath.MatchString(o.Field) {
			return &ValidationError{Field: "query", Message: fmt.Sprintf("invalid field path %q", o.Field)}
		}
	}
	return nil
}

// FieldValue returns the value at path, treating FieldID as the document id.
func (d Document) FieldValue(path string) (any, bool) {
	if path == FieldID {
		return d.ID, true
	}
	return LookupPath(d.Fields, path)
}

// Match reports whether d satisfies every predicate.
func Match(d Document, preds []Predicate) bool {
	for _, p := range preds {
		v, ok := d.FieldValue(p.Field)
		if !ok {
			return false
		}
		switch p.Op {
		case OpEq:
			if !Equal(v, p.Value) {
				return false
			}
		case OpIn:
			if !slices.ContainsFunc(p.Values, func(candidate any) bool { return Equal(v, candidate) }) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Filter applies q to docs in memory: match, sort, limit.
func Filter(docs []Document, q Query) []Document {
	if q.MatchesNothing() {
		return []Document{}
	}
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if Match(d, q.Where) {
			out = append(out, d)
		}
	}
	SortDocuments(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// SortDocuments orders docs by the given keys, breaking ties by id.
func SortDocuments(docs []Document, orders []Order) {
	slices.SortStableFunc(docs, func(a, b Document) int {
		for _, o := range orders {
			av, _ := a.FieldValue(o.Field)
			bv, _ := b.FieldValue(o.Field)
			c := compareValues(av, bv)
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// compareValues orders missing < bool < number < string.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		return cmp.Compare(av, b.(float64))
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}
