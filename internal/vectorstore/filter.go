package vectorstore

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// Condition compares one payload field against a value.
type Condition struct {
	Field  string
	Op     Op
	Value  interface{}
	Values []interface{} // for OpIn
}

// Filter is a conjunction of conditions enforced at the database level,
// so chunks outside the filter are never retrieved.
type Filter struct {
	Must []Condition
}

// NewFilter builds a filter from conditions.
func NewFilter(conds ...Condition) *Filter {
	return &Filter{Must: conds}
}

// Eq matches field == value.
func Eq(field string, value interface{}) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// Gte matches field >= value.
func Gte(field string, value interface{}) Condition {
	return Condition{Field: field, Op: OpGte, Value: value}
}

// Lte matches field <= value.
func Lte(field string, value interface{}) Condition {
	return Condition{Field: field, Op: OpLte, Value: value}
}

// In matches field ∈ values.
func In(field string, values ...interface{}) Condition {
	return Condition{Field: field, Op: OpIn, Values: values}
}

// filterColumns whitelists filterable fields and maps them to columns.
// Anything else is rejected to keep generated SQL closed.
var filterColumns = map[string]string{
	"tenant_id":            "tenant_id",
	"document_id":          "document_id",
	"source":               "source",
	"document_type":        "document_type",
	"title":                "title",
	"created_at_timestamp": "created_at_timestamp",
}

// compile renders the filter as a SQL conjunction with numbered
// placeholders starting at argIndex. An empty filter compiles to "".
func (f *Filter) compile(argIndex int) (string, []interface{}, error) {
	if f == nil || len(f.Must) == 0 {
		return "", nil, nil
	}

	var clauses []string
	var args []interface{}

	for _, c := range f.Must {
		col, ok := filterColumns[c.Field]
		if !ok {
			return "", nil, fmt.Errorf("unfilterable field: %s", c.Field)
		}

		switch c.Op {
		case OpEq:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", col, argIndex))
			args = append(args, c.Value)
			argIndex++
		case OpGte:
			clauses = append(clauses, fmt.Sprintf("%s >= $%d", col, argIndex))
			args = append(args, c.Value)
			argIndex++
		case OpLte:
			clauses = append(clauses, fmt.Sprintf("%s <= $%d", col, argIndex))
			args = append(args, c.Value)
			argIndex++
		case OpIn:
			if len(c.Values) == 0 {
				return "", nil, fmt.Errorf("in filter on %s has no values", c.Field)
			}
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, argIndex))
			args = append(args, pq.Array(toStrings(c.Values)))
			argIndex++
		default:
			return "", nil, fmt.Errorf("unknown filter op: %s", c.Op)
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toStrings converts IN values for pq.Array; mixed-type lists fall back
// to their string forms.
func toStrings(values []interface{}) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%v", v)
	}
	return out
}
