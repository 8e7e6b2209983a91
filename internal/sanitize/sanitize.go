// Package sanitize coerces document metadata into store-safe shapes.
//
// Two representations exist, one per store. Vector payload metadata
// serializes every list value to a JSON string and truncates oversized
// values. Graph properties keep homogeneous primitive arrays as arrays
// and stringify mixed arrays and nested maps. Both passes are
// idempotent: applying them twice yields the first result.
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

const (
	// DefaultMaxDepth caps recursion to guard against cyclic values.
	DefaultMaxDepth = 10
	// DefaultMaxChars bounds payload values.
	DefaultMaxChars = 200
)

// Sanitizer applies the coercion rules.
type Sanitizer struct {
	maxDepth int
	maxChars int
}

// New returns a Sanitizer; zero arguments select the defaults.
func New(maxDepth, maxChars int) *Sanitizer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Sanitizer{maxDepth: maxDepth, maxChars: maxChars}
}

// Payload produces the vector-store representation of a metadata map:
// nil values become empty strings, instants become ISO 8601, lists and
// maps become JSON strings, strings longer than the cap are truncated,
// unserializable values are dropped.
func (s *Sanitizer) Payload(meta model.Metadata) model.Metadata {
	out := make(model.Metadata, len(meta))
	for key, value := range meta {
		coerced, ok := s.payloadValue(value)
		if !ok {
			continue
		}
		out[key] = coerced
	}
	return out
}

func (s *Sanitizer) payloadValue(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return s.truncate(t), true
	case bool, int, int32, int64, float32, float64:
		return t, true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	case *time.Time:
		if t == nil {
			return "", true
		}
		return t.UTC().Format(time.RFC3339), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Ptr:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return s.truncate(string(data)), true
	default:
		return s.truncate(fmt.Sprintf("%v", v)), true
	}
}

// GraphProperties produces the graph-store representation of a
// metadata map.
func (s *Sanitizer) GraphProperties(meta model.Metadata) model.Metadata {
	out := make(model.Metadata, len(meta))
	for key, value := range meta {
		out[key] = s.GraphValue(value)
	}
	return out
}

// GraphValue coerces a single value into a graph-compatible primitive:
// nil becomes "", instants become ISO 8601 strings, homogeneous
// primitive arrays stay arrays, mixed arrays and nested maps become
// JSON strings. Recursion depth is capped.
func (s *Sanitizer) GraphValue(v interface{}) interface{} {
	return s.graphValue(v, 0)
}

func (s *Sanitizer) graphValue(v interface{}, depth int) interface{} {
	if depth >= s.maxDepth {
		return jsonString(v)
	}

	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, int, int32, int64, float32, float64:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	case []string:
		return t
	case []int:
		return t
	case []int64:
		return t
	case []float64:
		return t
	case []bool:
		return t
	case []interface{}:
		if kind, homogeneous := sliceKind(t); homogeneous && kind != reflect.Invalid {
			out := make([]interface{}, len(t))
			for i, item := range t {
				out[i] = s.graphValue(item, depth+1)
			}
			return out
		}
		return jsonString(t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return ""
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array, reflect.Ptr:
		return jsonString(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sliceKind reports the common primitive kind of all elements, and
// whether the slice is homogeneous. Nested containers disqualify.
func sliceKind(items []interface{}) (reflect.Kind, bool) {
	var kind reflect.Kind
	for _, item := range items {
		k := primitiveKind(item)
		if k == reflect.Invalid {
			return reflect.Invalid, false
		}
		if kind == reflect.Invalid {
			kind = k
			continue
		}
		if k != kind {
			return reflect.Invalid, false
		}
	}
	return kind, true
}

func primitiveKind(v interface{}) reflect.Kind {
	switch v.(type) {
	case string, time.Time:
		return reflect.String
	case bool:
		return reflect.Bool
	case int, int32, int64:
		return reflect.Int64
	case float32, float64:
		return reflect.Float64
	default:
		return reflect.Invalid
	}
}

func jsonString(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func (s *Sanitizer) truncate(str string) string {
	if len(str) > s.maxChars {
		return str[:s.maxChars]
	}
	return str
}
