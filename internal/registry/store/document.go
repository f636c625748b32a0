package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"strings"
)

// FieldID addresses the document id in predicates and ordering.
const FieldID = "id"

// Document is a stored document. Fields never contain the id; it lives in ID.
// Field values are in canonical JSON form: string, float64, bool, nil,
// []any and map[string]any.
type Document struct {
	ID     string
	Fields map[string]any
}

// Decode unmarshals the document, including its id, into v.
func (d Document) Decode(v any) error {
	fields := make(map[string]any, len(d.Fields)+1)
	maps.Copy(fields, d.Fields)
	fields[FieldID] = d.ID
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("decode %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.ID, err)
	}
	return nil
}

// DecodeAll decodes every document into a new T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode converts a model value into document fields. The "id" key is dropped.
func Encode(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	delete(fields, FieldID)
	return fields, nil
}

// Normalize converts v to its canonical JSON form.
func Normalize(v any) any {
	switch v.(type) {
	case nil, string, float64, bool:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Equal compares two field values after normalization.
func Equal(a, b any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

type serverTimestamp struct{}

// ServerTimestamp is a field value the store replaces with its own clock,
// in Unix milliseconds, when the write is applied.
func ServerTimestamp() any { return serverTimestamp{} }

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

type arrayUnion struct {
	values []any
}

// ArrayUnion is a field value that adds each of values to an array field
// unless already present.
func ArrayUnion(values ...any) any {
	normalized := make([]any, len(values))
	for i, v := range values {
		normalized[i] = Normalize(v)
	}
	return arrayUnion{values: normalized}
}

// ArrayUnionValues returns the values of an ArrayUnion sentinel.
func ArrayUnionValues(v any) ([]any, bool) {
	u, ok := v.(arrayUnion)
	if !ok {
		return nil, false
	}
	return u.values, true
}

// ResolveFields returns a canonical copy of fields with sentinels resolved
// against now. Used by Set and Add.
func ResolveFields(fields map[string]any, now int64) map[string]any {
	return ApplyPatch(map[string]any{}, fields, now)
}

// ApplyPatch returns doc with patch merged in. Dotted keys address nested
// fields. Sentinels are resolved against now; doc is not modified.
func ApplyPatch(doc, patch map[string]any, now int64) map[string]any {
	out, _ := Normalize(doc).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	for key, value := range patch {
		if key == FieldID {
			continue
		}
		switch {
		case IsServerTimestamp(value):
			setPath(out, key, float64(now))
		default:
			if values, ok := ArrayUnionValues(value); ok {
				existing, _ := LookupPath(out, key)
				arr, _ := existing.([]any)
				merged := append([]any{}, arr...)
				for _, v := range values {
					if !containsValue(merged, v) {
						merged = append(merged, v)
					}
				}
				setPath(out, key, merged)
				continue
			}
			setPath(out, key, Normalize(value))
		}
	}
	return out
}

// LookupPath resolves a dotted field path.
func LookupPath(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(fields map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := fields
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}
