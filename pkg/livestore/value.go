package livestore

import (
	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/value"
)

// Value is the store's polymorphic value.
type Value = value.Value

// AnyOf converts Go data into a Value. Besides what value.FromGo accepts, a
// managed *Object becomes a reference to it, also inside slices and maps.
// Unmanaged objects cannot be referenced.
func AnyOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case *Object:
		if t == nil {
			return value.Null(), nil
		}
		if !t.Managed() {
			return Value{}, errors.Unmanaged("referencing an object")
		}
		if _, err := t.b.store.schema.Lookup(t.class.Name); err != nil {
			return Value{}, err
		}
		return value.Object(t.class.Name, t.key), nil
	case []*Object:
		elems := make([]Value, 0, len(t))
		for _, o := range t {
			v, err := AnyOf(o)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v)
		}
		return value.List(elems...), nil
	case []interface{}:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			v, err := AnyOf(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v)
		}
		return value.List(elems...), nil
	case map[string]interface{}:
		entries := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := AnyOf(e)
			if err != nil {
				return Value{}, err
			}
			entries[k] = v
		}
		return value.Dictionary(entries), nil
	}
	return value.FromGo(x)
}

// Fields converts a map of Go data into field values with AnyOf.
func Fields(in map[string]interface{}) (map[string]Value, error) {
	out := make(map[string]Value, len(in))
	for k, x := range in {
		v, err := AnyOf(x)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// MustFields is Fields for literals in tests and examples; it panics on
// conversion errors.
func MustFields(in map[string]interface{}) map[string]Value {
	out, err := Fields(in)
	if err != nil {
		panic(err)
	}
	return out
}
