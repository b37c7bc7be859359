package value

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/livestore/internal/errors"
)

// As returns the payload of v as T. Integer types interconvert when the value
// fits; every other conversion requires the exact variant.
func As[T any](v Value) (T, error) {
	var zero T
	var out interface{}
	var err error
	switch any(zero).(type) {
	case int64:
		out, err = v.AsInt64()
	case int:
		var n int64
		n, err = v.AsInt64()
		out = int(n)
	case int32:
		out, err = v.AsInt32()
	case int16:
		out, err = v.AsInt16()
	case int8:
		out, err = v.AsInt8()
	case uint16:
		out, err = v.AsChar()
	case bool:
		out, err = v.AsBool()
	case string:
		out, err = v.AsString()
	case []byte:
		out, err = v.AsBinary()
	case time.Time:
		out, err = v.AsTimestamp()
	case float32:
		out, err = v.AsFloat()
	case float64:
		out, err = v.AsDouble()
	case ObjectID:
		out, err = v.AsObjectID()
	case uuid.UUID:
		out, err = v.AsUUID()
	case Link:
		out, err = v.AsLink()
	case *Container:
		if v.c == nil {
			return zero, v.mismatch("container")
		}
		out = v.c
	case Value:
		out = v
	default:
		return zero, errors.UnknownType(fmt.Sprintf("%T", zero))
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// FromGo converts plain Go data into a Value. Object references are not
// handled here; callers resolve them against their schema first.
func FromGo(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case int32:
		return Int32(t), nil
	case int16:
		return Int16(t), nil
	case int8:
		return Int8(t), nil
	case uint16:
		return Char(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case time.Time:
		return Timestamp(t), nil
	case float32:
		return Float(t), nil
	case float64:
		return Double(t), nil
	case ObjectID:
		return OID(t), nil
	case uuid.UUID:
		return UUID(t), nil
	case Link:
		return Object(t.Class, t.Key), nil
	case []Value:
		return List(t...), nil
	case []interface{}:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, ev)
		}
		return List(elems...), nil
	case map[string]Value:
		return Dictionary(t), nil
	case map[string]interface{}:
		entries := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, err
			}
			entries[k] = ev
		}
		return Dictionary(entries), nil
	}
	return Value{}, errors.UnknownType(fmt.Sprintf("%T", x))
}
