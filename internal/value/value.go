// Package value implements the store's polymorphic value: a tagged union over
// primitives, binary data, object references and nested list/dictionary
// containers.
//
// A Value is immutable once it is part of a committed record. Nested containers
// carry an instance id that is assigned every time the container is written
// into a slot (see Adopt); handles into a container remember that id and stop
// resolving once the slot holds a different instance.
package value

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Kind is the variant tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindBool
	KindString
	KindBinary
	KindTimestamp
	KindFloat
	KindDouble
	KindObjectID
	KindUUID
	KindObject
	KindList
	KindDictionary
)

var kindNames = [...]string{
	KindNull:       "null",
	KindInt:        "int",
	KindBool:       "bool",
	KindString:     "string",
	KindBinary:     "binary",
	KindTimestamp:  "timestamp",
	KindFloat:      "float",
	KindDouble:     "double",
	KindObjectID:   "objectId",
	KindUUID:       "uuid",
	KindObject:     "object",
	KindList:       "list",
	KindDictionary: "dictionary",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return KindNull, false
}

// IsContainer reports whether values of this kind hold a nested container.
func (k Kind) IsContainer() bool {
	return k == KindList || k == KindDictionary
}

// IntWidth records the integer representation a value was created from.
// Widths never take part in equality.
type IntWidth uint8

const (
	Width64 IntWidth = iota
	Width8
	Width16
	WidthChar
	Width32
)

// Link references a persisted object.
type Link struct {
	Class string
	Key   int64
}

func (l Link) String() string {
	return fmt.Sprintf("%s[%d]", l.Class, l.Key)
}

// Value is the tagged union. The zero Value is null.
type Value struct {
	kind  Kind
	width IntWidth
	i     int64
	f     float64
	s     string
	t     time.Time
	oid   ObjectID
	u     uuid.UUID
	link  Link
	c     *Container
}

func Null() Value { return Value{} }

func Int(v int64) Value { return Value{kind: KindInt, i: v} }

func Int8(v int8) Value { return Value{kind: KindInt, width: Width8, i: int64(v)} }

func Int16(v int16) Value { return Value{kind: KindInt, width: Width16, i: int64(v)} }

func Int32(v int32) Value { return Value{kind: KindInt, width: Width32, i: int64(v)} }

// Char stores a UTF-16 code unit, the representation of a character.
func Char(v uint16) Value { return Value{kind: KindInt, width: WidthChar, i: int64(v)} }

func Bool(v bool) Value {
	out := Value{kind: KindBool}
	if v {
		out.i = 1
	}
	return out
}

func String(v string) Value { return Value{kind: KindString, s: v} }

// Binary copies b.
func Binary(b []byte) Value { return Value{kind: KindBinary, s: string(b)} }

func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t} }

func Float(v float32) Value { return Value{kind: KindFloat, f: float64(v)} }

func Double(v float64) Value { return Value{kind: KindDouble, f: v} }

func OID(id ObjectID) Value { return Value{kind: KindObjectID, oid: id} }

func UUID(id uuid.UUID) Value { return Value{kind: KindUUID, u: id} }

// Object builds a reference to the object with the given class and key.
// Callers are responsible for checking that the class exists in the schema.
func Object(class string, key int64) Value {
	return Value{kind: KindObject, link: Link{Class: class, Key: key}}
}

// List builds an unmanaged list container.
func List(elems ...Value) Value {
	c := &Container{kind: KindList, elems: append([]Value(nil), elems...)}
	return Value{kind: KindList, c: c}
}

// Dictionary builds an unmanaged dictionary container.
func Dictionary(entries map[string]Value) Value {
	c := &Container{kind: KindDictionary, entries: make(map[string]Value, len(entries))}
	for k, v := range entries {
		c.entries[k] = v
	}
	return Value{kind: KindDictionary, c: c}
}

// FromContainer wraps c in a value of the matching kind.
func FromContainer(c *Container) Value {
	return Value{kind: c.kind, c: c}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Width() IntWidth { return v.width }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Container returns the nested container, or nil for non-container values.
func (v Value) Container() *Container { return v.c }

func (v Value) mismatch(expected string) error {
	return typeMismatch(expected, v.kind.String())
}

func (v Value) AsInt64() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch("int64")
	}
	return v.i, nil
}

func (v Value) AsInt32() (int32, error) {
	if v.kind != KindInt {
		return 0, v.mismatch("int32")
	}
	if v.i < math.MinInt32 || v.i > math.MaxInt32 {
		return 0, numericOverflow(v.i, "int32")
	}
	return int32(v.i), nil
}

func (v Value) AsInt16() (int16, error) {
	if v.kind != KindInt {
		return 0, v.mismatch("int16")
	}
	if v.i < math.MinInt16 || v.i > math.MaxInt16 {
		return 0, numericOverflow(v.i, "int16")
	}
	return int16(v.i), nil
}

func (v Value) AsInt8() (int8, error) {
	if v.kind != KindInt {
		return 0, v.mismatch("int8")
	}
	if v.i < math.MinInt8 || v.i > math.MaxInt8 {
		return 0, numericOverflow(v.i, "int8")
	}
	return int8(v.i), nil
}

func (v Value) AsChar() (uint16, error) {
	if v.kind != KindInt {
		return 0, v.mismatch("char")
	}
	if v.i < 0 || v.i > math.MaxUint16 {
		return 0, numericOverflow(v.i, "char")
	}
	return uint16(v.i), nil
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch("bool")
	}
	return v.i == 1, nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch("string")
	}
	return v.s, nil
}

// AsBinary returns a copy of the stored bytes.
func (v Value) AsBinary() ([]byte, error) {
	if v.kind != KindBinary {
		return nil, v.mismatch("binary")
	}
	return []byte(v.s), nil
}

func (v Value) AsTimestamp() (time.Time, error) {
	if v.kind != KindTimestamp {
		return time.Time{}, v.mismatch("timestamp")
	}
	return v.t, nil
}

func (v Value) AsFloat() (float32, error) {
	if v.kind != KindFloat {
		return 0, v.mismatch("float")
	}
	return float32(v.f), nil
}

func (v Value) AsDouble() (float64, error) {
	if v.kind != KindDouble {
		return 0, v.mismatch("double")
	}
	return v.f, nil
}

func (v Value) AsObjectID() (ObjectID, error) {
	if v.kind != KindObjectID {
		return ObjectID{}, v.mismatch("objectId")
	}
	return v.oid, nil
}

func (v Value) AsUUID() (uuid.UUID, error) {
	if v.kind != KindUUID {
		return uuid.UUID{}, v.mismatch("uuid")
	}
	return v.u, nil
}

func (v Value) AsLink() (Link, error) {
	if v.kind != KindObject {
		return Link{}, v.mismatch("object")
	}
	return v.link, nil
}

func (v Value) AsList() (*Container, error) {
	if v.kind != KindList {
		return nil, v.mismatch("list")
	}
	return v.c, nil
}

func (v Value) AsDictionary() (*Container, error) {
	if v.kind != KindDictionary {
		return nil, v.mismatch("dictionary")
	}
	return v.c, nil
}

// Number returns the value as float64 for numeric kinds; used by aggregates
// and comparisons.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat, KindDouble:
		return v.f, true
	}
	return 0, false
}

// Interface converts the value into plain Go data (maps, slices, scalars).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindBool:
		return v.i == 1
	case KindString:
		return v.s
	case KindBinary:
		return []byte(v.s)
	case KindTimestamp:
		return v.t
	case KindFloat:
		return float32(v.f)
	case KindDouble:
		return v.f
	case KindObjectID:
		return v.oid.Hex()
	case KindUUID:
		return v.u.String()
	case KindObject:
		return map[string]interface{}{"class": v.link.Class, "key": v.link.Key}
	case KindList:
		out := make([]interface{}, 0, v.c.Len())
		for _, e := range v.c.elems {
			out = append(out, e.Interface())
		}
		return out
	case KindDictionary:
		out := make(map[string]interface{}, v.c.Len())
		for k, e := range v.c.entries {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBinary:
		return fmt.Sprintf("binary(%d)", len(v.s))
	case KindTimestamp:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindObject:
		return v.link.String()
	case KindList, KindDictionary:
		return v.c.String()
	}
	return fmt.Sprint(v.Interface())
}
