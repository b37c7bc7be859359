package value

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/livestore/internal/errors"
)

// wireValue is the JSON form used by the commit log. Instance ids are not
// persisted; containers are re-adopted on replay.
type wireValue struct {
	K string           `json:"k"`
	W IntWidth         `json:"w,omitempty"`
	I int64            `json:"i,omitempty"`
	F uint64           `json:"f,omitempty"`
	S string           `json:"s,omitempty"`
	B []byte           `json:"b,omitempty"`
	T int64            `json:"t,omitempty"`
	C string           `json:"c,omitempty"`
	L []Value          `json:"l,omitempty"`
	D map[string]Value `json:"d,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{K: v.kind.String()}
	switch v.kind {
	case KindInt:
		w.W = v.width
		w.I = v.i
	case KindBool:
		w.I = v.i
	case KindString:
		w.S = v.s
	case KindBinary:
		w.B = []byte(v.s)
	case KindTimestamp:
		w.T = v.t.UnixNano()
	case KindFloat, KindDouble:
		w.F = math.Float64bits(v.f)
	case KindObjectID:
		w.S = v.oid.Hex()
	case KindUUID:
		w.S = v.u.String()
	case KindObject:
		w.C = v.link.Class
		w.I = v.link.Key
	case KindList:
		w.L = v.c.elems
	case KindDictionary:
		w.D = v.c.entries
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, ok := ParseKind(w.K)
	if !ok {
		return errors.CorruptedData(fmt.Sprintf("unknown value kind %q", w.K), nil)
	}
	switch kind {
	case KindNull:
		*v = Null()
	case KindInt:
		*v = Value{kind: KindInt, width: w.W, i: w.I}
	case KindBool:
		*v = Bool(w.I == 1)
	case KindString:
		*v = String(w.S)
	case KindBinary:
		*v = Binary(w.B)
	case KindTimestamp:
		*v = Timestamp(time.Unix(0, w.T).UTC())
	case KindFloat:
		*v = Value{kind: KindFloat, f: math.Float64frombits(w.F)}
	case KindDouble:
		*v = Double(math.Float64frombits(w.F))
	case KindObjectID:
		id, err := ParseObjectID(w.S)
		if err != nil {
			return err
		}
		*v = OID(id)
	case KindUUID:
		id, err := uuid.Parse(w.S)
		if err != nil {
			return errors.CorruptedData("invalid uuid", err)
		}
		*v = UUID(id)
	case KindObject:
		*v = Object(w.C, w.I)
	case KindList:
		*v = List(w.L...)
	case KindDictionary:
		*v = Dictionary(w.D)
	}
	return nil
}
