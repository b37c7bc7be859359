package value

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// Equal reports whether a and b hold the same variant and payload.
// Integer widths are ignored; float and double are distinct families.
// Containers compare structurally, regardless of instance id.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindInt, KindBool:
		return a.i == b.i
	case KindString, KindBinary:
		return a.s == b.s
	case KindTimestamp:
		return a.t.Equal(b.t)
	case KindFloat, KindDouble:
		return math.Float64bits(a.f) == math.Float64bits(b.f)
	case KindObjectID:
		return a.oid == b.oid
	case KindUUID:
		return a.u == b.u
	case KindObject:
		return a.link == b.link
	case KindList:
		if len(a.c.elems) != len(b.c.elems) {
			return false
		}
		for i := range a.c.elems {
			if !Equal(a.c.elems[i], b.c.elems[i]) {
				return false
			}
		}
		return true
	case KindDictionary:
		if len(a.c.entries) != len(b.c.entries) {
			return false
		}
		for k, av := range a.c.entries {
			bv, ok := b.c.entries[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// SameInstance reports whether both values hold the very same container
// instance. Non-container values are never the same instance.
func SameInstance(a, b Value) bool {
	return a.c != nil && b.c != nil && a.c.id != 0 && a.c.id == b.c.id
}

// Fingerprint returns a canonical string such that Equal values of
// non-container kinds share a fingerprint. Stored containers fingerprint by
// instance id so a container whose content changed still matches itself.
func Fingerprint(v Value) string {
	var b strings.Builder
	fingerprint(&b, v, true)
	return b.String()
}

// StructuralFingerprint is like Fingerprint but always descends into
// containers.
func StructuralFingerprint(v Value) string {
	var b strings.Builder
	fingerprint(&b, v, false)
	return b.String()
}

func fingerprint(b *strings.Builder, v Value, byInstance bool) {
	switch v.kind {
	case KindNull:
		b.WriteString("n")
	case KindInt:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(v.i, 10))
	case KindBool:
		b.WriteString("b:")
		b.WriteString(strconv.FormatInt(v.i, 10))
	case KindString:
		b.WriteString("s:")
		b.WriteString(strconv.Quote(v.s))
	case KindBinary:
		b.WriteString("x:")
		b.WriteString(hex.EncodeToString([]byte(v.s)))
	case KindTimestamp:
		b.WriteString("t:")
		b.WriteString(strconv.FormatInt(v.t.UnixNano(), 10))
	case KindFloat:
		b.WriteString("f:")
		b.WriteString(strconv.FormatUint(math.Float64bits(v.f), 16))
	case KindDouble:
		b.WriteString("d:")
		b.WriteString(strconv.FormatUint(math.Float64bits(v.f), 16))
	case KindObjectID:
		b.WriteString("o:")
		b.WriteString(v.oid.Hex())
	case KindUUID:
		b.WriteString("u:")
		b.WriteString(v.u.String())
	case KindObject:
		b.WriteString("r:")
		b.WriteString(v.link.Class)
		b.WriteByte('/')
		b.WriteString(strconv.FormatInt(v.link.Key, 10))
	case KindList, KindDictionary:
		if byInstance && v.c.id != 0 {
			b.WriteString("c:")
			b.WriteString(strconv.FormatUint(v.c.id, 10))
			return
		}
		if v.kind == KindList {
			b.WriteByte('[')
			for i, e := range v.c.elems {
				if i > 0 {
					b.WriteByte(',')
				}
				fingerprint(b, e, byInstance)
			}
			b.WriteByte(']')
			return
		}
		b.WriteByte('{')
		for i, k := range v.c.Keys() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			fingerprint(b, v.c.entries[k], byInstance)
		}
		b.WriteByte('}')
	}
}

// Compare orders two values of the same family: -1, 0 or 1. ok is false when
// the values cannot be ordered against each other. Integers compare exactly,
// also against floating point values.
func Compare(a, b Value) (int, bool) {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return cmpInt(a.i, b.i), true
	case a.kind == KindInt && b.isFloating():
		return cmpIntFloat(a.i, b.f), true
	case a.isFloating() && b.kind == KindInt:
		return -cmpIntFloat(b.i, a.f), true
	case a.isFloating() && b.isFloating():
		return cmpFloat(a.f, b.f), true
	case a.kind == KindInt || a.isFloating():
		return 0, false
	}
	if a.kind != b.kind {
		return 0, false
	}
	switch a.kind {
	case KindNull:
		return 0, true
	case KindBool:
		return cmpInt(a.i, b.i), true
	case KindString, KindBinary:
		return strings.Compare(a.s, b.s), true
	case KindTimestamp:
		return a.t.Compare(b.t), true
	case KindObjectID:
		return strings.Compare(a.oid.Hex(), b.oid.Hex()), true
	case KindUUID:
		return strings.Compare(a.u.String(), b.u.String()), true
	}
	return 0, false
}

func (v Value) isFloating() bool { return v.kind == KindFloat || v.kind == KindDouble }

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpIntFloat falls back to integer comparison when the float conversion of
// i is ambiguous.
func cmpIntFloat(i int64, f float64) int {
	if c := cmpFloat(float64(i), f); c != 0 || math.IsNaN(f) {
		return c
	}
	switch {
	case f >= math.MaxInt64:
		return -1
	case f < math.MinInt64:
		return 1
	}
	return cmpInt(i, int64(f))
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
