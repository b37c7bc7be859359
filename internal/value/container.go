package value

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devrev/livestore/internal/errors"
)

// Container is a nested list or dictionary.
//
// Containers reachable from a committed record are never mutated. Writers
// call Clone to obtain a private copy (same instance id), mutate it and write
// it back into the slot.
type Container struct {
	id      uint64
	kind    Kind
	elems   []Value
	entries map[string]Value
}

// ID returns the instance id; 0 for containers that were never stored.
func (c *Container) ID() uint64 { return c.id }

func (c *Container) Kind() Kind { return c.kind }

func (c *Container) IsList() bool { return c.kind == KindList }

func (c *Container) Len() int {
	if c.kind == KindList {
		return len(c.elems)
	}
	return len(c.entries)
}

// At returns the list element at index i.
func (c *Container) At(i int) (Value, error) {
	if c.kind != KindList {
		return Value{}, typeMismatch("list", c.kind.String())
	}
	if i < 0 || i >= len(c.elems) {
		return Value{}, indexOutOfBounds(i, len(c.elems))
	}
	return c.elems[i], nil
}

// Elements returns a copy of the list elements.
func (c *Container) Elements() []Value {
	return append([]Value(nil), c.elems...)
}

// Lookup returns the dictionary entry for key.
func (c *Container) Lookup(key string) (Value, bool) {
	v, ok := c.entries[key]
	return v, ok
}

// Keys returns the dictionary keys in sorted order.
func (c *Container) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of the dictionary entries.
func (c *Container) Entries() map[string]Value {
	out := make(map[string]Value, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy that keeps the instance id.
func (c *Container) Clone() *Container {
	out := &Container{id: c.id, kind: c.kind}
	if c.kind == KindList {
		out.elems = append(make([]Value, 0, len(c.elems)+1), c.elems...)
	} else {
		out.entries = make(map[string]Value, len(c.entries)+1)
		for k, v := range c.entries {
			out.entries[k] = v
		}
	}
	return out
}

// The mutators below must only be used on a container obtained from Clone
// (or a freshly built one) before it is published.

func (c *Container) Append(v Value) {
	c.elems = append(c.elems, v)
}

func (c *Container) Insert(i int, v Value) error {
	if i < 0 || i > len(c.elems) {
		return indexOutOfBounds(i, len(c.elems))
	}
	c.elems = append(c.elems, Value{})
	copy(c.elems[i+1:], c.elems[i:])
	c.elems[i] = v
	return nil
}

func (c *Container) SetAt(i int, v Value) error {
	if i < 0 || i >= len(c.elems) {
		return indexOutOfBounds(i, len(c.elems))
	}
	c.elems[i] = v
	return nil
}

func (c *Container) RemoveAt(i int) (Value, error) {
	if i < 0 || i >= len(c.elems) {
		return Value{}, indexOutOfBounds(i, len(c.elems))
	}
	old := c.elems[i]
	c.elems = append(c.elems[:i], c.elems[i+1:]...)
	return old, nil
}

func (c *Container) Put(key string, v Value) {
	c.entries[key] = v
}

func (c *Container) Delete(key string) bool {
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

func (c *Container) Clear() {
	if c.kind == KindList {
		c.elems = nil
	} else {
		c.entries = make(map[string]Value)
	}
}

// IndexOfInstance returns the position of the nested container with the
// given instance id, or -1.
func (c *Container) IndexOfInstance(id uint64) int {
	for i, e := range c.elems {
		if e.c != nil && e.c.id == id {
			return i
		}
	}
	return -1
}

func (c *Container) String() string {
	var b strings.Builder
	if c.kind == KindList {
		b.WriteByte('[')
		for i, e := range c.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.String())
		}
		b.WriteByte(']')
		return b.String()
	}
	b.WriteByte('{')
	for i, k := range c.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(c.entries[k].String())
	}
	b.WriteByte('}')
	return b.String()
}

// Adopt deep-copies v, assigning a fresh instance id from next to every
// nested container. It is applied to every value written into a slot, so a
// slot never shares a container instance with any other slot or with a
// previous value of itself.
func Adopt(v Value, next func() uint64) Value {
	if v.c == nil {
		return v
	}
	out := &Container{id: next(), kind: v.c.kind}
	if v.c.kind == KindList {
		out.elems = make([]Value, len(v.c.elems))
		for i, e := range v.c.elems {
			out.elems[i] = Adopt(e, next)
		}
	} else {
		out.entries = make(map[string]Value, len(v.c.entries))
		for k, e := range v.c.entries {
			out.entries[k] = Adopt(e, next)
		}
	}
	return Value{kind: v.kind, c: out}
}

// Walk calls fn for v and, recursively, every value nested inside it.
func Walk(v Value, fn func(Value)) {
	fn(v)
	if v.c == nil {
		return
	}
	for _, e := range v.c.elems {
		Walk(e, fn)
	}
	for _, e := range v.c.entries {
		Walk(e, fn)
	}
}

func typeMismatch(expected, actual string) error {
	return errors.TypeMismatch(expected, actual)
}

func numericOverflow(v int64, target string) error {
	return errors.NumericOverflow(v, target)
}

func indexOutOfBounds(i, n int) error {
	return errors.InvalidArgument(fmt.Sprintf("index %d out of bounds for size %d", i, n), nil).
		WithDetail("index", i).
		WithDetail("size", n)
}
