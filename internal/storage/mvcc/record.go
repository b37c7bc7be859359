package mvcc

import (
	"fmt"

	"github.com/devrev/livestore/internal/value"
)

// VersionID identifies a published snapshot. Versions strictly increase.
type VersionID uint64

// Key identifies an object across versions.
type Key struct {
	Class  string
	ObjKey int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s[%d]", k.Class, k.ObjKey)
}

// encode returns a string that sorts by class, then by signed object key.
func (k Key) encode() string {
	return classPrefix(k.Class) + fmt.Sprintf("%016x", uint64(k.ObjKey)^(1<<63))
}

func classPrefix(class string) string {
	return class + "\x00"
}

// Record is the stored state of one object. A record that has been handed to
// a transaction or published must not be mutated; use Clone.
type Record struct {
	Key    Key
	Fields map[string]value.Value
}

func NewRecord(key Key, fields map[string]value.Value) *Record {
	if fields == nil {
		fields = make(map[string]value.Value)
	}
	return &Record{Key: key, Fields: fields}
}

// Get returns the value stored for the field.
func (r *Record) Get(name string) (value.Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Clone returns a copy whose field map can be modified.
func (r *Record) Clone() *Record {
	fields := make(map[string]value.Value, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{Key: r.Key, Fields: fields}
}

// Reader reads objects at one fixed version.
type Reader interface {
	Version() VersionID
	// Get returns the record for key; found is false when the object does not
	// exist at this version.
	Get(key Key) (rec *Record, found bool, err error)
	// Scan visits the objects of class in key order until fn returns false.
	Scan(class string, fn func(*Record) bool) error
}
