// Package validation checks values against the schema before they are
// written into an object.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/value"
)

const (
	// Size limits
	MaxStringSize = 16 * 1024 * 1024 // 16 MB
	MaxBinarySize = 16 * 1024 * 1024 // 16 MB
	MaxKeySize    = 256              // dictionary keys

	// MaxNestingDepth bounds nested containers inside any-values.
	MaxNestingDepth = 100
)

// Validator validates values written into objects
type Validator struct {
	schema        *schema.Schema
	maxStringSize int
	maxBinarySize int
}

// NewValidator creates a new validator with default limits
func NewValidator(s *schema.Schema) *Validator {
	return &Validator{
		schema:        s,
		maxStringSize: MaxStringSize,
		maxBinarySize: MaxBinarySize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(s *schema.Schema, maxStringSize, maxBinarySize int) *Validator {
	return &Validator{
		schema:        s,
		maxStringSize: maxStringSize,
		maxBinarySize: maxBinarySize,
	}
}

// ValidateObject validates every field of an object of class.
func (v *Validator) ValidateObject(class *schema.Class, fields map[string]value.Value) error {
	for name, val := range fields {
		if err := v.ValidateField(class, name, val); err != nil {
			return err
		}
	}
	return nil
}

// ValidateField validates a whole property value.
func (v *Validator) ValidateField(class *schema.Class, name string, val value.Value) error {
	p, ok := class.Property(name)
	if !ok {
		if _, isBacklink := class.Backlink(name); isBacklink {
			return errors.InvalidArgument(fmt.Sprintf("'%s.%s' is a backlink and cannot be written", class.Name, name), nil)
		}
		return errors.InvalidArgument(fmt.Sprintf("property '%s' does not exist on '%s'", name, class.Name), nil)
	}

	switch p.Collection {
	case schema.CollectionList, schema.CollectionSet:
		list, err := val.AsList()
		if err != nil {
			return v.fieldError(class, p, err)
		}
		for i, e := range list.Elements() {
			if err := v.ValidateElement(p, e); err != nil {
				return v.fieldError(class, p, fmt.Errorf("element %d: %w", i, err))
			}
		}
		return nil
	case schema.CollectionDictionary:
		dict, err := val.AsDictionary()
		if err != nil {
			return v.fieldError(class, p, err)
		}
		for _, k := range dict.Keys() {
			if err := ValidateDictionaryKey(k); err != nil {
				return err
			}
			e, _ := dict.Lookup(k)
			if err := v.ValidateElement(p, e); err != nil {
				return v.fieldError(class, p, fmt.Errorf("key '%s': %w", k, err))
			}
		}
		return nil
	}

	if val.IsNull() {
		if !p.Nullable {
			return errors.InvalidArgument(fmt.Sprintf("property '%s.%s' is not nullable", class.Name, p.Name), nil)
		}
		return nil
	}
	if err := v.validateScalar(p, val, 0); err != nil {
		return v.fieldError(class, p, err)
	}
	return nil
}

// ValidateElement validates one element of a collection property.
func (v *Validator) ValidateElement(p *schema.Property, e value.Value) error {
	if e.IsNull() {
		if p.Type == schema.TypeObject && p.Collection != schema.CollectionDictionary {
			return errors.InvalidArgument("collections of objects cannot hold null", nil)
		}
		if !p.Nullable && p.Type != schema.TypeAny {
			return errors.InvalidArgument(fmt.Sprintf("collection '%s' does not accept null", p.Name), nil)
		}
		return nil
	}
	if p.Collection == schema.CollectionSet && e.Kind().IsContainer() {
		return errors.InvalidArgument("sets cannot contain nested collections", nil)
	}
	return v.validateScalar(p, e, 0)
}

func (v *Validator) validateScalar(p *schema.Property, val value.Value, depth int) error {
	if p.Type == schema.TypeAny {
		return v.validateAny(val, depth)
	}
	if val.Kind() != p.Type.Kind() {
		return errors.TypeMismatch(p.Type.String(), val.Kind().String())
	}
	switch val.Kind() {
	case value.KindString:
		s, _ := val.AsString()
		if len(s) > v.maxStringSize {
			return errors.InvalidArgument(fmt.Sprintf("string exceeds maximum size of %d bytes", v.maxStringSize), nil)
		}
	case value.KindBinary:
		b, _ := val.AsBinary()
		if len(b) > v.maxBinarySize {
			return errors.InvalidArgument(fmt.Sprintf("binary exceeds maximum size of %d bytes", v.maxBinarySize), nil)
		}
	case value.KindObject:
		l, _ := val.AsLink()
		if l.Class != p.Target {
			return errors.TypeMismatch(p.Target, l.Class)
		}
	}
	return nil
}

func (v *Validator) validateAny(val value.Value, depth int) error {
	if depth > MaxNestingDepth {
		return errors.InvalidArgument(fmt.Sprintf("nesting exceeds %d levels", MaxNestingDepth), nil)
	}
	switch val.Kind() {
	case value.KindObject:
		return v.ValidateLink(val)
	case value.KindString:
		s, _ := val.AsString()
		if len(s) > v.maxStringSize {
			return errors.InvalidArgument(fmt.Sprintf("string exceeds maximum size of %d bytes", v.maxStringSize), nil)
		}
	case value.KindList:
		list, _ := val.AsList()
		for _, e := range list.Elements() {
			if err := v.validateAny(e, depth+1); err != nil {
				return err
			}
		}
	case value.KindDictionary:
		dict, _ := val.AsDictionary()
		for _, k := range dict.Keys() {
			if err := ValidateDictionaryKey(k); err != nil {
				return err
			}
			e, _ := dict.Lookup(k)
			if err := v.validateAny(e, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateLink checks that a reference names a class of the schema.
func (v *Validator) ValidateLink(val value.Value) error {
	l, err := val.AsLink()
	if err != nil {
		return err
	}
	if _, err := v.schema.Lookup(l.Class); err != nil {
		return err
	}
	return nil
}

func (v *Validator) fieldError(class *schema.Class, p *schema.Property, err error) error {
	if se, ok := err.(*errors.StoreError); ok {
		return se.WithDetail("property", class.Name+"."+p.Name)
	}
	return errors.InvalidArgument(fmt.Sprintf("invalid value for '%s.%s'", class.Name, p.Name), err).
		WithDetail("property", class.Name+"."+p.Name)
}

// ValidateDictionaryKey validates a dictionary key: non-empty, bounded, no
// control characters, no '.' and no leading '$'.
func ValidateDictionaryKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("dictionary key cannot be empty", nil)
	}
	if len(key) > MaxKeySize {
		return errors.InvalidArgument(fmt.Sprintf("dictionary key exceeds maximum size of %d bytes", MaxKeySize), nil)
	}
	if strings.Contains(key, ".") {
		return errors.InvalidArgument(fmt.Sprintf("dictionary key '%s' cannot contain '.'", key), nil)
	}
	if strings.HasPrefix(key, "$") {
		return errors.InvalidArgument(fmt.Sprintf("dictionary key '%s' cannot start with '$'", key), nil)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("dictionary key cannot contain control characters", nil)
		}
	}
	return nil
}
