// Package schema holds the descriptor table of the classes a store manages.
// Every property is described once, at registration, by its storage type,
// nullability and collection kind; nothing is discovered by reflection.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/value"
)

// PropertyType is the storage type of a property or of a collection's elements.
type PropertyType uint8

const (
	TypeInt PropertyType = iota
	TypeBool
	TypeString
	TypeBinary
	TypeTimestamp
	TypeFloat
	TypeDouble
	TypeObjectID
	TypeUUID
	TypeObject
	TypeAny
)

var typeNames = [...]string{
	TypeInt:       "int",
	TypeBool:      "bool",
	TypeString:    "string",
	TypeBinary:    "binary",
	TypeTimestamp: "timestamp",
	TypeFloat:     "float",
	TypeDouble:    "double",
	TypeObjectID:  "objectId",
	TypeUUID:      "uuid",
	TypeObject:    "object",
	TypeAny:       "any",
}

func (t PropertyType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParsePropertyType resolves a type name as written in configuration.
func ParsePropertyType(name string) (PropertyType, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, name) {
			return PropertyType(t), nil
		}
	}
	return 0, errors.InvalidArgument(fmt.Sprintf("unknown property type '%s'", name), nil)
}

// Kind returns the value kind stored for this type. TypeAny has no single kind.
func (t PropertyType) Kind() value.Kind {
	switch t {
	case TypeInt:
		return value.KindInt
	case TypeBool:
		return value.KindBool
	case TypeString:
		return value.KindString
	case TypeBinary:
		return value.KindBinary
	case TypeTimestamp:
		return value.KindTimestamp
	case TypeFloat:
		return value.KindFloat
	case TypeDouble:
		return value.KindDouble
	case TypeObjectID:
		return value.KindObjectID
	case TypeUUID:
		return value.KindUUID
	case TypeObject:
		return value.KindObject
	}
	return value.KindNull
}

// CollectionKind says whether a property holds a single value or a collection.
type CollectionKind uint8

const (
	CollectionNone CollectionKind = iota
	CollectionList
	CollectionSet
	CollectionDictionary
)

var collectionNames = [...]string{
	CollectionNone:       "",
	CollectionList:       "list",
	CollectionSet:        "set",
	CollectionDictionary: "dictionary",
}

func (c CollectionKind) String() string {
	if c == CollectionNone {
		return "none"
	}
	if int(c) < len(collectionNames) {
		return collectionNames[c]
	}
	return fmt.Sprintf("collection(%d)", uint8(c))
}

// ParseCollectionKind resolves a collection name; the empty string is CollectionNone.
func ParseCollectionKind(name string) (CollectionKind, error) {
	if name == "" || strings.EqualFold(name, "none") {
		return CollectionNone, nil
	}
	for c, n := range collectionNames {
		if n != "" && strings.EqualFold(n, name) {
			return CollectionKind(c), nil
		}
	}
	return 0, errors.InvalidArgument(fmt.Sprintf("unknown collection kind '%s'", name), nil)
}

// Property describes one persisted field of a class.
type Property struct {
	Name       string
	Type       PropertyType
	Nullable   bool
	Collection CollectionKind
	// Target is the linked class for TypeObject properties.
	Target string
}

// IsCollection reports whether the property holds a list, set or dictionary.
func (p *Property) IsCollection() bool {
	return p.Collection != CollectionNone
}

// DefaultValue is the value a new object holds for the property.
func (p *Property) DefaultValue() value.Value {
	switch p.Collection {
	case CollectionList, CollectionSet:
		return value.List()
	case CollectionDictionary:
		return value.Dictionary(nil)
	}
	if p.Nullable {
		return value.Null()
	}
	switch p.Type {
	case TypeInt:
		return value.Int(0)
	case TypeBool:
		return value.Bool(false)
	case TypeString:
		return value.String("")
	case TypeBinary:
		return value.Binary(nil)
	case TypeTimestamp:
		return value.Timestamp(time.Unix(0, 0).UTC())
	case TypeFloat:
		return value.Float(0)
	case TypeDouble:
		return value.Double(0)
	case TypeObjectID:
		return value.OID(value.ObjectID{})
	case TypeUUID:
		return value.UUID(uuid.Nil)
	}
	return value.Null()
}

// Backlink is a computed, read-only property listing the objects of
// SourceClass whose SourceProperty references the owning object.
type Backlink struct {
	Name           string
	SourceClass    string
	SourceProperty string
}

// Class describes one object type.
type Class struct {
	Name string
	// PrimaryKey names an int, string, objectId or uuid property; optional.
	PrimaryKey string
	// Embedded objects are owned by exactly one parent through a to-one or
	// list property. They are created through their owner and deleted with it.
	Embedded   bool
	Properties []Property
	Backlinks  []Backlink

	props     map[string]int
	backlinks map[string]int
}

// Property returns the descriptor of the named persisted property.
func (c *Class) Property(name string) (*Property, bool) {
	i, ok := c.props[name]
	if !ok {
		return nil, false
	}
	return &c.Properties[i], true
}

// Backlink returns the descriptor of the named backlink property.
func (c *Class) Backlink(name string) (*Backlink, bool) {
	i, ok := c.backlinks[name]
	if !ok {
		return nil, false
	}
	return &c.Backlinks[i], true
}

// HasField reports whether name is a persisted or backlink property.
func (c *Class) HasField(name string) bool {
	_, p := c.props[name]
	_, b := c.backlinks[name]
	return p || b
}

// FieldNames lists persisted properties in declaration order.
func (c *Class) FieldNames() []string {
	out := make([]string, len(c.Properties))
	for i := range c.Properties {
		out[i] = c.Properties[i].Name
	}
	return out
}

// Schema is the immutable set of classes of a store.
type Schema struct {
	classes map[string]*Class
	order   []string
}

// New validates the class descriptors and builds a schema.
func New(classes ...Class) (*Schema, error) {
	s := &Schema{classes: make(map[string]*Class, len(classes))}
	for i := range classes {
		c := classes[i]
		if c.Name == "" {
			return nil, errors.InvalidArgument("class name cannot be empty", nil)
		}
		if _, dup := s.classes[c.Name]; dup {
			return nil, errors.InvalidArgument(fmt.Sprintf("class '%s' declared twice", c.Name), nil)
		}
		c.Properties = append([]Property(nil), c.Properties...)
		c.Backlinks = append([]Backlink(nil), c.Backlinks...)
		c.props = make(map[string]int, len(c.Properties))
		c.backlinks = make(map[string]int, len(c.Backlinks))
		for j := range c.Properties {
			p := &c.Properties[j]
			if p.Name == "" {
				return nil, errors.InvalidArgument(fmt.Sprintf("class '%s' has a property without a name", c.Name), nil)
			}
			if _, dup := c.props[p.Name]; dup {
				return nil, errors.InvalidArgument(fmt.Sprintf("property '%s.%s' declared twice", c.Name, p.Name), nil)
			}
			// Single links and any-values can always be null.
			if p.Collection == CollectionNone && (p.Type == TypeObject || p.Type == TypeAny) {
				p.Nullable = true
			}
			c.props[p.Name] = j
		}
		for j := range c.Backlinks {
			b := c.Backlinks[j]
			if b.Name == "" {
				return nil, errors.InvalidArgument(fmt.Sprintf("class '%s' has a backlink without a name", c.Name), nil)
			}
			if _, dup := c.props[b.Name]; dup {
				return nil, errors.InvalidArgument(fmt.Sprintf("backlink '%s.%s' shadows a property", c.Name, b.Name), nil)
			}
			if _, dup := c.backlinks[b.Name]; dup {
				return nil, errors.InvalidArgument(fmt.Sprintf("backlink '%s.%s' declared twice", c.Name, b.Name), nil)
			}
			c.backlinks[b.Name] = j
		}
		s.classes[c.Name] = &c
		s.order = append(s.order, c.Name)
	}
	if err := s.validateReferences(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) validateReferences() error {
	for _, name := range s.order {
		c := s.classes[name]
		for i := range c.Properties {
			p := &c.Properties[i]
			if p.Type == TypeObject {
				target, ok := s.classes[p.Target]
				if !ok {
					return errors.UnknownType(p.Target).
						WithDetail("property", c.Name+"."+p.Name)
				}
				if target.Embedded && p.Collection != CollectionNone && p.Collection != CollectionList {
					return errors.InvalidArgument(
						fmt.Sprintf("embedded objects of '%s' can only be held by a to-one or list property, not '%s.%s'", target.Name, c.Name, p.Name), nil)
				}
			} else if p.Target != "" {
				return errors.InvalidArgument(fmt.Sprintf("property '%s.%s' of type %s cannot have a target", c.Name, p.Name, p.Type), nil)
			}
		}
		for _, b := range c.Backlinks {
			src, ok := s.classes[b.SourceClass]
			if !ok {
				return errors.UnknownType(b.SourceClass).WithDetail("backlink", c.Name+"."+b.Name)
			}
			sp, ok := src.Property(b.SourceProperty)
			if !ok || sp.Type != TypeObject || sp.Target != c.Name {
				return errors.InvalidArgument(
					fmt.Sprintf("backlink '%s.%s' must name a property of '%s' linking to '%s'", c.Name, b.Name, b.SourceClass, c.Name), nil)
			}
		}
		if c.Embedded && c.PrimaryKey != "" {
			return errors.InvalidArgument(fmt.Sprintf("embedded class '%s' cannot have a primary key", c.Name), nil)
		}
		if c.PrimaryKey != "" {
			p, ok := c.Property(c.PrimaryKey)
			if !ok {
				return errors.InvalidArgument(fmt.Sprintf("primary key '%s.%s' is not a property", c.Name, c.PrimaryKey), nil)
			}
			if p.IsCollection() {
				return errors.InvalidArgument(fmt.Sprintf("primary key '%s.%s' cannot be a collection", c.Name, c.PrimaryKey), nil)
			}
			switch p.Type {
			case TypeInt, TypeString, TypeObjectID, TypeUUID:
			default:
				return errors.InvalidArgument(fmt.Sprintf("primary key '%s.%s' cannot be of type %s", c.Name, c.PrimaryKey, p.Type), nil)
			}
		}
	}
	return nil
}

// Class returns the named class.
func (s *Schema) Class(name string) (*Class, bool) {
	c, ok := s.classes[name]
	return c, ok
}

// Lookup is Class with an UnknownType error for missing classes.
func (s *Schema) Lookup(name string) (*Class, error) {
	c, ok := s.classes[name]
	if !ok {
		return nil, errors.UnknownType(name)
	}
	return c, nil
}

// Classes returns the classes in declaration order.
func (s *Schema) Classes() []*Class {
	out := make([]*Class, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.classes[name])
	}
	return out
}

// Names returns the class names, sorted.
func (s *Schema) Names() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// LinkingProperties returns, for the target class, every property of any
// class that can reference it: object properties targeting it and every
// any-typed property.
func (s *Schema) LinkingProperties(target string) []PropertyRef {
	var out []PropertyRef
	for _, name := range s.order {
		c := s.classes[name]
		for i := range c.Properties {
			p := &c.Properties[i]
			if (p.Type == TypeObject && p.Target == target) || p.Type == TypeAny {
				out = append(out, PropertyRef{Class: name, Property: c.Properties[i].Name})
			}
		}
	}
	return out
}

// Owns reports whether p holds embedded objects, which it owns.
func (s *Schema) Owns(p *Property) bool {
	if p.Type != TypeObject {
		return false
	}
	target, ok := s.classes[p.Target]
	return ok && target.Embedded
}

// PropertyRef names a property of a class.
type PropertyRef struct {
	Class    string
	Property string
}

func (r PropertyRef) String() string {
	return r.Class + "." + r.Property
}
