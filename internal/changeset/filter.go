package changeset

import (
	"fmt"
	"strings"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
)

// Wildcard matches any property at its level.
const Wildcard = "*"

// DefaultKeyPath is used when a subscriber gives no key paths: every field,
// followed through links four levels deep.
const DefaultKeyPath = "*.*.*.*"

// Filter restricts which fields, at any depth, take part in change
// detection. A nil *Filter covers nothing.
type Filter struct {
	paths [][]string
}

// DefaultFilter returns the filter for DefaultKeyPath.
func DefaultFilter() *Filter {
	return &Filter{paths: [][]string{strings.Split(DefaultKeyPath, ".")}}
}

// ParseFilter validates key paths against the schema, starting at class.
// Named segments must be properties or backlinks of the class reached so far;
// a segment after a non-link property is rejected. No paths means the
// default filter.
func ParseFilter(s *schema.Schema, class *schema.Class, keyPaths ...string) (*Filter, error) {
	if len(keyPaths) == 0 {
		return DefaultFilter(), nil
	}
	f := &Filter{}
	for _, kp := range keyPaths {
		if kp == "" {
			return nil, errors.InvalidArgument("key path cannot be empty", nil)
		}
		segments := strings.Split(kp, ".")
		if err := validatePath(s, class, segments, kp); err != nil {
			return nil, err
		}
		f.paths = append(f.paths, segments)
	}
	return f, nil
}

func validatePath(s *schema.Schema, class *schema.Class, segments []string, keyPath string) error {
	current := class
	for i, seg := range segments {
		if seg == "" {
			return errors.InvalidArgument(fmt.Sprintf("key path '%s' has an empty segment", keyPath), nil)
		}
		if seg == Wildcard {
			// Wildcards are checked lazily; following levels may name
			// properties of any linked class.
			current = nil
			continue
		}
		if current == nil {
			continue
		}
		next, ok := linkTarget(s, current, seg)
		if !ok {
			return errors.InvalidArgument(
				fmt.Sprintf("property '%s' in key path '%s' does not exist on '%s'", seg, keyPath, current.Name), nil)
		}
		if next == nil && i < len(segments)-1 {
			return errors.InvalidArgument(
				fmt.Sprintf("property '%s' in key path '%s' is not a link and cannot be followed", seg, keyPath), nil)
		}
		current = next
	}
	return nil
}

// linkTarget returns the class a field links to (nil for non-link fields)
// and whether the field exists at all.
func linkTarget(s *schema.Schema, class *schema.Class, field string) (*schema.Class, bool) {
	if p, ok := class.Property(field); ok {
		if p.Type != schema.TypeObject {
			return nil, true
		}
		target, _ := s.Class(p.Target)
		return target, true
	}
	if b, ok := class.Backlink(field); ok {
		src, _ := s.Class(b.SourceClass)
		return src, true
	}
	return nil, false
}

// Covers reports whether changes to field at this level are observed.
func (f *Filter) Covers(field string) bool {
	if f == nil {
		return false
	}
	for _, p := range f.paths {
		if p[0] == Wildcard || p[0] == field {
			return true
		}
	}
	return false
}

// Names reports whether field is named explicitly at this level. Backlinks
// are only observed when named; wildcards never reach them.
func (f *Filter) Names(field string) bool {
	if f == nil {
		return false
	}
	for _, p := range f.paths {
		if p[0] == field {
			return true
		}
	}
	return false
}

// Descend returns the filter that applies to objects linked through field,
// or nil when nothing below field is observed.
func (f *Filter) Descend(field string) *Filter {
	if f == nil {
		return nil
	}
	var out [][]string
	for _, p := range f.paths {
		if len(p) > 1 && (p[0] == Wildcard || p[0] == field) {
			out = append(out, p[1:])
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &Filter{paths: out}
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	parts := make([]string, len(f.paths))
	for i, p := range f.paths {
		parts[i] = strings.Join(p, ".")
	}
	return strings.Join(parts, ",")
}

// descendNamed is Descend restricted to paths that name field explicitly.
func (f *Filter) descendNamed(field string) *Filter {
	var out [][]string
	for _, p := range f.paths {
		if len(p) > 1 && p[0] == field {
			out = append(out, p[1:])
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &Filter{paths: out}
}
