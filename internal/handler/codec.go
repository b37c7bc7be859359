package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/value"
	"github.com/devrev/livestore/pkg/livestore"
)

// objectJSON is the wire form of one object.
type objectJSON struct {
	Class   string                 `json:"class"`
	Key     int64                  `json:"key"`
	Version uint64                 `json:"version"`
	Fields  map[string]interface{} `json:"fields"`
}

func toObjectJSON(v *livestore.ObjectView) *objectJSON {
	if v == nil {
		return nil
	}
	out := &objectJSON{
		Class:   v.Class,
		Key:     v.Key,
		Version: v.Version,
		Fields:  make(map[string]interface{}, len(v.Fields)),
	}
	for name, f := range v.Fields {
		out.Fields[name] = f.Interface()
	}
	return out
}

// decodeFields parses a JSON object of field values, converting each value
// to the declared type of its property. Numbers are kept exact until the
// property type is known.
func decodeFields(c *schema.Class, body []byte) (map[string]value.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.InvalidArgument("request body must be a JSON object", err)
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(map[string]value.Value, len(raw))
	for _, name := range names {
		p, ok := c.Property(name)
		if !ok {
			return nil, errors.InvalidArgument(fmt.Sprintf("property '%s' does not exist on '%s'", name, c.Name), nil)
		}
		v, err := decodeProperty(p, raw[name])
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("invalid value for '%s.%s'", c.Name, name), err)
		}
		fields[name] = v
	}
	return fields, nil
}

func decodeProperty(p *schema.Property, x interface{}) (value.Value, error) {
	if x == nil {
		return value.Null(), nil
	}
	switch p.Collection {
	case schema.CollectionList, schema.CollectionSet:
		arr, ok := x.([]interface{})
		if !ok {
			return value.Value{}, errors.TypeMismatch("array", fmt.Sprintf("%T", x))
		}
		elems := make([]value.Value, 0, len(arr))
		for _, e := range arr {
			v, err := decodeScalar(p.Type, p.Target, e)
			if err != nil {
				return value.Value{}, err
			}
			elems = append(elems, v)
		}
		return value.List(elems...), nil
	case schema.CollectionDictionary:
		m, ok := x.(map[string]interface{})
		if !ok {
			return value.Value{}, errors.TypeMismatch("object", fmt.Sprintf("%T", x))
		}
		entries := make(map[string]value.Value, len(m))
		for k, e := range m {
			v, err := decodeScalar(p.Type, p.Target, e)
			if err != nil {
				return value.Value{}, err
			}
			entries[k] = v
		}
		return value.Dictionary(entries), nil
	}
	return decodeScalar(p.Type, p.Target, x)
}

func decodeScalar(t schema.PropertyType, target string, x interface{}) (value.Value, error) {
	if x == nil {
		return value.Null(), nil
	}
	mismatch := errors.TypeMismatch(t.String(), fmt.Sprintf("%T", x))
	switch t {
	case schema.TypeInt:
		n, ok := x.(json.Number)
		if !ok {
			return value.Value{}, mismatch
		}
		i, err := n.Int64()
		if err != nil {
			return value.Value{}, mismatch
		}
		return value.Int(i), nil
	case schema.TypeFloat, schema.TypeDouble:
		n, ok := x.(json.Number)
		if !ok {
			return value.Value{}, mismatch
		}
		f, err := n.Float64()
		if err != nil {
			return value.Value{}, mismatch
		}
		if t == schema.TypeFloat {
			if math.Abs(f) > math.MaxFloat32 {
				return value.Value{}, mismatch
			}
			return value.Float(float32(f)), nil
		}
		return value.Double(f), nil
	case schema.TypeBool:
		b, ok := x.(bool)
		if !ok {
			return value.Value{}, mismatch
		}
		return value.Bool(b), nil
	case schema.TypeString:
		s, ok := x.(string)
		if !ok {
			return value.Value{}, mismatch
		}
		return value.String(s), nil
	case schema.TypeBinary:
		s, ok := x.(string)
		if !ok {
			return value.Value{}, mismatch
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return value.Value{}, err
		}
		return value.Binary(b), nil
	case schema.TypeTimestamp:
		s, ok := x.(string)
		if !ok {
			return value.Value{}, mismatch
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return value.Value{}, err
		}
		return value.Timestamp(ts), nil
	case schema.TypeObjectID:
		s, ok := x.(string)
		if !ok {
			return value.Value{}, mismatch
		}
		id, err := value.ParseObjectID(s)
		if err != nil {
			return value.Value{}, err
		}
		return value.OID(id), nil
	case schema.TypeUUID:
		s, ok := x.(string)
		if !ok {
			return value.Value{}, mismatch
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return value.Value{}, err
		}
		return value.UUID(id), nil
	case schema.TypeObject:
		return decodeLink(target, x)
	case schema.TypeAny:
		return decodeAny(x)
	}
	return value.Value{}, errors.UnknownType(t.String())
}

// decodeLink accepts a bare key or the {"class","key"} form links are
// encoded in.
func decodeLink(target string, x interface{}) (value.Value, error) {
	switch t := x.(type) {
	case json.Number:
		key, err := t.Int64()
		if err != nil {
			return value.Value{}, err
		}
		return value.Object(target, key), nil
	case map[string]interface{}:
		class, _ := t["class"].(string)
		n, ok := t["key"].(json.Number)
		if !ok || (class != "" && target != "" && class != target) {
			return value.Value{}, errors.TypeMismatch("link to "+target, fmt.Sprintf("%v", x))
		}
		key, err := n.Int64()
		if err != nil {
			return value.Value{}, err
		}
		if class == "" {
			class = target
		}
		if class == "" {
			return value.Value{}, errors.InvalidArgument("link needs a class", nil)
		}
		return value.Object(class, key), nil
	}
	return value.Value{}, errors.TypeMismatch("link", fmt.Sprintf("%T", x))
}

// decodeAny maps JSON onto the mixed value: integral numbers become ints,
// other numbers doubles, and objects with exactly "class" and "key" links.
func decodeAny(x interface{}) (value.Value, error) {
	switch t := x.(type) {
	case nil:
		return value.Null(), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return value.Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return value.Value{}, err
		}
		return value.Double(f), nil
	case []interface{}:
		elems := make([]value.Value, 0, len(t))
		for _, e := range t {
			v, err := decodeAny(e)
			if err != nil {
				return value.Value{}, err
			}
			elems = append(elems, v)
		}
		return value.List(elems...), nil
	case map[string]interface{}:
		if _, hasClass := t["class"]; hasClass && len(t) == 2 {
			if _, hasKey := t["key"]; hasKey {
				return decodeLink("", t)
			}
		}
		entries := make(map[string]value.Value, len(t))
		for k, e := range t {
			v, err := decodeAny(e)
			if err != nil {
				return value.Value{}, err
			}
			entries[k] = v
		}
		return value.Dictionary(entries), nil
	}
	return value.FromGo(x)
}
