package livestore

import (
	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// Detach copies the object and the objects it reaches within maxDepth link
// hops into unmanaged objects, all read at one version. Links between the
// copies resolve to the copies, so cycles stay cycles. Links leaving the
// copied graph are cleared: lists and sets lose those elements and every
// other link becomes null.
func (o *Object) Detach(maxDepth int) (*Object, error) {
	if !o.Managed() {
		return nil, errors.Unmanaged("detach")
	}
	if maxDepth < 0 {
		return nil, errors.InvalidArgument("detach depth cannot be negative", nil)
	}
	r, release, err := o.b.reader()
	if err != nil {
		return nil, err
	}
	defer release()

	type hop struct {
		link  value.Link
		depth int
	}
	root := value.Link{Class: o.class.Name, Key: o.key}
	graph := make(map[value.Link]*Object)
	queue := []hop{{link: root}}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, seen := graph[next.link]; seen {
			continue
		}
		c, err := o.b.store.schema.Lookup(next.link.Class)
		if err != nil {
			return nil, err
		}
		rec, found, err := r.Get(mvcc.Key{Class: c.Name, ObjKey: next.link.Key})
		if err != nil {
			return nil, err
		}
		if !found {
			if next.link == root {
				return nil, errors.ObjectDeleted(c.Name, o.key)
			}
			continue
		}
		view := newView(c, rec, r.Version())
		graph[next.link] = &Object{class: c, local: &unmanaged{
			schema:    o.b.store.schema,
			validator: o.b.store.validator,
			fields:    view.Fields,
			graph:     graph,
		}}
		if next.depth == maxDepth {
			continue
		}
		for _, v := range view.Fields {
			value.Walk(v, func(e value.Value) {
				if l, err := e.AsLink(); err == nil {
					queue = append(queue, hop{link: l, depth: next.depth + 1})
				}
			})
		}
	}

	inGraph := func(l value.Link) bool {
		_, ok := graph[l]
		return ok
	}
	for _, obj := range graph {
		for i := range obj.class.Properties {
			p := &obj.class.Properties[i]
			obj.local.fields[p.Name] = pruneLinks(p, obj.local.fields[p.Name], inGraph)
		}
	}
	return graph[root], nil
}

// pruneLinks clears the links in v for which keep is false.
func pruneLinks(p *schema.Property, v value.Value, keep func(value.Link) bool) value.Value {
	if p.Collection == schema.CollectionList || p.Collection == schema.CollectionSet {
		if list, err := v.AsList(); err == nil {
			elems := make([]value.Value, 0, list.Len())
			for _, e := range list.Elements() {
				if l, err := e.AsLink(); err == nil && !keep(l) {
					continue
				}
				elems = append(elems, e)
			}
			v = value.List(elems...)
		}
	}
	nv, _ := replaceLinks(v, func(l value.Link) (value.Value, bool) {
		if keep(l) {
			return value.Value{}, false
		}
		return value.Null(), true
	})
	return nv
}
