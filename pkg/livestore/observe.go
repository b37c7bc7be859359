package livestore

import (
	"fmt"

	"github.com/devrev/livestore/internal/changeset"
	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/notifier"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// Subscription delivers the events of one observation in commit order.
type Subscription[E any] = notifier.Subscription[E]

// EventKind tells initial, updated and deleted events apart.
type EventKind = notifier.Kind

const (
	EventInitial = notifier.KindInitial
	EventUpdated = notifier.KindUpdated
	EventDeleted = notifier.KindDeleted
)

// SubscriptionState is the lifecycle state of a subscription.
type SubscriptionState = notifier.State

const (
	SubscriptionPending   = notifier.StatePending
	SubscriptionInitial   = notifier.StateInitial
	SubscriptionUpdated   = notifier.StateUpdated
	SubscriptionDeleted   = notifier.StateDeleted
	SubscriptionCancelled = notifier.StateCancelled
)

// ErrSubscriptionFinished is returned by Receive once a subscription has been
// cancelled or its object deleted and every buffered event has been read.
var ErrSubscriptionFinished = notifier.ErrFinished

// ObjectEvent reports a change of one object. Object is nil once the object
// has been deleted.
type ObjectEvent struct {
	Kind    EventKind
	Version uint64
	Object  *ObjectView
	// Fields lists the changed properties; empty for initial events.
	Fields []string
}

// ListEvent reports a change of a list. Deletions use old positions;
// insertions, changes and move targets use new positions.
type ListEvent struct {
	Kind     EventKind
	Version  uint64
	Elements []value.Value
	changeset.ListChange
}

// SetEvent reports a change of a set by member value.
type SetEvent struct {
	Kind     EventKind
	Version  uint64
	Elements []value.Value
	changeset.SetChange
}

// DictionaryEvent reports a change of a dictionary by key.
type DictionaryEvent struct {
	Kind    EventKind
	Version uint64
	Entries map[string]value.Value
	changeset.DictionaryChange
}

// ResultsEvent reports a change of query results or backlinks.
type ResultsEvent struct {
	Kind    EventKind
	Version uint64
	Keys    []int64
	changeset.ListChange
}

// AggregateEvent carries a new aggregate value.
type AggregateEvent[T any] struct {
	Kind    EventKind
	Version uint64
	Value   T
}

// register adds a subscription for a handle. Handles bound to a write
// transaction register deferred: the subscription stays pending until the
// transaction ends.
func register[E any](b binding, name string, compute notifier.ComputeFunc[E]) (*Subscription[E], error) {
	if !b.managed() {
		return nil, errors.Unmanaged("observe")
	}
	if err := b.check(); err != nil {
		return nil, err
	}
	if b.frozen != nil {
		return nil, errors.InvalidArgument("frozen handles cannot be observed", nil)
	}
	return notifier.Register(b.store.sched, name, b.write != nil, compute)
}

func (s *Store) differ(step notifier.Step) *changeset.Differ {
	return changeset.NewDiffer(s.schema, step.Prev, step.Cur, s.backlinks.Lookup)
}

// Observe subscribes to changes of the object under keyPaths (default: all
// fields, following links four levels deep). The subscription ends after
// the deletion event.
func (o *Object) Observe(keyPaths ...string) (*Subscription[ObjectEvent], error) {
	if !o.Managed() {
		return nil, errors.Unmanaged("observe")
	}
	filter, err := changeset.ParseFilter(o.b.store.schema, o.class, keyPaths...)
	if err != nil {
		return nil, err
	}
	s := o.b.store
	key := o.mvccKey()
	return register(o.b, "object "+key.String(), func(step notifier.Step) (ObjectEvent, notifier.Kind, bool, error) {
		ev := ObjectEvent{Version: uint64(step.Cur.Version())}
		if step.Initial() {
			view, found, err := o.resolveAt(step.Cur)
			if err != nil {
				return ev, 0, false, err
			}
			if !found {
				ev.Kind = EventDeleted
				return ev, EventDeleted, true, nil
			}
			ev.Kind, ev.Object = EventInitial, view
			return ev, EventInitial, true, nil
		}
		change, err := s.differ(step).Object(key, filter)
		if err != nil {
			return ev, 0, false, err
		}
		if change.Deleted {
			ev.Kind = EventDeleted
			return ev, EventDeleted, true, nil
		}
		if len(change.Fields) == 0 {
			return ev, 0, false, nil
		}
		view, _, err := o.resolveAt(step.Cur)
		if err != nil {
			return ev, 0, false, err
		}
		ev.Kind, ev.Object, ev.Fields = EventUpdated, view, change.Fields
		return ev, EventUpdated, true, nil
	})
}

// filter builds the change filter for the elements of a collection. Key
// paths only apply to collections of objects.
func (c *collection) filter(keyPaths []string) (*changeset.Filter, error) {
	s := c.owner.b.store.schema
	switch c.elem.Type {
	case schema.TypeObject:
		target, err := s.Lookup(c.elem.Target)
		if err != nil {
			return nil, err
		}
		return changeset.ParseFilter(s, target, keyPaths...)
	case schema.TypeAny:
		if len(keyPaths) > 0 {
			return nil, errors.InvalidArgument("key paths are not supported for any-typed collections", nil)
		}
		return changeset.DefaultFilter(), nil
	}
	if len(keyPaths) > 0 {
		return nil, errors.InvalidArgument(fmt.Sprintf("key paths are not supported for %s collections", c.elem.Type), nil)
	}
	return nil, nil
}

// containerDiff turns two resolutions of a collection into an event.
// before and after are nil when the owner does not exist.
type containerDiff[E any] struct {
	initial func(version uint64, after *value.Container) E
	deleted func(version uint64, before *value.Container) E
	changed func(d *changeset.Differ, version uint64, before, after *value.Container) (E, bool, error)
}

func observeContainer[E any](c *collection, name string, filter *changeset.Filter, h containerDiff[E]) (*Subscription[E], error) {
	s := c.owner.b.store
	owner := c.owner.mvccKey()
	return register(c.owner.b, name, func(step notifier.Step) (E, notifier.Kind, bool, error) {
		var zero E
		version := uint64(step.Cur.Version())
		if !step.Initial() && filter == nil && !step.Touches(owner) {
			return zero, 0, false, nil
		}
		after, afound, err := c.resolveAt(step.Cur)
		if err != nil {
			return zero, 0, false, err
		}
		if step.Initial() {
			if !afound {
				return h.deleted(version, nil), EventDeleted, true, nil
			}
			return h.initial(version, after), EventInitial, true, nil
		}
		before, _, err := c.resolveAt(step.Prev)
		if err != nil {
			return zero, 0, false, err
		}
		if !afound {
			return h.deleted(version, before), EventDeleted, true, nil
		}
		ev, emit, err := h.changed(s.differ(step), version, before, after)
		if err != nil || !emit {
			return zero, 0, false, err
		}
		return ev, EventUpdated, true, nil
	})
}

func elementsOf(c *value.Container) []value.Value {
	if c == nil {
		return nil
	}
	return c.Elements()
}

func entriesOf(c *value.Container) map[string]value.Value {
	if c == nil {
		return map[string]value.Value{}
	}
	return c.Entries()
}

func allPositions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Observe subscribes to changes of the list. Deleting the owner delivers
// one final event that removes every element.
func (l *List) Observe(keyPaths ...string) (*Subscription[ListEvent], error) {
	if !l.owner.Managed() {
		return nil, errors.Unmanaged("observe")
	}
	filter, err := l.filter(keyPaths)
	if err != nil {
		return nil, err
	}
	return observeContainer(l.collection, "list "+l.describe(), filter, containerDiff[ListEvent]{
		initial: func(version uint64, after *value.Container) ListEvent {
			return ListEvent{Kind: EventInitial, Version: version, Elements: after.Elements()}
		},
		deleted: func(version uint64, before *value.Container) ListEvent {
			ev := ListEvent{Kind: EventDeleted, Version: version}
			ev.Deletions = allPositions(len(elementsOf(before)))
			return ev
		},
		changed: func(d *changeset.Differ, version uint64, before, after *value.Container) (ListEvent, bool, error) {
			elems := after.Elements()
			change, err := d.List(elementsOf(before), elems, filter)
			if err != nil || change.Empty() {
				return ListEvent{}, false, err
			}
			return ListEvent{Kind: EventUpdated, Version: version, Elements: elems, ListChange: change}, true, nil
		},
	})
}

// Observe subscribes to changes of the set.
func (s *Set) Observe(keyPaths ...string) (*Subscription[SetEvent], error) {
	if !s.owner.Managed() {
		return nil, errors.Unmanaged("observe")
	}
	filter, err := s.filter(keyPaths)
	if err != nil {
		return nil, err
	}
	return observeContainer(s.collection, "set "+s.describe(), filter, containerDiff[SetEvent]{
		initial: func(version uint64, after *value.Container) SetEvent {
			return SetEvent{Kind: EventInitial, Version: version, Elements: after.Elements()}
		},
		deleted: func(version uint64, before *value.Container) SetEvent {
			ev := SetEvent{Kind: EventDeleted, Version: version}
			ev.Deletions = elementsOf(before)
			return ev
		},
		changed: func(d *changeset.Differ, version uint64, before, after *value.Container) (SetEvent, bool, error) {
			elems := after.Elements()
			change, err := d.Set(elementsOf(before), elems, filter)
			if err != nil || change.Empty() {
				return SetEvent{}, false, err
			}
			return SetEvent{Kind: EventUpdated, Version: version, Elements: elems, SetChange: change}, true, nil
		},
	})
}

// Observe subscribes to changes of the dictionary.
func (dict *Dictionary) Observe(keyPaths ...string) (*Subscription[DictionaryEvent], error) {
	if !dict.owner.Managed() {
		return nil, errors.Unmanaged("observe")
	}
	filter, err := dict.filter(keyPaths)
	if err != nil {
		return nil, err
	}
	return observeContainer(dict.collection, "dictionary "+dict.describe(), filter, containerDiff[DictionaryEvent]{
		initial: func(version uint64, after *value.Container) DictionaryEvent {
			return DictionaryEvent{Kind: EventInitial, Version: version, Entries: after.Entries()}
		},
		deleted: func(version uint64, before *value.Container) DictionaryEvent {
			ev := DictionaryEvent{Kind: EventDeleted, Version: version, Entries: map[string]value.Value{}}
			if before != nil {
				ev.Deletions = before.Keys()
			}
			return ev
		},
		changed: func(d *changeset.Differ, version uint64, before, after *value.Container) (DictionaryEvent, bool, error) {
			entries := after.Entries()
			change, err := d.Dictionary(entriesOf(before), entries, filter)
			if err != nil || change.Empty() {
				return DictionaryEvent{}, false, err
			}
			return DictionaryEvent{Kind: EventUpdated, Version: version, Entries: entries, DictionaryChange: change}, true, nil
		},
	})
}

func objKeys(keys []mvcc.Key) []int64 {
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = k.ObjKey
	}
	return out
}

// Observe subscribes to changes of the results: objects entering, leaving
// or moving, and matched objects changing under keyPaths.
func (r *Results) Observe(keyPaths ...string) (*Subscription[ResultsEvent], error) {
	filter, err := changeset.ParseFilter(r.b.store.schema, r.q.Class(), keyPaths...)
	if err != nil {
		return nil, err
	}
	s := r.b.store
	return register(r.b, "results "+r.q.String(), func(step notifier.Step) (ResultsEvent, notifier.Kind, bool, error) {
		ev := ResultsEvent{Version: uint64(step.Cur.Version())}
		after, err := r.keysAt(step.Cur)
		if err != nil {
			return ev, 0, false, err
		}
		if step.Initial() {
			ev.Kind, ev.Keys = EventInitial, objKeys(after)
			return ev, EventInitial, true, nil
		}
		before, err := r.keysAt(step.Prev)
		if err != nil {
			return ev, 0, false, err
		}
		change, err := s.differ(step).Results(before, after, filter)
		if err != nil || change.Empty() {
			return ev, 0, false, err
		}
		ev.Kind, ev.Keys, ev.ListChange = EventUpdated, objKeys(after), change
		return ev, EventUpdated, true, nil
	})
}

// ObserveCount subscribes to the number of results. A value is delivered
// initially and then only when the count changes.
func (r *Results) ObserveCount() (*Subscription[AggregateEvent[int]], error) {
	last := -1
	return register(r.b, "count "+r.q.String(), func(step notifier.Step) (AggregateEvent[int], notifier.Kind, bool, error) {
		ev := AggregateEvent[int]{Version: uint64(step.Cur.Version())}
		keys, err := r.keysAt(step.Cur)
		if err != nil {
			return ev, 0, false, err
		}
		n := len(keys)
		if !step.Initial() && n == last {
			return ev, 0, false, nil
		}
		last = n
		ev.Value = n
		ev.Kind = EventUpdated
		if step.Initial() {
			ev.Kind = EventInitial
		}
		return ev, ev.Kind, true, nil
	})
}

// ObserveFirst subscribes to the first object of the results. A value is
// delivered when a different object becomes first, even one with equal
// content, or when the first object changes. Value is nil for empty
// results.
func (r *Results) ObserveFirst() (*Subscription[AggregateEvent[*ObjectView]], error) {
	var (
		last    mvcc.Key
		hadLast bool
	)
	s := r.b.store
	class := r.q.Class()
	return register(r.b, "first "+r.q.String(), func(step notifier.Step) (AggregateEvent[*ObjectView], notifier.Kind, bool, error) {
		ev := AggregateEvent[*ObjectView]{Version: uint64(step.Cur.Version())}
		keys, err := r.keysAt(step.Cur)
		if err != nil {
			return ev, 0, false, err
		}
		var (
			first    mvcc.Key
			hasFirst = len(keys) > 0
		)
		if hasFirst {
			first = keys[0]
		}
		if !step.Initial() {
			changed := hasFirst != hadLast || first != last
			if !changed && hasFirst {
				if changed, err = s.differ(step).ObjectChanged(first, changeset.DefaultFilter()); err != nil {
					return ev, 0, false, err
				}
			}
			if !changed {
				return ev, 0, false, nil
			}
		}
		last, hadLast = first, hasFirst
		if hasFirst {
			rec, found, err := step.Cur.Get(first)
			if err != nil {
				return ev, 0, false, err
			}
			if found {
				ev.Value = newView(class, rec, step.Cur.Version())
			}
		}
		ev.Kind = EventUpdated
		if step.Initial() {
			ev.Kind = EventInitial
		}
		return ev, ev.Kind, true, nil
	})
}

// ObserveAggregate subscribes to an aggregate over a property. A value is
// delivered initially and then only when the aggregate changes.
func (r *Results) ObserveAggregate(kind AggregateKind, prop string) (*Subscription[AggregateEvent[value.Value]], error) {
	p, err := aggregateProperty(r.q.Class(), kind, prop)
	if err != nil {
		return nil, err
	}
	var last value.Value
	name := fmt.Sprintf("%s(%s) %s", kind, prop, r.q.String())
	return register(r.b, name, func(step notifier.Step) (AggregateEvent[value.Value], notifier.Kind, bool, error) {
		ev := AggregateEvent[value.Value]{Version: uint64(step.Cur.Version())}
		keys, err := r.keysAt(step.Cur)
		if err != nil {
			return ev, 0, false, err
		}
		v, err := aggregate(step.Cur, keys, kind, p)
		if err != nil {
			return ev, 0, false, err
		}
		if !step.Initial() && value.Equal(v, last) {
			return ev, 0, false, nil
		}
		last = v
		ev.Value = v
		ev.Kind = EventUpdated
		if step.Initial() {
			ev.Kind = EventInitial
		}
		return ev, ev.Kind, true, nil
	})
}

// Observe subscribes to the linking objects. The subscription ends with a
// deletion event when the target is deleted.
func (bl *Backlinks) Observe(keyPaths ...string) (*Subscription[ResultsEvent], error) {
	s := bl.target.b.store
	if s == nil {
		return nil, errors.Unmanaged("observe")
	}
	source, err := s.schema.Lookup(bl.link.SourceClass)
	if err != nil {
		return nil, err
	}
	filter, err := changeset.ParseFilter(s.schema, source, keyPaths...)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("backlinks %s.%s", bl.target, bl.link.Name)
	return register(bl.target.b, name, func(step notifier.Step) (ResultsEvent, notifier.Kind, bool, error) {
		ev := ResultsEvent{Version: uint64(step.Cur.Version())}
		after, found, err := bl.keysAt(step.Cur)
		if err != nil {
			return ev, 0, false, err
		}
		if step.Initial() {
			if !found {
				ev.Kind = EventDeleted
				return ev, EventDeleted, true, nil
			}
			ev.Kind, ev.Keys = EventInitial, objKeys(after)
			return ev, EventInitial, true, nil
		}
		before, _, err := bl.keysAt(step.Prev)
		if err != nil {
			return ev, 0, false, err
		}
		if !found {
			ev.Kind = EventDeleted
			ev.Deletions = allPositions(len(before))
			return ev, EventDeleted, true, nil
		}
		change, err := s.differ(step).Results(before, after, filter)
		if err != nil || change.Empty() {
			return ev, 0, false, err
		}
		ev.Kind, ev.Keys, ev.ListChange = EventUpdated, objKeys(after), change
		return ev, EventUpdated, true, nil
	})
}
