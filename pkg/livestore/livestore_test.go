package livestore_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/commitlog"
	"github.com/devrev/livestore/internal/value"
	"github.com/devrev/livestore/pkg/livestore"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Class{
			Name: "Child",
			Properties: []schema.Property{
				{Name: "name", Type: schema.TypeString},
				{Name: "value", Type: schema.TypeAny},
			},
			Backlinks: []schema.Backlink{
				{Name: "parents", SourceClass: "Parent", SourceProperty: "child"},
				{Name: "parentsByList", SourceClass: "Parent", SourceProperty: "list"},
			},
		},
		schema.Class{
			Name:       "Parent",
			PrimaryKey: "id",
			Properties: []schema.Property{
				{Name: "id", Type: schema.TypeInt},
				{Name: "child", Type: schema.TypeObject, Target: "Child"},
				{Name: "list", Type: schema.TypeObject, Target: "Child", Collection: schema.CollectionList},
				{Name: "tags", Type: schema.TypeString, Collection: schema.CollectionSet},
				{Name: "scores", Type: schema.TypeInt, Collection: schema.CollectionDictionary},
			},
		},
	)
	require.NoError(t, err)
	return s
}

func openStore(t *testing.T, mutate ...func(*livestore.Options)) *livestore.Store {
	t.Helper()
	opts := livestore.Options{Name: t.Name(), Schema: testSchema(t), Logger: zap.NewNop()}
	for _, fn := range mutate {
		fn(&opts)
	}
	s, err := livestore.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fields(kv map[string]interface{}) map[string]value.Value {
	return livestore.MustFields(kv)
}

func createChild(t *testing.T, s *livestore.Store, name string) *livestore.Object {
	t.Helper()
	var key int64
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.Create("Child", fields(map[string]interface{}{"name": name}))
		if err != nil {
			return err
		}
		key = c.Key()
		return nil
	})
	require.NoError(t, err)
	obj, err := s.Object("Child", key)
	require.NoError(t, err)
	return obj
}

func receive[E any](t *testing.T, sub *livestore.Subscription[E]) E {
	t.Helper()
	ev, err := sub.Receive(testContext(t))
	require.NoError(t, err)
	return ev
}

func assertNoEvent[E any](t *testing.T, s *livestore.Store, sub *livestore.Subscription[E]) {
	t.Helper()
	require.NoError(t, s.Refresh(testContext(t)))
	ev, ok := sub.TryReceive()
	assert.False(t, ok, "unexpected event %+v", ev)
}

func TestBacklinks_FiveParentsThenClose(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "c")

	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(child)
		if err != nil {
			return err
		}
		ref, err := livestore.AnyOf(c)
		if err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			if _, err := tx.Create("Parent", map[string]value.Value{
				"id":    value.Int(int64(i)),
				"child": ref,
				"list":  value.List(ref),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	parents, err := child.Backlinks("parents")
	require.NoError(t, err)
	byList, err := child.Backlinks("parentsByList")
	require.NoError(t, err)

	n, err := parents.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = byList.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, s.Close())

	_, err = parents.Len()
	assert.ErrorIs(t, err, errors.ErrInvalidatedAccess)
	_, err = byList.Objects()
	assert.ErrorIs(t, err, errors.ErrInvalidatedAccess)
}

func TestBacklinks_DuplicateLinksCount(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "c")

	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		ref := value.Object("Child", child.Key())
		_, err := tx.Create("Parent", map[string]value.Value{
			"id":   value.Int(1),
			"list": value.List(ref, ref),
		})
		return err
	})
	require.NoError(t, err)

	byList, err := child.Backlinks("parentsByList")
	require.NoError(t, err)
	n, err := byList.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "two list entries pointing at the same target count twice")
}

func TestObserveCount_EmptyInsertDeleteAll(t *testing.T) {
	s := openStore(t)
	res, err := s.Objects("Child")
	require.NoError(t, err)

	sub, err := res.ObserveCount()
	require.NoError(t, err)
	defer sub.Cancel()

	ev := receive(t, sub)
	assert.Equal(t, livestore.EventInitial, ev.Kind)
	assert.Equal(t, 0, ev.Value)

	createChild(t, s, "a")
	ev = receive(t, sub)
	assert.Equal(t, livestore.EventUpdated, ev.Kind)
	assert.Equal(t, 1, ev.Value)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.DeleteAll("Child")
		return err
	})
	require.NoError(t, err)
	ev = receive(t, sub)
	assert.Equal(t, 0, ev.Value)

	assertNoEvent(t, s, sub)
}

func TestFrozen_SnapshotIsolation(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "before")

	frozen, err := child.Freeze()
	require.NoError(t, err)
	defer frozen.Release()
	assert.True(t, frozen.Frozen())

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(child)
		if err != nil {
			return err
		}
		return c.Put("name", value.String("after"))
	})
	require.NoError(t, err)

	name, err := frozen.Get("name")
	require.NoError(t, err)
	assert.Equal(t, value.String("before"), name)

	name, err = child.Get("name")
	require.NoError(t, err)
	assert.Equal(t, value.String("after"), name)

	frozen.Release()
	_, err = frozen.Get("name")
	assert.ErrorIs(t, err, errors.ErrInvalidatedAccess)
}

func TestObjectObserve_OnlyChangedFields(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	sub, err := child.Observe()
	require.NoError(t, err)
	defer sub.Cancel()
	ev := receive(t, sub)
	assert.Equal(t, livestore.EventInitial, ev.Kind)
	assert.Equal(t, value.String("a"), ev.Object.Get("name"))

	set := func(field string, v value.Value) {
		_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
			c, err := tx.FindLatest(child)
			if err != nil {
				return err
			}
			return c.Put(field, v)
		})
		require.NoError(t, err)
	}

	set("name", value.String("a"))
	assertNoEvent(t, s, sub)

	set("name", value.String("b"))
	ev = receive(t, sub)
	assert.Equal(t, livestore.EventUpdated, ev.Kind)
	assert.Equal(t, []string{"name"}, ev.Fields)
	assert.Equal(t, value.String("b"), ev.Object.Get("name"))
}

func TestObjectObserve_KeyPathFilter(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	sub, err := child.Observe("value")
	require.NoError(t, err)
	defer sub.Cancel()
	receive(t, sub)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(child)
		if err != nil {
			return err
		}
		return c.Put("name", value.String("b"))
	})
	require.NoError(t, err)
	assertNoEvent(t, s, sub)

	_, err = child.Observe("missing")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestObjectObserve_DeletedOnce(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	sub, err := child.Observe()
	require.NoError(t, err)
	receive(t, sub)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(child)
		if err != nil {
			return err
		}
		return tx.Delete(c)
	})
	require.NoError(t, err)

	ev := receive(t, sub)
	assert.Equal(t, livestore.EventDeleted, ev.Kind)
	assert.Nil(t, ev.Object)

	_, err = sub.Receive(testContext(t))
	assert.True(t, stderrors.Is(err, livestore.ErrSubscriptionFinished))

	view, found, err := child.Resolve()
	require.NoError(t, err)
	assert.False(t, found, "deleted is a result, not an error")
	assert.Nil(t, view)

	_, err = child.Get("name")
	assert.ErrorIs(t, err, errors.ErrObjectDeleted)
}

func TestNestedContainer_InvalidatedByOverwrite(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	write := func(fn func(c *livestore.Object) error) {
		_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
			c, err := tx.FindLatest(child)
			if err != nil {
				return err
			}
			return fn(c)
		})
		require.NoError(t, err)
	}

	write(func(c *livestore.Object) error {
		return c.Put("value", value.List(value.Int(1), value.Dictionary(map[string]value.Value{"k": value.String("v")})))
	})

	list, err := child.NestedList("value")
	require.NoError(t, err)
	inner, err := list.NestedDictionary(1)
	require.NoError(t, err)

	n, err := list.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	v, ok, err := inner.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, value.String("v"), v)

	// Mutating through a handle keeps both handles valid.
	write(func(c *livestore.Object) error {
		l, err := c.NestedList("value")
		if err != nil {
			return err
		}
		if err := l.Insert(0, value.String("first")); err != nil {
			return err
		}
		d, err := l.NestedDictionary(2)
		if err != nil {
			return err
		}
		return d.Put("k2", value.Bool(true))
	})
	n, err = list.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	keys, err := inner.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "k2"}, keys)

	// Writing an equal value into the slot still invalidates.
	elems, err := list.Elements()
	require.NoError(t, err)
	write(func(c *livestore.Object) error {
		return c.Put("value", value.List(elems...))
	})

	_, err = list.Len()
	assert.ErrorIs(t, err, errors.ErrInvalidatedReference)
	_, _, err = inner.Get("k")
	assert.ErrorIs(t, err, errors.ErrInvalidatedReference)
	assert.False(t, list.IsValid())
}

func TestWrite_RollbackOnError(t *testing.T) {
	s := openStore(t)
	createChild(t, s, "kept")
	before := s.Version()

	boom := stderrors.New("boom")
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.Create("Child", nil); err != nil {
				return err
			}
		}
		return boom
	})
	assert.ErrorIs(t, err, errors.ErrWriteAborted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, s.Version(), "no version is published")

	res, err := s.Objects("Child")
	require.NoError(t, err)
	n, err := res.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWrite_NestedWriteFails(t *testing.T) {
	s := openStore(t)
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := s.Write(ctx, func(context.Context, *livestore.WriteTx) error { return nil })
		assert.ErrorIs(t, err, errors.ErrAlreadyInTransaction)
		_, err = s.BeginWrite(tx.Context())
		assert.ErrorIs(t, err, errors.ErrAlreadyInTransaction)
		return nil
	})
	require.NoError(t, err)
}

func TestWriteTx_IdentityAndEnd(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	tx, err := s.BeginWrite(testContext(t))
	require.NoError(t, err)

	a, err := tx.Object("Child", child.Key())
	require.NoError(t, err)
	b, err := tx.FindLatest(child)
	require.NoError(t, err)
	assert.Same(t, a, b)

	created, err := tx.Create("Child", fields(map[string]interface{}{"name": "new"}))
	require.NoError(t, err)
	again, err := tx.Object("Child", created.Key())
	require.NoError(t, err)
	assert.Same(t, created, again)

	require.NoError(t, tx.Cancel())
	assert.ErrorIs(t, tx.Cancel(), errors.ErrNoTransactionInProgress)

	_, err = a.Get("name")
	assert.ErrorIs(t, err, errors.ErrInvalidatedAccess)

	// Writes through live handles need a transaction.
	assert.ErrorIs(t, child.Put("name", value.String("x")), errors.ErrNoTransactionInProgress)
}

func TestWriteTx_FindLatestDeleted(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(child)
		if err != nil {
			return err
		}
		require.NoError(t, tx.Delete(c))
		latest, err := tx.FindLatest(child)
		assert.Nil(t, latest)
		return err
	})
	require.NoError(t, err)
}

func TestWriteAsync_FIFO(t *testing.T) {
	s := openStore(t)
	ctx := testContext(t)

	var results []<-chan error
	for i := 0; i < 5; i++ {
		id := int64(i)
		results = append(results, s.WriteAsync(ctx, func(ctx context.Context, tx *livestore.WriteTx) error {
			_, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(id)})
			return err
		}))
	}
	for _, ch := range results {
		require.NoError(t, <-ch)
	}

	res, err := s.Objects("Parent")
	require.NoError(t, err)
	objs, err := res.Objects()
	require.NoError(t, err)
	require.Len(t, objs, 5)
	for i, o := range objs {
		id, err := o.Get("id")
		require.NoError(t, err)
		assert.Equal(t, value.Int(int64(i)), id, "queued writes commit in submission order")
	}
}

func TestDelete_NullifiesIncomingLinks(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	var parentKey int64
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		ref := value.Object("Child", child.Key())
		p, err := tx.Create("Parent", map[string]value.Value{
			"id":    value.Int(7),
			"child": ref,
			"list":  value.List(ref, ref),
		})
		if err != nil {
			return err
		}
		parentKey = p.Key()
		return nil
	})
	require.NoError(t, err)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(child)
		if err != nil {
			return err
		}
		return tx.Delete(c)
	})
	require.NoError(t, err)

	parent, err := s.Object("Parent", parentKey)
	require.NoError(t, err)
	linked, err := parent.Link("child")
	require.NoError(t, err)
	assert.Nil(t, linked)

	list, err := parent.List("list")
	require.NoError(t, err)
	n, err := list.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDelete_NullifiesAnyValueLinks(t *testing.T) {
	s := openStore(t)
	target := createChild(t, s, "target")
	holder := createChild(t, s, "holder")
	nested := createChild(t, s, "nested")

	ref := value.Object("Child", target.Key())
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		h, err := tx.FindLatest(holder)
		if err != nil {
			return err
		}
		if err := h.Put("value", ref); err != nil {
			return err
		}
		n, err := tx.FindLatest(nested)
		if err != nil {
			return err
		}
		return n.Put("value", value.Dictionary(map[string]value.Value{
			"k": ref,
			"n": value.Int(1),
		}))
	})
	require.NoError(t, err)

	holderSub, err := holder.Observe()
	require.NoError(t, err)
	defer holderSub.Cancel()
	receive(t, holderSub)

	dict, err := nested.NestedDictionary("value")
	require.NoError(t, err)
	dictSub, err := dict.Observe()
	require.NoError(t, err)
	defer dictSub.Cancel()
	receive(t, dictSub)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(target)
		if err != nil {
			return err
		}
		return tx.Delete(c)
	})
	require.NoError(t, err)

	ev := receive(t, holderSub)
	assert.Equal(t, livestore.EventUpdated, ev.Kind)
	assert.Equal(t, []string{"value"}, ev.Fields)
	assert.True(t, ev.Object.Get("value").IsNull())

	dev := receive(t, dictSub)
	assert.Equal(t, livestore.EventUpdated, dev.Kind)
	assert.Equal(t, []string{"k"}, dev.Changes)
	assert.True(t, dev.Entries["k"].IsNull())
	assert.Equal(t, value.Int(1), dev.Entries["n"])

	v, err := holder.Get("value")
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.Create("Child", map[string]value.Value{"value": v})
		return err
	})
	require.NoError(t, err, "a nulled slot can be copied into a new object")
}

func TestUnmanaged(t *testing.T) {
	s := openStore(t)
	u, err := s.NewUnmanaged("Child")
	require.NoError(t, err)
	assert.False(t, u.Managed())

	require.NoError(t, u.Put("name", value.String("draft")))
	assert.ErrorIs(t, u.Put("name", value.Int(1)), errors.ErrTypeMismatch)

	_, err = u.Observe()
	assert.ErrorIs(t, err, errors.ErrUnmanaged)
	_, err = u.Freeze()
	assert.ErrorIs(t, err, errors.ErrUnmanaged)
	_, err = u.Backlinks("parents")
	assert.ErrorIs(t, err, errors.ErrUnmanaged)
	_, err = livestore.AnyOf(u)
	assert.ErrorIs(t, err, errors.ErrUnmanaged)

	var key int64
	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		assert.ErrorIs(t, tx.Delete(u), errors.ErrUnmanaged)
		managed, err := tx.CopyToStore(u)
		if err != nil {
			return err
		}
		key = managed.Key()
		return nil
	})
	require.NoError(t, err)
	assert.False(t, u.Managed())

	obj, err := s.Object("Child", key)
	require.NoError(t, err)
	name, err := obj.Get("name")
	require.NoError(t, err)
	assert.Equal(t, value.String("draft"), name)
}

func TestQuery_LargeIntegerKeys(t *testing.T) {
	s := openStore(t)
	const big = int64(1) << 53
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		for _, id := range []int64{big, big + 1} {
			if _, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(id)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	tests := []struct {
		predicate string
		want      int
	}{
		{predicate: "id == $0", want: 1},
		{predicate: "id > $0", want: 0},
		{predicate: "id < $0", want: 1},
		{predicate: "id != $0", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.predicate, func(t *testing.T) {
			res, err := s.Query("Parent", tt.predicate, value.Int(big+1))
			require.NoError(t, err)
			n, err := res.Len()
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	res, err := s.Objects("Parent")
	require.NoError(t, err)
	max, err := res.Max("id")
	require.NoError(t, err)
	assert.Equal(t, value.Int(big+1), max)
}

func TestPrimaryKey(t *testing.T) {
	s := openStore(t)
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(1)})
		return err
	})
	require.NoError(t, err)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(1)})
		return err
	})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.CreateOrUpdate("Parent", map[string]value.Value{
			"id":   value.Int(1),
			"tags": value.List(value.String("x"), value.String("x"), value.String("y")),
		})
		return err
	})
	require.NoError(t, err)

	obj, found, err := s.FindByPrimaryKey("Parent", value.Int(1))
	require.NoError(t, err)
	require.True(t, found)
	tags, err := obj.Set("tags")
	require.NoError(t, err)
	elems, err := tags.Elements()
	require.NoError(t, err)
	assert.Equal(t, []value.Value{value.String("x"), value.String("y")}, elems, "sets drop duplicates")

	_, found, err = s.FindByPrimaryKey("Parent", value.Int(2))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResults_QueryAndAggregates(t *testing.T) {
	s := openStore(t)
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		for _, id := range []int64{5, 3, 9, 1} {
			if _, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(id)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	res, err := s.Query("Parent", "id > $0", value.Int(2))
	require.NoError(t, err)
	n, err := res.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sum, err := res.Sum("id")
	require.NoError(t, err)
	assert.Equal(t, value.Int(17), sum)
	minV, err := res.Min("id")
	require.NoError(t, err)
	assert.Equal(t, value.Int(3), minV)
	maxV, err := res.Max("id")
	require.NoError(t, err)
	assert.Equal(t, value.Int(9), maxV)
	avg, err := res.Average("id")
	require.NoError(t, err)
	assert.Equal(t, value.Double(17.0/3.0), avg)

	_, err = res.Sum("tags")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	// Chained operations apply in order: limit first, then the filter.
	sorted, err := res.Sort(livestore.SortKey{Path: "id", Ascending: true})
	require.NoError(t, err)
	limited, err := sorted.Limit(2)
	require.NoError(t, err)
	narrowed, err := limited.Query("id > 3")
	require.NoError(t, err)
	first, ok, err := narrowed.First()
	require.NoError(t, err)
	require.True(t, ok)
	id, err := first.Get("id")
	require.NoError(t, err)
	assert.Equal(t, value.Int(5), id)
	n, err = narrowed.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	empty, err := s.Query("Parent", "id > 100")
	require.NoError(t, err)
	minV, err = empty.Min("id")
	require.NoError(t, err)
	assert.True(t, minV.IsNull())

	_, err = s.Query("Parent", "nope == 1")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestResults_Observe(t *testing.T) {
	s := openStore(t)
	res, err := s.Query("Child", "name BEGINSWITH 'a'")
	require.NoError(t, err)
	sub, err := res.Observe()
	require.NoError(t, err)
	defer sub.Cancel()

	ev := receive(t, sub)
	assert.Equal(t, livestore.EventInitial, ev.Kind)
	assert.Empty(t, ev.Keys)

	a := createChild(t, s, "alpha")
	ev = receive(t, sub)
	assert.Equal(t, []int64{a.Key()}, ev.Keys)
	assert.Equal(t, []int{0}, ev.Insertions)

	createChild(t, s, "beta")
	assertNoEvent(t, s, sub)
}

func TestObserveFirst_IdentityChange(t *testing.T) {
	s := openStore(t)
	a := createChild(t, s, "same")
	res, err := s.Objects("Child")
	require.NoError(t, err)
	sub, err := res.ObserveFirst()
	require.NoError(t, err)
	defer sub.Cancel()

	ev := receive(t, sub)
	require.NotNil(t, ev.Value)
	assert.Equal(t, a.Key(), ev.Value.Key)

	// Replace the first object with a structurally equal one.
	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(a)
		if err != nil {
			return err
		}
		if err := tx.Delete(c); err != nil {
			return err
		}
		_, err = tx.Create("Child", fields(map[string]interface{}{"name": "same"}))
		return err
	})
	require.NoError(t, err)

	ev = receive(t, sub)
	require.NotNil(t, ev.Value)
	assert.NotEqual(t, a.Key(), ev.Value.Key)
	assert.Equal(t, value.String("same"), ev.Value.Get("name"))
}

func TestObserveAggregate(t *testing.T) {
	s := openStore(t)
	res, err := s.Objects("Parent")
	require.NoError(t, err)
	sub, err := res.ObserveAggregate(livestore.AggregateSum, "id")
	require.NoError(t, err)
	defer sub.Cancel()

	ev := receive(t, sub)
	assert.Equal(t, value.Int(0), ev.Value)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(4)})
		return err
	})
	require.NoError(t, err)
	ev = receive(t, sub)
	assert.Equal(t, value.Int(4), ev.Value)
}

func TestListObserve_InsertionsAndOwnerDeletion(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "c")
	var parent *livestore.Object
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		p, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(1)})
		parent = p
		return err
	})
	require.NoError(t, err)
	live, err := s.Object("Parent", parent.Key())
	require.NoError(t, err)

	list, err := live.List("list")
	require.NoError(t, err)
	sub, err := list.Observe()
	require.NoError(t, err)
	ev := receive(t, sub)
	assert.Equal(t, livestore.EventInitial, ev.Kind)
	assert.Empty(t, ev.Elements)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		p, err := tx.FindLatest(live)
		if err != nil {
			return err
		}
		l, err := p.List("list")
		if err != nil {
			return err
		}
		ref := value.Object("Child", child.Key())
		return l.Append(ref, ref)
	})
	require.NoError(t, err)
	ev = receive(t, sub)
	assert.Equal(t, []int{0, 1}, ev.Insertions)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		p, err := tx.FindLatest(live)
		if err != nil {
			return err
		}
		return tx.Delete(p)
	})
	require.NoError(t, err)
	ev = receive(t, sub)
	assert.Equal(t, livestore.EventDeleted, ev.Kind)
	assert.Equal(t, []int{0, 1}, ev.Deletions)

	n, err := list.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a deleted owner resolves as an empty collection")
}

func TestDictionaryObserve(t *testing.T) {
	s := openStore(t)
	var key int64
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		p, err := tx.Create("Parent", map[string]value.Value{"id": value.Int(1)})
		key = p.Key()
		return err
	})
	require.NoError(t, err)
	parent, err := s.Object("Parent", key)
	require.NoError(t, err)
	scores, err := parent.Dictionary("scores")
	require.NoError(t, err)
	sub, err := scores.Observe()
	require.NoError(t, err)
	defer sub.Cancel()
	receive(t, sub)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		p, err := tx.FindLatest(parent)
		if err != nil {
			return err
		}
		d, err := p.Dictionary("scores")
		if err != nil {
			return err
		}
		if err := d.Put("math", value.Int(90)); err != nil {
			return err
		}
		return d.Put("bad.key", value.Int(1))
	})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument, "keys cannot contain '.'")

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		p, err := tx.FindLatest(parent)
		if err != nil {
			return err
		}
		d, err := p.Dictionary("scores")
		if err != nil {
			return err
		}
		return d.Put("math", value.Int(90))
	})
	require.NoError(t, err)
	ev := receive(t, sub)
	assert.Equal(t, []string{"math"}, ev.Insertions)
	assert.Equal(t, map[string]value.Value{"math": value.Int(90)}, ev.Entries)
}

func TestObserveInsideWrite_DeferredUntilEnd(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	var sub *livestore.Subscription[livestore.ObjectEvent]
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		c, err := tx.FindLatest(child)
		if err != nil {
			return err
		}
		if sub, err = c.Observe(); err != nil {
			return err
		}
		assert.Equal(t, livestore.SubscriptionPending, sub.State())
		return c.Put("name", value.String("b"))
	})
	require.NoError(t, err)
	defer sub.Cancel()

	ev := receive(t, sub)
	assert.Equal(t, livestore.EventInitial, ev.Kind)
	assert.Equal(t, value.String("b"), ev.Object.Get("name"), "the initial event reflects the committed write")
	assertNoEvent(t, s, sub)
}

func TestTooManyActiveVersions(t *testing.T) {
	s := openStore(t, func(o *livestore.Options) { o.MaxActiveVersions = 2 })
	createChild(t, s, "a")
	require.NoError(t, s.Refresh(testContext(t)))

	f1, err := s.Freeze()
	require.NoError(t, err)
	defer f1.Release()
	createChild(t, s, "b")
	require.NoError(t, s.Refresh(testContext(t)))
	assert.Equal(t, 2, s.NumberOfActiveVersions())

	f2, err := s.Freeze()
	require.NoError(t, err)
	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.Create("Child", nil)
		return err
	})
	assert.ErrorIs(t, err, errors.ErrTooManyActiveVersions)

	f2.Release()
	createChild(t, s, "c")
}

func TestSingleActiveVersion(t *testing.T) {
	s := openStore(t, func(o *livestore.Options) { o.MaxActiveVersions = 1 })
	res, err := s.Objects("Child")
	require.NoError(t, err)
	sub, err := res.ObserveCount()
	require.NoError(t, err)
	defer sub.Cancel()

	for i := 0; i < 50; i++ {
		createChild(t, s, fmt.Sprint(i))
	}
	require.NoError(t, s.Refresh(testContext(t)))
	assert.Equal(t, 1, s.NumberOfActiveVersions())

	f, err := s.Freeze()
	require.NoError(t, err)
	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.Create("Child", nil)
		return err
	})
	assert.ErrorIs(t, err, errors.ErrTooManyActiveVersions)
	f.Release()
	createChild(t, s, "after")
}

func TestCommitLogReplay(t *testing.T) {
	dir := t.TempDir()
	withLog := func(o *livestore.Options) {
		o.CommitLog = commitlog.Config{Backend: commitlog.BackendFile, Dir: dir}
	}

	s := openStore(t, withLog)
	child := createChild(t, s, "durable")
	version := s.Version()
	require.NoError(t, s.Close())

	reopened := openStore(t, withLog)
	assert.Equal(t, version, reopened.Version())
	obj, err := reopened.Object("Child", child.Key())
	require.NoError(t, err)
	name, err := obj.Get("name")
	require.NoError(t, err)
	assert.Equal(t, value.String("durable"), name)

	// Keys continue after replayed ones.
	again := createChild(t, reopened, "next")
	assert.Greater(t, again.Key(), child.Key())
}

func TestAnyOf(t *testing.T) {
	s := openStore(t)
	child := createChild(t, s, "a")

	v, err := livestore.AnyOf([]interface{}{int64(1), "x", child})
	require.NoError(t, err)
	list, err := v.AsList()
	require.NoError(t, err)
	last, err := list.At(2)
	require.NoError(t, err)
	assert.Equal(t, value.Object("Child", child.Key()), last)

	_, err = livestore.AnyOf(struct{}{})
	assert.ErrorIs(t, err, errors.ErrUnknownType)
}
