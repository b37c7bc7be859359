package livestore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/value"
	"github.com/devrev/livestore/pkg/livestore"
)

func embeddedSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Class{
			Name:     "Address",
			Embedded: true,
			Properties: []schema.Property{
				{Name: "city", Type: schema.TypeString},
			},
		},
		schema.Class{
			Name:     "Line",
			Embedded: true,
			Properties: []schema.Property{
				{Name: "sku", Type: schema.TypeString},
				{Name: "qty", Type: schema.TypeInt},
			},
		},
		schema.Class{
			Name: "Order",
			Properties: []schema.Property{
				{Name: "ref", Type: schema.TypeString},
				{Name: "address", Type: schema.TypeObject, Target: "Address"},
				{Name: "lines", Type: schema.TypeObject, Target: "Line", Collection: schema.CollectionList},
			},
		},
		schema.Class{
			Name: "Node",
			Properties: []schema.Property{
				{Name: "name", Type: schema.TypeString},
				{Name: "next", Type: schema.TypeObject, Target: "Node"},
				{Name: "peers", Type: schema.TypeObject, Target: "Node", Collection: schema.CollectionList},
				{Name: "extra", Type: schema.TypeAny},
			},
		},
	)
	require.NoError(t, err)
	return s
}

func openEmbeddedStore(t *testing.T) *livestore.Store {
	return openStore(t, func(o *livestore.Options) { o.Schema = embeddedSchema(t) })
}

func countObjects(t *testing.T, s *livestore.Store, class string) int {
	t.Helper()
	res, err := s.Objects(class)
	require.NoError(t, err)
	n, err := res.Len()
	require.NoError(t, err)
	return n
}

// createOrder writes an order with an address and the given line skus.
func createOrder(t *testing.T, s *livestore.Store, ref string, skus ...string) *livestore.Object {
	t.Helper()
	var key int64
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		o, err := tx.Create("Order", map[string]value.Value{"ref": value.String(ref)})
		if err != nil {
			return err
		}
		if _, err := tx.CreateEmbedded(o, "address", map[string]value.Value{"city": value.String("Oslo")}); err != nil {
			return err
		}
		for _, sku := range skus {
			if _, err := tx.CreateEmbedded(o, "lines", map[string]value.Value{
				"sku": value.String(sku),
				"qty": value.Int(1),
			}); err != nil {
				return err
			}
		}
		key = o.Key()
		return nil
	})
	require.NoError(t, err)
	obj, err := s.Object("Order", key)
	require.NoError(t, err)
	return obj
}

func TestEmbedded_CreatedOnlyThroughOwner(t *testing.T) {
	s := openEmbeddedStore(t)
	order := createOrder(t, s, "o1")
	addr, err := order.Link("address")
	require.NoError(t, err)
	require.NotNil(t, addr)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.Create("Address", map[string]value.Value{"city": value.String("Rome")})
		assert.ErrorIs(t, err, errors.ErrInvalidArgument)

		other, err := tx.Create("Order", map[string]value.Value{"ref": value.String("o2")})
		require.NoError(t, err)
		ref, err := livestore.AnyOf(addr)
		require.NoError(t, err)
		assert.ErrorIs(t, other.Put("address", ref), errors.ErrInvalidArgument)

		_, err = tx.CreateEmbedded(other, "ref", nil)
		assert.ErrorIs(t, err, errors.ErrInvalidArgument)

		// Writing the current link back is a no-op.
		o, err := tx.FindLatest(order)
		require.NoError(t, err)
		assert.NoError(t, o.Put("address", ref))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countObjects(t, s, "Address"))
	assert.True(t, addr.IsValid())
}

func TestEmbedded_ReplacedObjectsAreDeleted(t *testing.T) {
	s := openEmbeddedStore(t)
	order := createOrder(t, s, "o1", "a", "b", "c")
	first, err := order.Link("address")
	require.NoError(t, err)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		o, err := tx.FindLatest(order)
		if err != nil {
			return err
		}
		if _, err := tx.CreateEmbedded(o, "address", map[string]value.Value{"city": value.String("Bergen")}); err != nil {
			return err
		}
		lines, err := o.List("lines")
		if err != nil {
			return err
		}
		return lines.Remove(1)
	})
	require.NoError(t, err)

	assert.False(t, first.IsValid())
	assert.Equal(t, 1, countObjects(t, s, "Address"))
	assert.Equal(t, 2, countObjects(t, s, "Line"))

	addr, err := order.Link("address")
	require.NoError(t, err)
	city, err := addr.Get("city")
	require.NoError(t, err)
	assert.Equal(t, value.String("Bergen"), city)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		o, err := tx.FindLatest(order)
		if err != nil {
			return err
		}
		return o.Put("address", value.Null())
	})
	require.NoError(t, err)
	assert.Equal(t, 0, countObjects(t, s, "Address"))
}

func TestEmbedded_DeleteCascades(t *testing.T) {
	s := openEmbeddedStore(t)
	order := createOrder(t, s, "o1", "a", "b")
	createOrder(t, s, "o2", "c")
	require.Equal(t, 3, countObjects(t, s, "Line"))

	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		o, err := tx.FindLatest(order)
		if err != nil {
			return err
		}
		return tx.Delete(o)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countObjects(t, s, "Address"))
	assert.Equal(t, 1, countObjects(t, s, "Line"))

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		n, err := tx.DeleteAll("Order")
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, countObjects(t, s, "Address"))
	assert.Equal(t, 0, countObjects(t, s, "Line"))
}

// createRing writes nodes a -> b -> c -> a with a peers list on a.
func createRing(t *testing.T, s *livestore.Store) *livestore.Object {
	t.Helper()
	var key int64
	_, err := s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		var nodes []*livestore.Object
		for _, name := range []string{"a", "b", "c", "d"} {
			n, err := tx.Create("Node", map[string]value.Value{"name": value.String(name)})
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		ref := func(i int) value.Value {
			v, err := livestore.AnyOf(nodes[i])
			require.NoError(t, err)
			return v
		}
		for i := 0; i < 3; i++ {
			if err := nodes[i].Put("next", ref((i+1)%3)); err != nil {
				return err
			}
		}
		if err := nodes[0].Put("peers", value.List(ref(1), ref(3))); err != nil {
			return err
		}
		if err := nodes[0].Put("extra", value.Dictionary(map[string]value.Value{"far": ref(3)})); err != nil {
			return err
		}
		key = nodes[0].Key()
		return nil
	})
	require.NoError(t, err)
	obj, err := s.Object("Node", key)
	require.NoError(t, err)
	return obj
}

func nodeName(t *testing.T, o *livestore.Object) string {
	t.Helper()
	require.NotNil(t, o)
	v, err := o.Get("name")
	require.NoError(t, err)
	s, err := v.AsString()
	require.NoError(t, err)
	return s
}

func TestDetach_DepthBound(t *testing.T) {
	s := openEmbeddedStore(t)
	a := createRing(t, s)

	tests := []struct {
		depth    int
		chain    []string
		peers    []string
		farKept  bool
		closesAt int
	}{
		{depth: 0, chain: []string{"a"}, peers: []string{}},
		{depth: 1, chain: []string{"a", "b"}, peers: []string{"b", "d"}, farKept: true},
		{depth: 2, chain: []string{"a", "b", "c"}, peers: []string{"b", "d"}, farKept: true, closesAt: 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.depth), func(t *testing.T) {
			root, err := a.Detach(tt.depth)
			require.NoError(t, err)
			assert.False(t, root.Managed())

			cur := root
			for i, want := range tt.chain {
				assert.Equal(t, want, nodeName(t, cur))
				next, err := cur.Link("next")
				require.NoError(t, err)
				if i == len(tt.chain)-1 {
					if tt.closesAt > 0 {
						assert.Same(t, root, next)
					} else {
						assert.Nil(t, next)
					}
					break
				}
				cur = next
			}

			peers, err := root.LinkedObjects("peers")
			require.NoError(t, err)
			got := make([]string, 0, len(peers))
			for _, p := range peers {
				got = append(got, nodeName(t, p))
			}
			assert.Equal(t, tt.peers, got)

			extra, err := root.Get("extra")
			require.NoError(t, err)
			dict, err := extra.AsDictionary()
			require.NoError(t, err)
			far, ok := dict.Lookup("far")
			require.True(t, ok)
			assert.Equal(t, tt.farKept, !far.IsNull())
		})
	}

	_, err := a.Detach(-1)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	u, err := s.NewUnmanaged("Node")
	require.NoError(t, err)
	_, err = u.Detach(1)
	assert.ErrorIs(t, err, errors.ErrUnmanaged)
}

func TestDetach_IgnoresLaterWrites(t *testing.T) {
	s := openEmbeddedStore(t)
	a := createRing(t, s)
	copyA, err := a.Detach(1)
	require.NoError(t, err)

	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		n, err := tx.FindLatest(a)
		if err != nil {
			return err
		}
		return n.Put("name", value.String("renamed"))
	})
	require.NoError(t, err)
	assert.Equal(t, "a", nodeName(t, copyA))
	assert.Equal(t, "renamed", nodeName(t, a))
}

func TestDetach_CopyToStoreRecreatesEmbedded(t *testing.T) {
	s := openEmbeddedStore(t)
	order := createOrder(t, s, "o1", "a", "b")
	copied, err := order.Detach(1)
	require.NoError(t, err)
	require.NoError(t, copied.Put("ref", value.String("o1-copy")))

	var key int64
	_, err = s.Write(testContext(t), func(ctx context.Context, tx *livestore.WriteTx) error {
		o, err := tx.CopyToStore(copied)
		if err != nil {
			return err
		}
		key = o.Key()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countObjects(t, s, "Address"))
	assert.Equal(t, 4, countObjects(t, s, "Line"))

	dup, err := s.Object("Order", key)
	require.NoError(t, err)
	lines, err := dup.LinkedObjects("lines")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	sku, err := lines[1].Get("sku")
	require.NoError(t, err)
	assert.Equal(t, value.String("b"), sku)

	orig, err := order.LinkedObjects("lines")
	require.NoError(t, err)
	assert.NotEqual(t, orig[0].Key(), lines[0].Key())
}
