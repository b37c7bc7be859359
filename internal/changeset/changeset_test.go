package changeset_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/changeset"
	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

func strs(ss ...string) []value.Value {
	out := make([]value.Value, len(ss))
	for i, s := range ss {
		out[i] = value.String(s)
	}
	return out
}

func TestDiffList(t *testing.T) {
	tests := []struct {
		name    string
		before  []value.Value
		after   []value.Value
		limit   int
		want    changeset.ListChange
		noMoves bool
	}{
		{
			name:   "unchanged",
			before: strs("a", "b", "c"),
			after:  strs("a", "b", "c"),
			want:   changeset.ListChange{},
		},
		{
			name:   "append",
			before: strs("a", "b", "c"),
			after:  strs("a", "b", "c", "d"),
			want:   changeset.ListChange{Insertions: []int{3}},
		},
		{
			name:   "delete middle",
			before: strs("a", "b", "c"),
			after:  strs("a", "c"),
			want:   changeset.ListChange{Deletions: []int{1}},
		},
		{
			name:   "replace middle",
			before: strs("a", "b", "c", "d"),
			after:  strs("a", "x", "c", "d"),
			want:   changeset.ListChange{Deletions: []int{1}, Insertions: []int{1}},
		},
		{
			name:   "swap is a move",
			before: strs("a", "b", "c", "d"),
			after:  strs("a", "c", "b", "d"),
			want: changeset.ListChange{Moves: []changeset.Move{
				{From: 2, To: 1},
				{From: 1, To: 2},
			}},
		},
		{
			name:   "lcs keeps common run",
			before: strs("a", "b", "c"),
			after:  strs("b", "c", "x"),
			want:   changeset.ListChange{Deletions: []int{0}, Insertions: []int{2}},
		},
		{
			name:   "superset beyond the lcs limit",
			before: strs("a", "b", "c"),
			after:  strs("b", "c", "x"),
			limit:  4,
			want: changeset.ListChange{
				Deletions:  []int{0, 1, 2},
				Insertions: []int{0, 1, 2},
			},
		},
		{
			name:   "clear",
			before: strs("a", "b"),
			after:  nil,
			want:   changeset.ListChange{Deletions: []int{0, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := changeset.DiffList(tt.before, tt.after, nil, tt.limit)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiffList_ModifiedMatches(t *testing.T) {
	before := strs("a", "b", "c")
	after := strs("a", "b", "c", "d")

	got := changeset.DiffList(before, after, func(i, j int) bool { return i == 1 }, 0)

	assert.Equal(t, []int{3}, got.Insertions)
	assert.Equal(t, []int{1}, got.Changes)
}

func TestDiffList_IntegerWidthsMatch(t *testing.T) {
	got := changeset.DiffList(
		[]value.Value{value.Int8(1), value.Int(2)},
		[]value.Value{value.Int(1), value.Int16(2)},
		nil, 0)
	assert.True(t, got.Empty())
}

func TestDiffSet(t *testing.T) {
	before := strs("a", "b", "c")
	after := strs("c", "d", "a")

	got := changeset.DiffSet(before, after, func(v value.Value) bool {
		s, _ := v.AsString()
		return s == "a"
	})

	assert.Equal(t, strs("d"), got.Insertions)
	assert.Equal(t, strs("b"), got.Deletions)
	assert.Equal(t, strs("a"), got.Changes)
}

func TestDiffDictionary(t *testing.T) {
	before := map[string]value.Value{
		"a": value.Int(1),
		"b": value.Int(2),
		"c": value.List(value.Int(1)),
	}
	after := map[string]value.Value{
		"a": value.Int(1),
		"c": value.List(value.Int(1), value.Int(2)),
		"d": value.Null(),
	}

	got := changeset.DiffDictionary(before, after, nil)

	assert.Equal(t, []string{"d"}, got.Insertions)
	assert.Equal(t, []string{"b"}, got.Deletions)
	assert.Equal(t, []string{"c"}, got.Changes)
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Class{
			Name: "Person",
			Properties: []schema.Property{
				{Name: "name", Type: schema.TypeString},
				{Name: "age", Type: schema.TypeInt},
				{Name: "dog", Type: schema.TypeObject, Target: "Dog"},
				{Name: "friends", Type: schema.TypeObject, Target: "Person", Collection: schema.CollectionList},
			},
		},
		schema.Class{
			Name: "Dog",
			Properties: []schema.Property{
				{Name: "name", Type: schema.TypeString},
			},
			Backlinks: []schema.Backlink{
				{Name: "owners", SourceClass: "Person", SourceProperty: "dog"},
			},
		},
	)
	require.NoError(t, err)
	return s
}

func TestParseFilter(t *testing.T) {
	s := testSchema(t)
	person, _ := s.Class("Person")

	tests := []struct {
		name    string
		paths   []string
		wantErr bool
	}{
		{name: "default", paths: nil},
		{name: "field", paths: []string{"name"}},
		{name: "link path", paths: []string{"dog.name"}},
		{name: "backlink path", paths: []string{"dog.owners.name"}},
		{name: "deep wildcard", paths: []string{"*.*.*.*.*"}},
		{name: "unknown field", paths: []string{"colour"}, wantErr: true},
		{name: "unknown linked field", paths: []string{"dog.colour"}, wantErr: true},
		{name: "follow a non-link", paths: []string{"name.length"}, wantErr: true},
		{name: "empty", paths: []string{""}, wantErr: true},
		{name: "empty segment", paths: []string{"dog..name"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := changeset.ParseFilter(s, person, tt.paths...)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, f)
		})
	}
}

func TestFilter_CoversAndDescend(t *testing.T) {
	s := testSchema(t)
	person, _ := s.Class("Person")

	f, err := changeset.ParseFilter(s, person, "name", "dog.name")
	require.NoError(t, err)

	assert.True(t, f.Covers("name"))
	assert.True(t, f.Covers("dog"))
	assert.False(t, f.Covers("age"))
	assert.Nil(t, f.Descend("name"))
	sub := f.Descend("dog")
	require.NotNil(t, sub)
	assert.True(t, sub.Covers("name"))
	assert.Nil(t, sub.Descend("name"))

	def := changeset.DefaultFilter()
	depth := 0
	for cur := def; cur != nil; cur = cur.Descend("dog") {
		depth++
	}
	assert.Equal(t, 4, depth)
}

// scanBacklinks counts links to target by scanning the source class.
func scanBacklinks(r mvcc.Reader, target mvcc.Key, b *schema.Backlink) ([]mvcc.Key, error) {
	var out []mvcc.Key
	err := r.Scan(b.SourceClass, func(rec *mvcc.Record) bool {
		v, _ := rec.Get(b.SourceProperty)
		value.Walk(v, func(e value.Value) {
			if l, err := e.AsLink(); err == nil && l.Class == target.Class && l.Key == target.ObjKey {
				out = append(out, rec.Key)
			}
		})
		return true
	})
	return out, err
}

type fixture struct {
	t     *testing.T
	store *mvcc.Store
	sch   *schema.Schema
}

func newFixture(t *testing.T) *fixture {
	s := mvcc.New(mvcc.Config{}, zap.NewNop(), nil)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{t: t, store: s, sch: testSchema(t)}
}

func (f *fixture) write(fn func(txn *mvcc.Txn)) {
	f.t.Helper()
	txn, err := f.store.Begin()
	require.NoError(f.t, err)
	fn(txn)
	_, err = txn.Commit(context.Background())
	require.NoError(f.t, err)
}

func (f *fixture) put(txn *mvcc.Txn, class string, key int64, fields map[string]value.Value) {
	f.t.Helper()
	require.NoError(f.t, txn.Put(mvcc.NewRecord(mvcc.Key{Class: class, ObjKey: key}, fields)))
}

// step pins the current head, runs fn as a new commit and returns a differ
// between the two versions.
func (f *fixture) step(fn func(txn *mvcc.Txn)) *changeset.Differ {
	f.t.Helper()
	before, err := f.store.Acquire()
	require.NoError(f.t, err)
	f.t.Cleanup(before.Release)
	f.write(fn)
	after, err := f.store.Acquire()
	require.NoError(f.t, err)
	f.t.Cleanup(after.Release)
	return changeset.NewDiffer(f.sch, before, after, scanBacklinks)
}

var (
	alice = mvcc.Key{Class: "Person", ObjKey: 1}
	bob   = mvcc.Key{Class: "Person", ObjKey: 2}
	rex   = mvcc.Key{Class: "Dog", ObjKey: 1}
)

func (f *fixture) seed() {
	f.write(func(txn *mvcc.Txn) {
		f.put(txn, "Dog", 1, map[string]value.Value{"name": value.String("rex")})
		f.put(txn, "Person", 1, map[string]value.Value{
			"name":    value.String("alice"),
			"age":     value.Int(30),
			"dog":     value.Object("Dog", 1),
			"friends": value.List(),
		})
	})
}

func TestDiffer_Object(t *testing.T) {
	tests := []struct {
		name   string
		paths  []string
		target mvcc.Key
		change func(f *fixture, txn *mvcc.Txn)
		want   changeset.ObjectChange
	}{
		{
			name:   "own field",
			target: alice,
			change: func(f *fixture, txn *mvcc.Txn) {
				f.put(txn, "Person", 1, map[string]value.Value{
					"name": value.String("alice"), "age": value.Int(31),
					"dog": value.Object("Dog", 1), "friends": value.List(),
				})
			},
			want: changeset.ObjectChange{Fields: []string{"age"}},
		},
		{
			name:   "filtered out field",
			paths:  []string{"name"},
			target: alice,
			change: func(f *fixture, txn *mvcc.Txn) {
				f.put(txn, "Person", 1, map[string]value.Value{
					"name": value.String("alice"), "age": value.Int(31),
					"dog": value.Object("Dog", 1), "friends": value.List(),
				})
			},
			want: changeset.ObjectChange{},
		},
		{
			name:   "linked object change",
			target: alice,
			change: func(f *fixture, txn *mvcc.Txn) {
				f.put(txn, "Dog", 1, map[string]value.Value{"name": value.String("max")})
			},
			want: changeset.ObjectChange{Fields: []string{"dog"}},
		},
		{
			name:   "linked object change outside the key path",
			paths:  []string{"dog"},
			target: alice,
			change: func(f *fixture, txn *mvcc.Txn) {
				f.put(txn, "Dog", 1, map[string]value.Value{"name": value.String("max")})
			},
			want: changeset.ObjectChange{},
		},
		{
			name:   "backlinks need an explicit key path",
			target: rex,
			change: func(f *fixture, txn *mvcc.Txn) {
				f.put(txn, "Person", 2, map[string]value.Value{
					"name": value.String("bob"), "dog": value.Object("Dog", 1), "friends": value.List(),
				})
			},
			want: changeset.ObjectChange{},
		},
		{
			name:   "new backlink",
			paths:  []string{"owners"},
			target: rex,
			change: func(f *fixture, txn *mvcc.Txn) {
				f.put(txn, "Person", 2, map[string]value.Value{
					"name": value.String("bob"), "dog": value.Object("Dog", 1), "friends": value.List(),
				})
			},
			want: changeset.ObjectChange{Fields: []string{"owners"}},
		},
		{
			name:   "deleted",
			target: alice,
			change: func(f *fixture, txn *mvcc.Txn) {
				require.NoError(f.t, txn.Delete(alice))
			},
			want: changeset.ObjectChange{Deleted: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed()
			d := f.step(func(txn *mvcc.Txn) { tt.change(f, txn) })

			class, err := f.sch.Lookup(tt.target.Class)
			require.NoError(t, err)
			filter, err := changeset.ParseFilter(f.sch, class, tt.paths...)
			require.NoError(t, err)

			got, err := d.Object(tt.target, filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiffer_CyclesTerminate(t *testing.T) {
	f := newFixture(t)
	f.write(func(txn *mvcc.Txn) {
		f.put(txn, "Person", 1, map[string]value.Value{
			"name": value.String("alice"), "friends": value.List(value.Object("Person", 2)),
		})
		f.put(txn, "Person", 2, map[string]value.Value{
			"name": value.String("bob"), "friends": value.List(value.Object("Person", 1)),
		})
	})
	d := f.step(func(txn *mvcc.Txn) {})

	changed, err := d.ObjectChanged(alice, changeset.DefaultFilter())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDiffer_ResultsReportModifiedRows(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.write(func(txn *mvcc.Txn) {
		f.put(txn, "Person", 2, map[string]value.Value{"name": value.String("bob"), "friends": value.List()})
	})
	d := f.step(func(txn *mvcc.Txn) {
		f.put(txn, "Dog", 1, map[string]value.Value{"name": value.String("max")})
	})

	got, err := d.Results([]mvcc.Key{alice, bob}, []mvcc.Key{alice, bob}, changeset.DefaultFilter())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got.Changes)
	assert.Empty(t, got.Insertions)
	assert.Empty(t, got.Deletions)
}

func TestDiffer_NestedContainerContentChange(t *testing.T) {
	f := newFixture(t)
	var stored value.Value
	f.write(func(txn *mvcc.Txn) {
		stored = f.store.Adopt(value.List(value.Int(1)))
		f.put(txn, "Person", 1, map[string]value.Value{"name": value.String("alice")})
	})

	// Same instance, new content: the element matches itself but changed.
	c := stored.Container().Clone()
	c.Append(value.Int(2))
	changed := value.FromContainer(c)

	d := f.step(func(txn *mvcc.Txn) {})
	got, err := d.List([]value.Value{stored}, []value.Value{changed}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got.Changes)
}
