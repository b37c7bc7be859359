package txn_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/txn"
	"github.com/devrev/livestore/internal/value"
)

func setup(t *testing.T) (*mvcc.Store, *txn.Coordinator) {
	t.Helper()
	store := mvcc.New(mvcc.Config{}, zap.NewNop(), nil)
	c := txn.New(store, txn.Config{}, zap.NewNop(), nil)
	t.Cleanup(func() {
		_ = c.Close(time.Second)
		_ = store.Close()
	})
	return store, c
}

func putDog(w *txn.Write, key int64, name string) error {
	return w.Txn().Put(mvcc.NewRecord(mvcc.Key{Class: "Dog", ObjKey: key},
		map[string]value.Value{"name": value.String(name)}))
}

func TestRun_Commits(t *testing.T) {
	store, c := setup(t)

	version, err := c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error {
		return putDog(w, 1, "rex")
	})
	require.NoError(t, err)
	assert.Equal(t, store.Head(), version)

	_, found, err := store.ReadRecord(version, mvcc.Key{Class: "Dog", ObjKey: 1})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRun_BodyErrorRollsBack(t *testing.T) {
	store, c := setup(t)
	boom := stderrors.New("boom")

	_, err := c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error {
		require.NoError(t, putDog(w, 1, "rex"))
		return boom
	})
	assert.ErrorIs(t, err, errors.ErrWriteAborted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, mvcc.VersionID(0), store.Head())
}

func TestRun_PanicRollsBackAndRepanics(t *testing.T) {
	store, c := setup(t)

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error {
			require.NoError(t, putDog(w, 1, "rex"))
			panic("kaboom")
		})
	})
	assert.Equal(t, mvcc.VersionID(0), store.Head())

	// Admission was released.
	_, err := c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error { return nil })
	assert.NoError(t, err)
}

func TestRun_BodyMayCancel(t *testing.T) {
	store, c := setup(t)

	version, err := c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error {
		require.NoError(t, putDog(w, 1, "rex"))
		return w.Cancel()
	})
	require.NoError(t, err)
	assert.Equal(t, mvcc.VersionID(0), version)
	assert.Equal(t, mvcc.VersionID(0), store.Head())
}

func TestRun_NestedWriteFails(t *testing.T) {
	_, c := setup(t)

	var nested error
	_, err := c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error {
		assert.True(t, c.InTransaction(ctx))
		_, nested = c.Run(ctx, func(context.Context, *txn.Write) error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, nested, errors.ErrAlreadyInTransaction)
	assert.False(t, c.InTransaction(context.Background()))
}

func TestWrite_EndsOnce(t *testing.T) {
	_, c := setup(t)

	w, err := c.Begin(context.Background())
	require.NoError(t, err)
	_, err = w.Commit()
	require.NoError(t, err)

	_, err = w.Commit()
	assert.ErrorIs(t, err, errors.ErrNoTransactionInProgress)
	assert.ErrorIs(t, w.Cancel(), errors.ErrNoTransactionInProgress)
}

func TestBegin_WaiterCancellation(t *testing.T) {
	_, c := setup(t)

	holder, err := c.Begin(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = holder.Commit()
	require.NoError(t, err)

	w, err := c.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Cancel())
}

func TestSubmit_RunsInSubmissionOrder(t *testing.T) {
	store, c := setup(t)

	var mu sync.Mutex
	var order []int
	var results []<-chan error
	for i := 0; i < 10; i++ {
		i := i
		results = append(results, c.Submit(context.Background(), func(ctx context.Context, w *txn.Write) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return putDog(w, int64(i), "dog")
		}))
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.Equal(t, mvcc.VersionID(10), store.Head())
}

func TestSubmit_PanicBecomesError(t *testing.T) {
	store, c := setup(t)

	err := <-c.Submit(context.Background(), func(ctx context.Context, w *txn.Write) error {
		panic("kaboom")
	})
	assert.ErrorIs(t, err, errors.ErrWriteAborted)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, mvcc.VersionID(0), store.Head())
}

func TestOnFinish(t *testing.T) {
	_, c := setup(t)

	type outcome struct {
		version mvcc.VersionID
		err     error
	}
	var got []outcome
	c.OnFinish(func(w *txn.Write, version mvcc.VersionID, err error) {
		got = append(got, outcome{version, err})
	})

	_, err := c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error { return nil })
	require.NoError(t, err)
	_, _ = c.Run(context.Background(), func(ctx context.Context, w *txn.Write) error { return stderrors.New("no") })

	require.Len(t, got, 2)
	assert.Equal(t, mvcc.VersionID(1), got[0].version)
	assert.Equal(t, mvcc.VersionID(0), got[1].version)
	assert.NoError(t, got[1].err)
}
