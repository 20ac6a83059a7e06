package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/internal/memengine"
	"github.com/aalhour/fdb/subspace"
)

func newTestDB(t *testing.T) *fdb.Database {
	t.Helper()
	e := memengine.New(memengine.DefaultOptions())
	require.NoError(t, e.StartNetwork())
	t.Cleanup(func() { _ = e.StopNetwork() })

	opts := fdb.DefaultOptions()
	opts.Logger = logging.Discard
	db, err := fdb.Open(e, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueueFIFO(t *testing.T) {
	for _, hc := range []bool{false, true} {
		t.Run(fmt.Sprintf("highContention=%v", hc), func(t *testing.T) {
			db := newTestDB(t)
			ctx := context.Background()
			q := New(subspace.FromBytes([]byte("q/")), hc)

			v, err := q.Pop(ctx, db)
			require.NoError(t, err)
			assert.Nil(t, v)

			for i := 0; i < 5; i++ {
				require.NoError(t, q.PushDB(ctx, db, []byte(fmt.Sprint(i))))
			}
			for i := 0; i < 5; i++ {
				v, err := q.Pop(ctx, db)
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprint(i), string(v))
			}
			v, err = q.Pop(ctx, db)
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestQueuePeekEmptyClear(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	q := New(subspace.FromBytes([]byte("q/")), false)

	empty, err := fdb.Read(ctx, db, q.Empty)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, q.PushDB(ctx, db, []byte("a")))
	require.NoError(t, q.PushDB(ctx, db, []byte("b")))

	head, err := fdb.Read(ctx, db, q.Peek)
	require.NoError(t, err)
	assert.Equal(t, "a", string(head))
	empty, err = fdb.Read(ctx, db, q.Empty)
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, fdb.Write(ctx, db, q.Clear))
	head, err = fdb.Read(ctx, db, q.Peek)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestQueuePushesInOneTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	q := New(subspace.FromBytes([]byte("q/")), false)

	require.NoError(t, fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		for _, s := range []string{"x", "y", "z"} {
			if err := q.Push(tx, []byte(s)); err != nil {
				return err
			}
		}
		return nil
	}))

	var got []string
	for i := 0; i < 3; i++ {
		v, err := q.Pop(ctx, db)
		require.NoError(t, err)
		got = append(got, string(v))
	}
	// Pushes sharing a transaction share an index and pop in random order.
	sort.Strings(got)
	assert.Equal(t, []string{"x", "y", "z"}, got)
}

func TestQueueConcurrentPoppers(t *testing.T) {
	db := newTestDB(t)
	q := New(subspace.FromBytes([]byte("hc/")), true)

	const items = 40
	for i := 0; i < items; i++ {
		require.NoError(t, q.PushDB(context.Background(), db, []byte(fmt.Sprintf("%03d", i))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		popped []string
		count  atomic.Int32
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for count.Load() < items {
				v, err := q.Pop(ctx, db)
				if !assert.NoError(t, err) {
					return
				}
				if v == nil {
					continue
				}
				count.Add(1)
				mu.Lock()
				popped = append(popped, string(v))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, popped, items)
	sort.Strings(popped)
	for i, v := range popped {
		assert.Equal(t, fmt.Sprintf("%03d", i), v)
	}

	empty, err := fdb.Read(context.Background(), db, q.Empty)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestQueuePopCanceled(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(subspace.FromBytes([]byte("q/")), true).Pop(ctx, db)
	assert.ErrorIs(t, err, context.Canceled)
}
