package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/internal/memengine"
	"github.com/aalhour/fdb/subspace"
	"github.com/aalhour/fdb/tuple"
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

func inTx[T any](t *testing.T, db *fdb.Database, fn func(tx *fdb.Transaction) (T, error)) (T, error) {
	t.Helper()
	return fdb.ReadWrite(context.Background(), db, fn)
}

func TestCreateThenOpen(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()

	created, err := dl.CreateDB(ctx, db, []string{"app", "users"}, "table", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "users"}, created.Path())
	assert.Equal(t, "table", created.Layer())
	assert.NotEmpty(t, created.Bytes())

	opened, err := dl.OpenDB(ctx, db, []string{"app", "users"}, "table")
	require.NoError(t, err)
	assert.True(t, opened.Equal(created.Subspace))
	assert.Equal(t, "table", opened.Layer())

	// An empty layer skips the check.
	opened, err = dl.OpenDB(ctx, db, []string{"app", "users"}, "")
	require.NoError(t, err)
	assert.Equal(t, "table", opened.Layer())

	_, err = dl.OpenDB(ctx, db, []string{"app", "users"}, "queue")
	assert.ErrorIs(t, err, ErrIncompatibleLayer)

	_, err = dl.CreateDB(ctx, db, []string{"app", "users"}, "", nil)
	assert.ErrorIs(t, err, ErrDirectoryExists)

	parent, err := dl.OpenDB(ctx, db, []string{"app"}, "")
	require.NoError(t, err)
	assert.Empty(t, parent.Layer())
}

func TestOpenMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := Default().OpenDB(context.Background(), db, []string{"nope"}, "")
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
}

func TestRootPathRejected(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()

	_, err := dl.CreateOrOpenDB(ctx, db, nil, "")
	assert.ErrorIs(t, err, ErrRootDirectory)
	_, err = dl.OpenDB(ctx, db, []string{}, "")
	assert.ErrorIs(t, err, ErrRootDirectory)
	_, err = dl.MoveDB(ctx, db, nil, []string{"a"})
	assert.ErrorIs(t, err, ErrRootDirectory)
	_, err = dl.RemoveDB(ctx, db, nil)
	assert.ErrorIs(t, err, ErrRootDirectory)

	ok, err := dl.ExistsDB(ctx, db, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidPath(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	_, err := dl.CreateOrOpenDB(context.Background(), db, []string{"a", ""}, "")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = dl.CreateOrOpenDB(context.Background(), db, []string{"\xff\xfe"}, "")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestPrefixesAreDisjoint(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()

	var dirs []*DirectorySubspace
	for i := 0; i < 40; i++ {
		d, err := dl.CreateOrOpenDB(ctx, db, []string{"p", fmt.Sprintf("d%02d", i)}, "")
		require.NoError(t, err)
		dirs = append(dirs, d)
	}
	p, err := dl.OpenDB(ctx, db, []string{"p"}, "")
	require.NoError(t, err)
	dirs = append(dirs, p)

	for i, a := range dirs {
		for j, b := range dirs {
			if i == j {
				continue
			}
			assert.False(t, bytes.HasPrefix(a.Bytes(), b.Bytes()), "%s inside %s", a, b)
		}
		assert.False(t, bytes.HasPrefix(a.Bytes(), DefaultNodePrefix))
	}
}

// collectPrefixes walks the tree under path and returns every directory's
// prefix.
func collectPrefixes(t *testing.T, db *fdb.Database, dl *Layer, path []string, out map[string][]byte) {
	t.Helper()
	ctx := context.Background()
	names, err := dl.ListDB(ctx, db, path)
	require.NoError(t, err)
	for _, name := range names {
		child := append(slices.Clone(path), name)
		d, err := dl.OpenDB(ctx, db, child, "")
		require.NoError(t, err)
		out[fmt.Sprint(child)] = d.Bytes()
		collectPrefixes(t, db, dl, child, out)
	}
}

func TestPrefixesStayDisjointUnderChurn(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	names := []string{"a", "b", "c", "d"}
	randomPath := func() []string {
		p := make([]string, 1+rng.IntN(3))
		for i := range p {
			p[i] = names[rng.IntN(len(names))]
		}
		return p
	}

	for i := 0; i < 300; i++ {
		var err error
		switch rng.IntN(3) {
		case 0:
			_, err = dl.CreateOrOpenDB(ctx, db, randomPath(), "")
		case 1:
			_, err = dl.MoveDB(ctx, db, randomPath(), randomPath())
		default:
			_, err = dl.RemoveDB(ctx, db, randomPath())
		}
		// Structural failures such as a missing parent are expected.
		var fe *fdb.Error
		require.False(t, errors.As(err, &fe), "op %d: %v", i, err)
	}

	prefixes := map[string][]byte{}
	collectPrefixes(t, db, dl, nil, prefixes)
	require.NotEmpty(t, prefixes)
	for pa, a := range prefixes {
		assert.False(t, bytes.HasPrefix(a, DefaultNodePrefix), "%s", pa)
		for pb, b := range prefixes {
			if pa != pb {
				assert.False(t, bytes.HasPrefix(a, b), "%s prefix %q inside %s prefix %q", pa, a, pb, b)
			}
		}
	}
}

func TestConcurrentAllocationIsUnique(t *testing.T) {
	db := newTestDB(t)
	dl := Default()

	const n = 24
	prefixes := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := dl.CreateOrOpenDB(context.Background(), db, []string{fmt.Sprintf("c%02d", i)}, "")
			if assert.NoError(t, err) {
				prefixes[i] = d.Bytes()
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range prefixes {
		require.NotNil(t, p)
		assert.False(t, seen[string(p)], "duplicate prefix %q", p)
		seen[string(p)] = true
	}
}

func TestManualPrefix(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()

	d, err := dl.CreateDB(ctx, db, []string{"manual"}, "", []byte("m/"))
	require.NoError(t, err)
	assert.Equal(t, []byte("m/"), d.Bytes())

	// Inside an existing prefix.
	_, err = dl.CreateDB(ctx, db, []string{"inner"}, "", []byte("m/x"))
	assert.ErrorIs(t, err, ErrPrefixInUse)
	// Containing an existing prefix.
	_, err = dl.CreateDB(ctx, db, []string{"outer"}, "", []byte("m"))
	assert.ErrorIs(t, err, ErrPrefixInUse)
	// Inside the node subspace.
	_, err = dl.CreateDB(ctx, db, []string{"meta"}, "", []byte{0xfe, 0x01})
	assert.ErrorIs(t, err, ErrPrefixInUse)
	_, err = dl.CreateDB(ctx, db, []string{"empty"}, "", []byte{})
	assert.ErrorIs(t, err, ErrPrefixInUse)

	_, err = dl.CreateDB(ctx, db, []string{"sibling"}, "", []byte("n/"))
	require.NoError(t, err)
}

func TestIsPrefixFree(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()
	_, err := dl.CreateDB(ctx, db, []string{"a"}, "", []byte("abc"))
	require.NoError(t, err)

	free, err := fdb.Read(ctx, db, func(rt fdb.ReadTransaction) (map[string]bool, error) {
		out := make(map[string]bool)
		for _, p := range []string{"", "ab", "abc", "abcd", "abd", "b"} {
			ok, err := dl.isPrefixFree(rt, []byte(p))
			if err != nil {
				return nil, err
			}
			out[p] = ok
		}
		return out, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"": false, "ab": false, "abc": false, "abcd": false, "abd": true, "b": true,
	}, free)
}

func TestList(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()
	for _, name := range []string{"b", "a", "c"} {
		_, err := dl.CreateOrOpenDB(ctx, db, []string{"top", name}, "")
		require.NoError(t, err)
	}

	names, err := dl.ListDB(ctx, db, []string{"top"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	names, err = dl.ListDB(ctx, db, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"top"}, names)

	names, err = dl.ListDB(ctx, db, []string{"top", "a"})
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = dl.ListDB(ctx, db, []string{"missing"})
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
}

func TestMoveKeepsContents(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()

	src, err := dl.CreateOrOpenDB(ctx, db, []string{"from", "x"}, "blob")
	require.NoError(t, err)
	_, err = dl.CreateOrOpenDB(ctx, db, []string{"from", "x", "child"}, "")
	require.NoError(t, err)
	_, err = dl.CreateOrOpenDB(ctx, db, []string{"to"}, "")
	require.NoError(t, err)
	require.NoError(t, fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return tx.Set(src.Pack(tuple.Tuple{"k"}), []byte("v"))
	}))

	moved, err := dl.MoveDB(ctx, db, []string{"from", "x"}, []string{"to", "y"})
	require.NoError(t, err)
	assert.True(t, moved.Equal(src.Subspace))
	assert.Equal(t, "blob", moved.Layer())
	assert.Equal(t, []string{"to", "y"}, moved.Path())

	_, err = dl.OpenDB(ctx, db, []string{"from", "x"}, "")
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
	child, err := dl.OpenDB(ctx, db, []string{"to", "y", "child"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, child.Bytes())

	v, err := fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]byte, error) {
		return rt.Get(moved.Pack(tuple.Tuple{"k"})).Get()
	})
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestMoveErrors(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()
	for _, p := range [][]string{{"a"}, {"a", "b"}, {"c"}} {
		_, err := dl.CreateOrOpenDB(ctx, db, p, "")
		require.NoError(t, err)
	}

	_, err := dl.MoveDB(ctx, db, []string{"a"}, []string{"a", "b", "z"})
	assert.ErrorIs(t, err, ErrMoveIntoDescendant)
	_, err = dl.MoveDB(ctx, db, []string{"a"}, []string{"a"})
	assert.ErrorIs(t, err, ErrMoveIntoDescendant)
	_, err = dl.MoveDB(ctx, db, []string{"a"}, []string{"c"})
	assert.ErrorIs(t, err, ErrDirectoryExists)
	_, err = dl.MoveDB(ctx, db, []string{"nope"}, []string{"d"})
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
	_, err = dl.MoveDB(ctx, db, []string{"a"}, []string{"x", "y"})
	assert.ErrorIs(t, err, ErrParentNotFound)

	// An existing destination is reported before a missing source.
	_, err = dl.MoveDB(ctx, db, []string{"nope"}, []string{"c"})
	assert.ErrorIs(t, err, ErrDirectoryExists)
}

func TestRemoveClearsSubtree(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()

	paths := [][]string{{"a"}, {"a", "b"}, {"a", "b", "c"}}
	var tree []*DirectorySubspace
	for _, p := range paths {
		d, err := dl.CreateOrOpenDB(ctx, db, p, "")
		require.NoError(t, err)
		tree = append(tree, d)
	}
	sibling, err := dl.CreateOrOpenDB(ctx, db, []string{"s"}, "")
	require.NoError(t, err)
	require.NoError(t, fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		for _, d := range append(tree, sibling) {
			if err := tx.Set(d.Pack(tuple.Tuple{"k"}), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	removed, err := dl.RemoveDB(ctx, db, []string{"a"})
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = dl.RemoveDB(ctx, db, []string{"a"})
	require.NoError(t, err)
	assert.False(t, removed)

	for _, p := range paths {
		ok, err := dl.ExistsDB(ctx, db, p)
		require.NoError(t, err)
		assert.False(t, ok, "%v", p)
	}

	count := func(s subspace.Subspace) int {
		kvs, err := fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]fdb.KeyValue, error) {
			begin, end := fdb.FullPrefixRange(s).Selectors()
			return rt.GetRangeAll(begin, end, fdb.RangeOptions{}).Get()
		})
		require.NoError(t, err)
		return len(kvs)
	}
	for _, d := range tree {
		assert.Zero(t, count(d.Subspace), "contents of %s", d)
		assert.Zero(t, count(dl.nodeWithPrefix(d.Bytes())), "metadata of %s", d)
	}
	assert.Equal(t, 1, count(sibling.Subspace))
	assert.NotZero(t, count(dl.nodeWithPrefix(sibling.Bytes())))

	names, err := dl.ListDB(ctx, db, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, names)
}

func TestDirectorySubspaceRelativeOps(t *testing.T) {
	db := newTestDB(t)
	dl := Default()
	ctx := context.Background()

	app, err := dl.CreateOrOpenDB(ctx, db, []string{"app"}, "")
	require.NoError(t, err)
	assert.Same(t, dl, app.DirectoryLayer())
	require.NoError(t, app.CheckLayer(""))
	assert.ErrorIs(t, app.CheckLayer("x"), ErrIncompatibleLayer)

	logs, err := inTx(t, db, func(tx *fdb.Transaction) (*DirectorySubspace, error) {
		return app.CreateOrOpen(tx, []string{"logs"}, "")
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "logs"}, logs.Path())
	assert.Contains(t, logs.String(), "/app/logs")

	moved, err := inTx(t, db, func(tx *fdb.Transaction) (*DirectorySubspace, error) {
		return app.Move(tx, []string{"logs"}, []string{"old-logs"})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "old-logs"}, moved.Path())

	names, err := fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]string, error) {
		return app.List(rt, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"old-logs"}, names)

	renamed, err := inTx(t, db, func(tx *fdb.Transaction) (*DirectorySubspace, error) {
		return app.MoveTo(tx, []string{"application"})
	})
	require.NoError(t, err)
	assert.True(t, renamed.Equal(app.Subspace))

	ok, err := inTx(t, db, func(tx *fdb.Transaction) (bool, error) {
		return renamed.Remove(tx, nil)
	})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dl.ExistsDB(ctx, db, []string{"application", "old-logs"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamedPartitionEndToEnd(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	part, err := OpenNamedPartition(ctx, db, []string{"tenant"})
	require.NoError(t, err)
	assert.True(t, db.GlobalSpace().Equal(part.Space.Subspace))
	assert.Equal(t, PartitionLayer, part.Space.Layer())

	data, err := part.Root.CreateOrOpenDB(ctx, db, []string{"app", "data"}, "")
	require.NoError(t, err)
	assert.True(t, part.Space.Contains(data.Bytes()))

	key := data.Pack(tuple.Tuple{"x"})
	require.NoError(t, fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return tx.Set(key, []byte{1})
	}))
	v, err := fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]byte, error) {
		return rt.Get(key).Get()
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)

	archive, err := part.Root.MoveDB(ctx, db, []string{"app", "data"}, []string{"app", "archive"})
	require.NoError(t, err)
	_, err = part.Root.OpenDB(ctx, db, []string{"app", "data"}, "")
	assert.ErrorIs(t, err, ErrDirectoryNotFound)

	v, err = fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]byte, error) {
		return rt.Get(archive.Pack(tuple.Tuple{"x"})).Get()
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)

	// Keys outside the partition are now rejected.
	err = fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return tx.Set([]byte("outside"), []byte{1})
	})
	var fe *fdb.Error
	require.ErrorAs(t, err, &fe)

	// Leaving restores the whole keyspace to every holder of db.
	part.Leave()
	assert.Empty(t, db.GlobalSpace().Bytes())
	require.NoError(t, fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return tx.Set([]byte("outside"), []byte{1})
	}))
	v, err = fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]byte, error) {
		return rt.Get(archive.Pack(tuple.Tuple{"x"})).Get()
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)
}
