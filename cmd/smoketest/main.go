// End-to-end smoke test for the fdb client.
//
// Use `smoketest` to run a fast end-to-end check across core features.
// `smoketest` starts the in-process engine with a bbolt snapshot file, opens
// a database, writes data, restarts the engine, and verifies results.
// `smoketest` also exercises conflicts, the directory layer, named
// partitions, the table and queue layers, and ordered range transforms.
//
// Run a smoke test:
//
// ```bash
// ./bin/smoketest -keys=2000 -value-size=200
// ```
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/directory"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/internal/memengine"
	"github.com/aalhour/fdb/layers/queue"
	"github.com/aalhour/fdb/layers/table"
	"github.com/aalhour/fdb/native"
	"github.com/aalhour/fdb/subspace"
	"github.com/aalhour/fdb/tuple"
)

var (
	numKeys     = flag.Int("keys", 2000, "Number of keys to write")
	valueSize   = flag.Int("value-size", 200, "Size of each value in bytes")
	dbPath      = flag.String("db", "", "Snapshot directory (default: temp directory)")
	optionsPath = flag.String("options", "", "OPTIONS file to open databases with")
	keepDB      = flag.Bool("keep", false, "Keep snapshot files after test")
	verbose     = flag.Bool("v", false, "Verbose output")
	latency     = flag.Duration("latency", 0, "Simulated engine latency per request")
)

const testDirPrefix = "fdb-smoke-"

var registry = prometheus.NewRegistry()

func main() {
	flag.Parse()
	if *valueSize < 16 {
		fatal("-value-size must be at least 16 bytes")
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     fdb Smoke Test                           ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║ Keys: %d, Value Size: %d bytes\n", *numKeys, *valueSize)
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	var testDir string
	var err error
	if *dbPath == "" {
		testDir, err = os.MkdirTemp("", testDirPrefix+"*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
		if !*keepDB {
			defer os.RemoveAll(testDir)
		}
	} else {
		testDir = *dbPath
		if err := os.MkdirAll(testDir, 0o755); err != nil {
			fatal("Failed to create %s: %v", testDir, err)
		}
	}
	fmt.Printf("📁 Snapshot path: %s\n\n", testDir)

	keys, values := generateTestData(*numKeys, *valueSize)

	passed := 0
	failed := 0

	tests := []struct {
		name string
		fn   func(string, [][]byte, [][]byte) error
	}{
		{"Basic Write/Read", testBasicWriteRead},
		{"Persistence (Engine Restart)", testPersistence},
		{"Range Reads", testRangeReads},
		{"Conflict Detection", testConflict},
		{"Directory Layer", testDirectories},
		{"Named Partition", testPartition},
		{"Table Layer", testTable},
		{"Queue Layer", testQueue},
		{"Ordered Range Transform", testTransform},
		{"Options File", testOptionsFile},
	}

	for _, t := range tests {
		fmt.Printf("\n🧪 Test: %s\n", t.name)
		testPath := filepath.Join(testDir, sanitizeName(t.name))
		_ = os.RemoveAll(testPath)
		if err := os.MkdirAll(testPath, 0o755); err != nil {
			fatal("Failed to create %s: %v", testPath, err)
		}

		start := time.Now()
		err := t.fn(testPath, keys, values)
		elapsed := time.Since(start)

		if err != nil {
			fmt.Printf("   ❌ FAILED: %v (%v)\n", err, elapsed)
			failed++
		} else {
			fmt.Printf("   ✅ PASSED (%v)\n", elapsed)
			passed++
		}
	}

	if *verbose {
		printMetrics()
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Results: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		fmt.Println("❌ SMOKE TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("✅ SMOKE TEST PASSED")

	if *keepDB {
		fmt.Printf("\n📁 Snapshots kept at: %s\n", testDir)
	}
}

func logf(format string, args ...any) {
	if *verbose {
		fmt.Printf("   "+format+"\n", args...)
	}
}

// session is one engine run with one open database.
type session struct {
	engine *memengine.Engine
	db     *fdb.Database
}

var metrics = fdb.NewMetrics(registry)

func openSession(dir string) (*session, error) {
	logger := logging.Discard
	if *verbose {
		logger = logging.NewDefaultLogger(logging.LevelWarn)
	}

	e := memengine.New(memengine.Options{
		Latency:      *latency,
		SnapshotPath: filepath.Join(dir, "snapshot.db"),
		NoSync:       true,
		Logger:       logger,
	})
	if err := e.StartNetwork(); err != nil {
		return nil, fmt.Errorf("start network: %w", err)
	}

	opts := fdb.DefaultOptions()
	if *optionsPath != "" {
		parsed, err := fdb.ReadOptionsFile(nil, *optionsPath)
		if err != nil {
			_ = e.StopNetwork()
			return nil, err
		}
		opts = parsed.Options
	}
	opts.Logger = logger
	opts.Metrics = metrics

	db, err := fdb.Open(e, opts)
	if err != nil {
		_ = e.StopNetwork()
		return nil, fmt.Errorf("open: %w", err)
	}
	return &session{engine: e, db: db}, nil
}

func (s *session) close() error {
	return errors.Join(s.db.Close(), s.engine.StopNetwork())
}

func generateTestData(n int, valueSize int) ([][]byte, [][]byte) {
	keys := make([][]byte, n)
	values := make([][]byte, n)

	for i := range n {
		keys[i] = fmt.Appendf(nil, "key%08d", i)
		values[i] = make([]byte, valueSize)
		_, _ = rand.Read(values[i])
		// Embed key index in value for verification
		copy(values[i], fmt.Sprintf("idx=%08d|", i))
	}

	return keys, values
}

func pairs(keys, values [][]byte) func(yield func(fdb.KeyValue) bool) {
	return func(yield func(fdb.KeyValue) bool) {
		for i := range keys {
			if !yield(fdb.KeyValue{Key: keys[i], Value: values[i]}) {
				return
			}
		}
	}
}

func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			result = append(result, byte(c))
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}

func verifyAll(ctx context.Context, db *fdb.Database, keys, values [][]byte) error {
	got, err := fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([][]byte, error) {
		return rt.GetValues(keys).Get()
	})
	if err != nil {
		return err
	}
	for i := range keys {
		if !bytes.Equal(got[i], values[i]) {
			return fmt.Errorf("key %s: value mismatch", keys[i])
		}
	}
	return nil
}

func testBasicWriteRead(dir string, keys, values [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()

	n, err := fdb.BulkInsert(ctx, s.db, pairs(keys, values), nil)
	if err != nil {
		return fmt.Errorf("bulk insert: %w", err)
	}
	logf("inserted %d keys", n)
	if err := verifyAll(ctx, s.db, keys, values); err != nil {
		return err
	}

	if err := fdb.Write(ctx, s.db, func(tx *fdb.Transaction) error {
		return tx.Clear(keys[0])
	}); err != nil {
		return err
	}
	v, err := fdb.Read(ctx, s.db, func(rt fdb.ReadTransaction) ([]byte, error) {
		return rt.Get(keys[0]).Get()
	})
	if err != nil {
		return err
	}
	if v != nil {
		return fmt.Errorf("cleared key still present")
	}
	return nil
}

func testPersistence(dir string, keys, values [][]byte) error {
	ctx := context.Background()
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	if _, err := fdb.BulkInsert(ctx, s.db, pairs(keys, values), nil); err != nil {
		_ = s.close()
		return err
	}
	if err := s.close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	logf("session 1 wrote %d keys", len(keys))

	s, err = openSession(dir)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer s.close()
	if err := verifyAll(ctx, s.db, keys, values); err != nil {
		return err
	}
	logf("session 2 verified %d keys", len(keys))
	return nil
}

func testRangeReads(dir string, keys, values [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()
	if _, err := fdb.BulkInsert(ctx, s.db, pairs(keys, values), nil); err != nil {
		return err
	}

	return fdb.Write(ctx, s.db, func(tx *fdb.Transaction) error {
		begin, end := fdb.KeyRange{Begin: []byte("key"), End: []byte("kez")}.Selectors()
		it := tx.GetRangeIterator(begin, end, fdb.RangeOptions{Mode: fdb.StreamingModeIterator})
		i := 0
		for it.Advance() {
			kv := it.MustGet()
			if !bytes.Equal(kv.Key, keys[i]) {
				return fmt.Errorf("iterator at %d: got %s want %s", i, kv.Key, keys[i])
			}
			i++
		}
		if err := it.Err(); err != nil {
			return err
		}
		if i != len(keys) {
			return fmt.Errorf("iterator returned %d keys, want %d", i, len(keys))
		}

		last, err := tx.GetRangeAll(begin, end, fdb.RangeOptions{Limit: 1, Reverse: true}).Get()
		if err != nil {
			return err
		}
		if len(last) != 1 || !bytes.Equal(last[0].Key, keys[len(keys)-1]) {
			return fmt.Errorf("reverse read did not return the last key")
		}
		return nil
	})
}

func testConflict(dir string, _, _ [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()
	key := []byte("counter")

	t1, err := s.db.CreateTransaction(ctx, fdb.ModeReadWrite)
	if err != nil {
		return err
	}
	defer t1.Dispose()
	t2, err := s.db.CreateTransaction(ctx, fdb.ModeReadWrite)
	if err != nil {
		return err
	}
	defer t2.Dispose()

	for _, tx := range []*fdb.Transaction{t1, t2} {
		if _, err := tx.Get(key).Get(); err != nil {
			return err
		}
		if err := tx.Set(key, []byte("x")); err != nil {
			return err
		}
	}
	if _, err := t1.Commit().Get(); err != nil {
		return fmt.Errorf("first commit: %w", err)
	}
	_, err = t2.Commit().Get()
	var fe *fdb.Error
	if !errors.As(err, &fe) || fe.Code != native.NotCommitted {
		return fmt.Errorf("second commit: got %v, want not_committed", err)
	}
	logf("second commit failed with %v", err)
	if _, err := t2.OnError(err).Get(); err != nil {
		return fmt.Errorf("on error: %w", err)
	}
	if t2.State() != fdb.StateReady {
		return fmt.Errorf("state after retry: %s", t2.State())
	}
	return nil
}

func testDirectories(dir string, _, _ [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()
	dl := directory.OpenRoot(s.db)

	data, err := dl.CreateOrOpenDB(ctx, s.db, []string{"app", "data"}, "")
	if err != nil {
		return err
	}
	if err := fdb.Write(ctx, s.db, func(tx *fdb.Transaction) error {
		return tx.Set(data.Pack(tuple.Tuple{"x"}), []byte("1"))
	}); err != nil {
		return err
	}
	moved, err := dl.MoveDB(ctx, s.db, []string{"app", "data"}, []string{"app", "archive"})
	if err != nil {
		return err
	}
	if _, err := dl.OpenDB(ctx, s.db, []string{"app", "data"}, ""); !errors.Is(err, directory.ErrDirectoryNotFound) {
		return fmt.Errorf("open moved path: got %v", err)
	}
	v, err := fdb.Read(ctx, s.db, func(rt fdb.ReadTransaction) ([]byte, error) {
		return rt.Get(moved.Pack(tuple.Tuple{"x"})).Get()
	})
	if err != nil {
		return err
	}
	if string(v) != "1" {
		return fmt.Errorf("read after move: %q", v)
	}

	names, err := dl.ListDB(ctx, s.db, []string{"app"})
	if err != nil {
		return err
	}
	if !slices.Equal(names, []string{"archive"}) {
		return fmt.Errorf("list: %v", names)
	}
	ok, err := dl.RemoveDB(ctx, s.db, []string{"app"})
	if err != nil || !ok {
		return fmt.Errorf("remove: %v %v", ok, err)
	}
	logf("directory tree created, moved and removed")
	return nil
}

func testPartition(dir string, _, _ [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()

	part, err := directory.OpenNamedPartition(ctx, s.db, []string{"tenant-a"})
	if err != nil {
		return err
	}
	logf("partition at %q", part.Space.Bytes())
	users, err := part.Root.CreateOrOpenDB(ctx, s.db, []string{"users"}, "")
	if err != nil {
		return err
	}
	if !part.Space.Contains(users.Bytes()) {
		return fmt.Errorf("directory %s outside partition", users)
	}
	err = fdb.Write(ctx, s.db, func(tx *fdb.Transaction) error {
		return tx.Set([]byte("outside"), []byte("x"))
	})
	var fe *fdb.Error
	if !errors.As(err, &fe) || fe.Code != native.KeyOutsideLegalRange {
		return fmt.Errorf("write outside partition: got %v", err)
	}
	return nil
}

type profile struct {
	Name  string
	Score int64
}

func testTable(dir string, _, _ [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()

	profiles := table.NewTyped[string, profile](table.New(subspace.FromBytes([]byte("profiles/")), table.ZstdCompression))
	want := profile{Name: "ada", Score: 42}
	if err := profiles.SetDB(ctx, s.db, "ada", want); err != nil {
		return err
	}
	got, ok, err := profiles.GetDB(ctx, s.db, "ada")
	if err != nil {
		return err
	}
	if !ok || got != want {
		return fmt.Errorf("got %+v, want %+v", got, want)
	}
	return nil
}

func testQueue(dir string, _, _ [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()

	q := queue.New(subspace.FromBytes([]byte("jobs/")), true)
	for i := range 10 {
		if err := q.PushDB(ctx, s.db, fmt.Appendf(nil, "job%d", i)); err != nil {
			return err
		}
	}
	for i := range 10 {
		v, err := q.Pop(ctx, s.db)
		if err != nil {
			return err
		}
		if want := fmt.Sprintf("job%d", i); string(v) != want {
			return fmt.Errorf("pop %d: got %q want %q", i, v, want)
		}
	}
	return nil
}

func testTransform(dir string, keys, values [][]byte) error {
	s, err := openSession(dir)
	if err != nil {
		return err
	}
	defer s.close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := fdb.BulkInsert(ctx, s.db, pairs(keys, values), nil); err != nil {
		return err
	}

	tx, err := s.db.CreateTransaction(ctx, fdb.ModeReadOnly)
	if err != nil {
		return err
	}
	defer tx.Dispose()

	begin, end := fdb.KeyRange{Begin: []byte("key"), End: []byte("kez")}.Selectors()
	q := fdb.TransformRange(tx, begin, end, fdb.RangeOptions{}, 16,
		func(ctx context.Context, kv fdb.KeyValue) (int, error) {
			var idx int
			_, err := fmt.Sscanf(string(kv.Value[:13]), "idx=%08d|", &idx)
			return idx, err
		})

	for want := 0; ; want++ {
		r, err := q.Receive(ctx)
		if err != nil {
			return err
		}
		if r.End {
			if want != len(keys) {
				return fmt.Errorf("received %d results, want %d", want, len(keys))
			}
			return nil
		}
		if r.Err != nil {
			return r.Err
		}
		if r.Value != want {
			return fmt.Errorf("result %d out of order: %d", want, r.Value)
		}
	}
}

func testOptionsFile(dir string, _, _ [][]byte) error {
	path := filepath.Join(dir, "OPTIONS")
	opts := fdb.DefaultOptions()
	opts.Name = "smoke"
	opts.Transaction.RetryLimit = 5
	if err := fdb.WriteOptionsFile(nil, path, opts); err != nil {
		return err
	}
	parsed, err := fdb.ReadOptionsFile(nil, path)
	if err != nil {
		return err
	}
	if parsed.Options.Name != "smoke" || parsed.Options.Transaction.RetryLimit != 5 {
		return fmt.Errorf("parsed options differ: %+v", parsed.Options)
	}
	return nil
}

func printMetrics() {
	families, err := registry.Gather()
	if err != nil {
		fmt.Printf("Warning: gather metrics: %v\n", err)
		return
	}
	fmt.Println("\n📊 Metrics")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("   %s %v\n", mf.GetName(), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("   %s %v\n", mf.GetName(), m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				fmt.Printf("   %s count=%d\n", mf.GetName(), m.GetHistogram().GetSampleCount())
			}
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Printf("FATAL: "+format+"\n", args...)
	os.Exit(1)
}
