package fdb_test

import (
	"context"
	"fmt"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/internal/memengine"
)

func ExampleReadWrite() {
	engine := memengine.New(memengine.DefaultOptions())
	if err := engine.StartNetwork(); err != nil {
		panic(err)
	}
	defer func() { _ = engine.StopNetwork() }()

	opts := fdb.DefaultOptions()
	opts.Logger = logging.Discard
	db, err := fdb.Open(engine, opts)
	if err != nil {
		panic(err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	_, err = fdb.ReadWrite(ctx, db, func(tx *fdb.Transaction) (struct{}, error) {
		return struct{}{}, tx.Set([]byte("k"), []byte("v"))
	})
	if err != nil {
		panic(err)
	}

	val, err := fdb.Read(ctx, db, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get([]byte("k")).Get()
	})
	if err != nil {
		panic(err)
	}

	fmt.Println(string(val))
	// Output:
	// v
}
