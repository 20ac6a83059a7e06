package fdb

// bulk.go implements chunked bulk inserts.

import (
	"context"
	"iter"
)

const (
	bulkMaxCount = 1000
	bulkMaxBytes = 10_000
)

// BulkInsert writes every pair of data using as many transactions as
// needed. Pairs are grouped into chunks of at most about 1000 rows or 10KB
// and each chunk is committed with Write. progress, if not nil, is called
// with 0 first and then with the running total after each chunk.
//
// Chunks already committed stay committed when a later one fails.
func BulkInsert(ctx context.Context, db *Database, data iter.Seq[KeyValue], progress func(inserted int64)) (int64, error) {
	if progress != nil {
		progress(0)
	}
	next, stop := iter.Pull(data)
	defer stop()

	var total int64
	chunk := make([]KeyValue, 0, bulkMaxCount)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		chunk = chunk[:0]
		size := 0
		for {
			kv, ok := next()
			if !ok {
				break
			}
			chunk = append(chunk, kv)
			size += len(kv.Key) + len(kv.Value)
			if len(chunk) >= bulkMaxCount || size >= bulkMaxBytes {
				break
			}
		}
		if len(chunk) == 0 {
			return total, nil
		}

		err := Write(ctx, db, func(tx *Transaction) error {
			for _, kv := range chunk {
				if err := tx.Set(kv.Key, kv.Value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += int64(len(chunk))
		if progress != nil {
			progress(total)
		}
	}
}
