package memengine

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/fdb/internal/batch"
	"github.com/aalhour/fdb/internal/dbformat"
	"github.com/aalhour/fdb/internal/encoding"
)

var metaBucket = []byte("meta")

func dataBucket(name string) []byte {
	return []byte("data/" + name)
}

func versionKey(name string) []byte {
	return []byte("version/" + name)
}

// bbolt rejects empty keys, so stored keys carry a one-byte tag.
const keyTag = 'k'

func boltKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, keyTag)
	return append(out, key...)
}

// snapshotFile keeps the latest committed state of every database in a
// bbolt file. Each commit batch is applied in one bbolt transaction.
type snapshotFile struct {
	db *bolt.DB
}

func openSnapshotFile(path string, noSync bool) (*snapshotFile, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("memengine: open snapshot %s: %w", path, err)
	}
	db.NoSync = noSync
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memengine: init snapshot: %w", err)
	}
	return &snapshotFile{db: db}, nil
}

// load fills st with the persisted state of database name.
func (s *snapshotFile) load(name string, st *store) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket(name))
		if b == nil {
			return nil
		}
		raw := tx.Bucket(metaBucket).Get(versionKey(name))
		if len(raw) != 8 {
			return fmt.Errorf("memengine: snapshot of %q has no version", name)
		}
		version := encoding.DecodeFixed64(raw)
		err := b.ForEach(func(k, v []byte) error {
			st.mem.Add(dbformat.Version(version), dbformat.TypeValue, bytes.Clone(k[1:]), bytes.Clone(v))
			return nil
		})
		if err != nil {
			return err
		}
		st.version.Store(version)
		return nil
	})
}

// apply writes one commit batch.
func (s *snapshotFile) apply(name string, wb *batch.WriteBatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(dataBucket(name))
		if err != nil {
			return err
		}
		if err := wb.Iterate(boltWriter{b}); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(versionKey(name), encoding.AppendFixed64(nil, wb.Version()))
	})
}

func (s *snapshotFile) close() error {
	return s.db.Close()
}

type boltWriter struct {
	b *bolt.Bucket
}

func (w boltWriter) Put(key, value []byte) error {
	return w.b.Put(boltKey(key), bytes.Clone(value))
}

func (w boltWriter) Delete(key []byte) error {
	return w.b.Delete(boltKey(key))
}
