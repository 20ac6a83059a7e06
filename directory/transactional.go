package directory

import (
	"context"

	"github.com/aalhour/fdb"
)

// CreateOrOpenDB runs CreateOrOpen in its own retried transaction.
func (l *Layer) CreateOrOpenDB(ctx context.Context, db *fdb.Database, path []string, layer string) (*DirectorySubspace, error) {
	return fdb.ReadWrite(ctx, db, func(tx *fdb.Transaction) (*DirectorySubspace, error) {
		return l.CreateOrOpen(tx, path, layer)
	})
}

// CreateDB runs Create in its own retried transaction.
func (l *Layer) CreateDB(ctx context.Context, db *fdb.Database, path []string, layer string, prefix []byte) (*DirectorySubspace, error) {
	return fdb.ReadWrite(ctx, db, func(tx *fdb.Transaction) (*DirectorySubspace, error) {
		return l.Create(tx, path, layer, prefix)
	})
}

// OpenDB runs Open in a read-only transaction.
func (l *Layer) OpenDB(ctx context.Context, db *fdb.Database, path []string, layer string) (*DirectorySubspace, error) {
	return fdb.Read(ctx, db, func(rt fdb.ReadTransaction) (*DirectorySubspace, error) {
		return l.Open(rt, path, layer)
	})
}

// MoveDB runs Move in its own retried transaction.
func (l *Layer) MoveDB(ctx context.Context, db *fdb.Database, oldPath, newPath []string) (*DirectorySubspace, error) {
	return fdb.ReadWrite(ctx, db, func(tx *fdb.Transaction) (*DirectorySubspace, error) {
		return l.Move(tx, oldPath, newPath)
	})
}

// RemoveDB runs Remove in its own retried transaction.
func (l *Layer) RemoveDB(ctx context.Context, db *fdb.Database, path []string) (bool, error) {
	return fdb.ReadWrite(ctx, db, func(tx *fdb.Transaction) (bool, error) {
		return l.Remove(tx, path)
	})
}

// ListDB runs List in a read-only transaction.
func (l *Layer) ListDB(ctx context.Context, db *fdb.Database, path []string) ([]string, error) {
	return fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]string, error) {
		return l.List(rt, path)
	})
}

// ExistsDB runs Exists in a read-only transaction.
func (l *Layer) ExistsDB(ctx context.Context, db *fdb.Database, path []string) (bool, error) {
	return fdb.Read(ctx, db, func(rt fdb.ReadTransaction) (bool, error) {
		return l.Exists(rt, path)
	})
}
