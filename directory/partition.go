package directory

import (
	"context"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/subspace"
)

// PartitionLayer is the layer id of named partitions.
const PartitionLayer = "partition"

// Partition is a database confined to the prefix of a partition
// directory, with its own directory layer inside that prefix.
type Partition struct {
	DB    *fdb.Database
	Root  *Layer
	Space *DirectorySubspace

	outer subspace.Subspace
}

// OpenRoot returns the directory layer for the database's global space.
func OpenRoot(db *fdb.Database) *Layer {
	return FromSubspace(db.GlobalSpace()).SetLogger(db.Logger())
}

// OpenNamedPartition creates or opens the partition at path in the root
// layer of db and moves db's global space into it.
//
// The change applies to db itself, not to a copy: every holder of db is
// confined to the partition from then on, and keys outside it are
// rejected. Open the partition on a Database dedicated to it, or call
// Leave to restore the previous global space.
func OpenNamedPartition(ctx context.Context, db *fdb.Database, path []string) (*Partition, error) {
	outer := db.GlobalSpace()
	parent := OpenRoot(db)
	d, err := parent.CreateOrOpenDB(ctx, db, path, PartitionLayer)
	if err != nil {
		return nil, err
	}
	db.ChangeGlobalSpace(d.Subspace)
	db.Logger().Infof(logging.NSDir+"opened partition %v at %q", path, d.Bytes())
	return &Partition{
		DB:    db,
		Root:  FromSubspace(d.Subspace).SetLogger(db.Logger()),
		Space: d,
		outer: outer,
	}, nil
}

// Leave restores the global space db had before the partition was opened.
// The partition's directories and data are kept.
func (p *Partition) Leave() {
	p.DB.ChangeGlobalSpace(p.outer)
	p.DB.Logger().Infof(logging.NSDir+"left partition at %q", p.Space.Bytes())
}
