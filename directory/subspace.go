package directory

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/subspace"
)

// DirectorySubspace is the prefix allocated to a directory together with
// the path it was opened at. Its methods take paths relative to it.
type DirectorySubspace struct {
	subspace.Subspace
	path  []string
	layer string
	dl    *Layer
}

// Path returns the absolute path the directory was opened at.
func (d *DirectorySubspace) Path() []string { return slices.Clone(d.path) }

// Layer returns the layer id recorded for the directory.
func (d *DirectorySubspace) Layer() string { return d.layer }

// DirectoryLayer returns the layer that owns the directory.
func (d *DirectorySubspace) DirectoryLayer() *Layer { return d.dl }

// CheckLayer fails with ErrIncompatibleLayer if layer is set and differs
// from the directory's layer.
func (d *DirectorySubspace) CheckLayer(layer string) error {
	if layer != "" && layer != d.layer {
		return errors.Wrapf(ErrIncompatibleLayer, "%v has layer %q, not %q", d.path, d.layer, layer)
	}
	return nil
}

func (d *DirectorySubspace) join(sub []string) []string {
	out := make([]string, 0, len(d.path)+len(sub))
	return append(append(out, d.path...), sub...)
}

// CreateOrOpen opens or creates the subdirectory sub.
func (d *DirectorySubspace) CreateOrOpen(tx *fdb.Transaction, sub []string, layer string) (*DirectorySubspace, error) {
	return d.dl.CreateOrOpen(tx, d.join(sub), layer)
}

// Create creates the subdirectory sub.
func (d *DirectorySubspace) Create(tx *fdb.Transaction, sub []string, layer string, prefix []byte) (*DirectorySubspace, error) {
	return d.dl.Create(tx, d.join(sub), layer, prefix)
}

// Open opens the subdirectory sub.
func (d *DirectorySubspace) Open(rt fdb.ReadTransaction, sub []string, layer string) (*DirectorySubspace, error) {
	return d.dl.Open(rt, d.join(sub), layer)
}

// Move renames the subdirectory oldSub to newSub.
func (d *DirectorySubspace) Move(tx *fdb.Transaction, oldSub, newSub []string) (*DirectorySubspace, error) {
	return d.dl.Move(tx, d.join(oldSub), d.join(newSub))
}

// MoveTo moves this directory to the absolute path newPath.
func (d *DirectorySubspace) MoveTo(tx *fdb.Transaction, newPath []string) (*DirectorySubspace, error) {
	return d.dl.Move(tx, d.path, newPath)
}

// Remove removes the subdirectory sub, or the directory itself when sub
// is empty.
func (d *DirectorySubspace) Remove(tx *fdb.Transaction, sub []string) (bool, error) {
	return d.dl.Remove(tx, d.join(sub))
}

// Exists reports whether the subdirectory sub exists.
func (d *DirectorySubspace) Exists(rt fdb.ReadTransaction, sub []string) (bool, error) {
	return d.dl.Exists(rt, d.join(sub))
}

// List returns the children of the subdirectory sub.
func (d *DirectorySubspace) List(rt fdb.ReadTransaction, sub []string) ([]string, error) {
	return d.dl.List(rt, d.join(sub))
}

func (d *DirectorySubspace) String() string {
	return fmt.Sprintf("DirectorySubspace(/%s, %q)", strings.Join(d.path, "/"), d.Bytes())
}
