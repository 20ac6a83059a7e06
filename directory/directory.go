// Package directory maps logical paths to short allocated key prefixes.
//
// A Layer stores a tree of nodes as ordinary keys under its node subspace.
// Each node records its children under node/SUBDIRS/<name> and an optional
// layer id under node/"layer". Prefixes for new directories come from a
// high contention allocator and are placed in the content subspace.
//
// Structural failures (missing path, existing path, layer mismatch, prefix
// collisions) are returned as the sentinel errors of this package and are
// never retried by fdb.ReadWrite.
package directory

import (
	"bytes"
	"slices"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/subspace"
	"github.com/aalhour/fdb/tuple"
)

const subdirs int64 = 0

var (
	// DefaultNodePrefix is where the default layer keeps its metadata.
	DefaultNodePrefix = []byte{0xfe}

	layerKey = []byte("layer")
	hcaKey   = []byte("hca")
)

// Layer is a directory tree stored under a node subspace.
type Layer struct {
	nodeSS    subspace.Subspace
	contentSS subspace.Subspace
	root      subspace.Subspace
	alloc     *allocator
	logger    logging.Logger
}

// New returns a layer with metadata under node and allocated prefixes under
// content.
func New(node, content subspace.Subspace) *Layer {
	return &Layer{
		nodeSS:    node,
		contentSS: content,
		root:      node.Partition(node.Bytes()),
		alloc:     newAllocator(node.Partition(hcaKey)),
		logger:    logging.Discard,
	}
}

// Default returns the layer rooted at the top of the keyspace: metadata
// under 0xfe, contents anywhere else.
func Default() *Layer {
	return New(subspace.FromBytes(DefaultNodePrefix), subspace.Subspace{})
}

// FromSubspace returns a layer whose metadata and contents all live in s.
func FromSubspace(s subspace.Subspace) *Layer {
	return New(subspace.FromBytes(s.Key(DefaultNodePrefix)), s)
}

// SetLogger sets the logger used for debug output and returns l.
func (l *Layer) SetLogger(logger logging.Logger) *Layer {
	l.logger = logging.OrDefault(logger)
	return l
}

// NodeSubspace returns the metadata subspace.
func (l *Layer) NodeSubspace() subspace.Subspace { return l.nodeSS }

// ContentSubspace returns the subspace allocated prefixes are placed in.
func (l *Layer) ContentSubspace() subspace.Subspace { return l.contentSS }

func checkPath(path []string) error {
	for _, name := range path {
		if name == "" || !utf8.ValidString(name) {
			return errors.Wrapf(ErrInvalidPath, "segment %q", name)
		}
	}
	return nil
}

func (l *Layer) nodeWithPrefix(prefix []byte) subspace.Subspace {
	return l.nodeSS.Partition(prefix)
}

func childKey(node subspace.Subspace, name string) []byte {
	return node.Pack(tuple.Tuple{subdirs, name})
}

// prefixOf returns the content prefix a node was created for.
func (l *Layer) prefixOf(node subspace.Subspace) ([]byte, error) {
	t, err := l.nodeSS.Unpack(node.Bytes())
	if err != nil {
		return nil, err
	}
	if len(t) != 1 {
		return nil, errors.Errorf("directory: malformed node %s", t)
	}
	p, ok := t[0].([]byte)
	if !ok {
		return nil, errors.Errorf("directory: malformed node %s", t)
	}
	return p, nil
}

func (l *Layer) contentsOfNode(node subspace.Subspace, path []string, layer string) (*DirectorySubspace, error) {
	prefix, err := l.prefixOf(node)
	if err != nil {
		return nil, err
	}
	return &DirectorySubspace{
		Subspace: subspace.FromBytes(prefix),
		path:     slices.Clone(path),
		layer:    layer,
		dl:       l,
	}, nil
}

// find walks path from the root. found is false when a segment is missing.
func (l *Layer) find(rt fdb.ReadTransaction, path []string) (node subspace.Subspace, found bool, err error) {
	node = l.root
	for _, name := range path {
		v, err := rt.Get(childKey(node, name)).Get()
		if err != nil {
			return subspace.Subspace{}, false, err
		}
		if v == nil {
			return subspace.Subspace{}, false, nil
		}
		node = l.nodeWithPrefix(v)
	}
	return node, true, nil
}

func (l *Layer) layerOf(rt fdb.ReadTransaction, node subspace.Subspace) (string, error) {
	v, err := rt.Get(node.Pack(tuple.Tuple{layerKey})).Get()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// nodeContainingKey returns the node whose prefix is a prefix of key.
func (l *Layer) nodeContainingKey(rt fdb.ReadTransaction, key []byte) (subspace.Subspace, bool, error) {
	if l.nodeSS.Contains(key) {
		return l.root, true, nil
	}
	begin, _ := l.nodeSS.Range()
	end := append(l.nodeSS.Pack(tuple.Tuple{key}), 0x00)
	kvs, err := rt.GetRangeAll(fdb.FirstGreaterOrEqual(begin), fdb.FirstGreaterOrEqual(end),
		fdb.RangeOptions{Limit: 1, Reverse: true}).Get()
	if err != nil || len(kvs) == 0 {
		return subspace.Subspace{}, false, err
	}
	t, err := l.nodeSS.Unpack(kvs[0].Key)
	if err != nil {
		return subspace.Subspace{}, false, err
	}
	if prev, ok := t[0].([]byte); ok && bytes.HasPrefix(key, prev) {
		return l.nodeWithPrefix(prev), true, nil
	}
	return subspace.Subspace{}, false, nil
}

// isPrefixFree reports whether prefix neither lies inside nor contains an
// allocated prefix.
func (l *Layer) isPrefixFree(rt fdb.ReadTransaction, prefix []byte) (bool, error) {
	if len(prefix) == 0 {
		return false, nil
	}
	_, found, err := l.nodeContainingKey(rt, prefix)
	if err != nil || found {
		return false, err
	}
	next, err := tuple.Strinc(prefix)
	if err != nil {
		return false, err
	}
	begin := l.nodeSS.Pack(tuple.Tuple{prefix})
	end := l.nodeSS.Pack(tuple.Tuple{next})
	kvs, err := rt.GetRangeAll(fdb.FirstGreaterOrEqual(begin), fdb.FirstGreaterOrEqual(end),
		fdb.RangeOptions{Limit: 1}).Get()
	if err != nil {
		return false, err
	}
	return len(kvs) == 0, nil
}

// CreateOrOpen opens the directory at path, creating it and any missing
// parents if needed. A non-empty layer must match the stored layer of an
// existing directory and is recorded on a new one.
func (l *Layer) CreateOrOpen(tx *fdb.Transaction, path []string, layer string) (*DirectorySubspace, error) {
	return l.createOrOpen(tx, tx, path, layer, nil, true, true)
}

// Create creates the directory at path and fails with ErrDirectoryExists if
// it is already there. A non-nil prefix is used instead of allocating one.
func (l *Layer) Create(tx *fdb.Transaction, path []string, layer string, prefix []byte) (*DirectorySubspace, error) {
	return l.createOrOpen(tx, tx, path, layer, prefix, true, false)
}

// Open opens an existing directory.
func (l *Layer) Open(rt fdb.ReadTransaction, path []string, layer string) (*DirectorySubspace, error) {
	return l.createOrOpen(rt, nil, path, layer, nil, false, true)
}

func (l *Layer) createOrOpen(rt fdb.ReadTransaction, tx *fdb.Transaction, path []string, layer string, prefix []byte, allowCreate, allowOpen bool) (*DirectorySubspace, error) {
	if len(path) == 0 {
		return nil, ErrRootDirectory
	}
	if err := checkPath(path); err != nil {
		return nil, err
	}

	node, found, err := l.find(rt, path)
	if err != nil {
		return nil, err
	}
	if found {
		if !allowOpen {
			return nil, errors.Wrapf(ErrDirectoryExists, "%v", path)
		}
		existing, err := l.layerOf(rt, node)
		if err != nil {
			return nil, err
		}
		if layer != "" && layer != existing {
			return nil, errors.Wrapf(ErrIncompatibleLayer, "%v has layer %q, not %q", path, existing, layer)
		}
		return l.contentsOfNode(node, path, existing)
	}
	if !allowCreate || tx == nil {
		return nil, errors.Wrapf(ErrDirectoryNotFound, "%v", path)
	}

	if prefix == nil {
		id, err := l.alloc.allocate(tx)
		if err != nil {
			return nil, err
		}
		prefix = l.contentSS.Pack(tuple.Tuple{id})

		begin, end := fdb.FullPrefixRange(subspace.FromBytes(prefix)).Selectors()
		kvs, err := tx.Snapshot().GetRangeAll(begin, end, fdb.RangeOptions{Limit: 1}).Get()
		if err != nil {
			return nil, err
		}
		if len(kvs) > 0 {
			return nil, errors.Wrapf(ErrPrefixInUse, "allocated prefix %q already holds keys", prefix)
		}
		free, err := l.isPrefixFree(tx.Snapshot(), prefix)
		if err != nil {
			return nil, err
		}
		if !free {
			return nil, errors.Wrapf(ErrPrefixInUse, "allocated prefix %q overlaps a manual prefix", prefix)
		}
	} else {
		free, err := l.isPrefixFree(tx, prefix)
		if err != nil {
			return nil, err
		}
		if !free {
			return nil, errors.Wrapf(ErrPrefixInUse, "%q", prefix)
		}
	}

	parent := l.root
	if len(path) > 1 {
		p, err := l.createOrOpen(tx, tx, path[:len(path)-1], "", nil, true, true)
		if err != nil {
			return nil, err
		}
		parent = l.nodeWithPrefix(p.Bytes())
	}

	node = l.nodeWithPrefix(prefix)
	if err := tx.Set(childKey(parent, path[len(path)-1]), prefix); err != nil {
		return nil, err
	}
	// The layer key is written even when empty so every node owns at least
	// one key under the node subspace, which isPrefixFree relies on.
	if err := tx.Set(node.Pack(tuple.Tuple{layerKey}), []byte(layer)); err != nil {
		return nil, err
	}
	l.logger.Debugf(logging.NSDir+"created %v at prefix %q layer %q", path, prefix, layer)
	return l.contentsOfNode(node, path, layer)
}

// Exists reports whether path resolves. The root always exists.
func (l *Layer) Exists(rt fdb.ReadTransaction, path []string) (bool, error) {
	if err := checkPath(path); err != nil {
		return false, err
	}
	_, found, err := l.find(rt, path)
	return found, err
}

// List returns the names of the children of path in key order. The empty
// path lists the top level.
func (l *Layer) List(rt fdb.ReadTransaction, path []string) ([]string, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	node, found, err := l.find(rt, path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrDirectoryNotFound, "%v", path)
	}
	children := node.Sub(subdirs)
	begin, end := fdb.PrefixRange(children).Selectors()
	kvs, err := rt.GetRangeAll(begin, end, fdb.RangeOptions{}).Get()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		t, err := children.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		name, ok := t[0].(string)
		if !ok {
			return nil, errors.Errorf("directory: malformed child entry %s", t)
		}
		names = append(names, name)
	}
	return names, nil
}

// Move renames oldPath to newPath. Only the parent entries change; the
// directory keeps its prefix and contents.
func (l *Layer) Move(tx *fdb.Transaction, oldPath, newPath []string) (*DirectorySubspace, error) {
	if len(oldPath) == 0 || len(newPath) == 0 {
		return nil, ErrRootDirectory
	}
	if err := checkPath(oldPath); err != nil {
		return nil, err
	}
	if err := checkPath(newPath); err != nil {
		return nil, err
	}
	if len(newPath) >= len(oldPath) && slices.Equal(newPath[:len(oldPath)], oldPath) {
		return nil, errors.Wrapf(ErrMoveIntoDescendant, "%v into %v", oldPath, newPath)
	}

	_, found, err := l.find(tx, newPath)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, errors.Wrapf(ErrDirectoryExists, "%v", newPath)
	}
	oldNode, found, err := l.find(tx, oldPath)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrDirectoryNotFound, "%v", oldPath)
	}
	parent, found, err := l.find(tx, newPath[:len(newPath)-1])
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrParentNotFound, "%v", newPath)
	}

	prefix, err := l.prefixOf(oldNode)
	if err != nil {
		return nil, err
	}
	if err := tx.Set(childKey(parent, newPath[len(newPath)-1]), prefix); err != nil {
		return nil, err
	}
	if err := l.removeFromParent(tx, oldPath); err != nil {
		return nil, err
	}
	layer, err := l.layerOf(tx, oldNode)
	if err != nil {
		return nil, err
	}
	l.logger.Debugf(logging.NSDir+"moved %v to %v", oldPath, newPath)
	return l.contentsOfNode(oldNode, newPath, layer)
}

// Remove deletes path, its descendants and all of their contents. It
// returns false if path does not exist.
func (l *Layer) Remove(tx *fdb.Transaction, path []string) (bool, error) {
	if len(path) == 0 {
		return false, ErrRootDirectory
	}
	if err := checkPath(path); err != nil {
		return false, err
	}
	node, found, err := l.find(tx, path)
	if err != nil || !found {
		return false, err
	}
	if err := l.removeRecursive(tx, node); err != nil {
		return false, err
	}
	if err := l.removeFromParent(tx, path); err != nil {
		return false, err
	}
	l.logger.Debugf(logging.NSDir+"removed %v", path)
	return true, nil
}

// removeRecursive clears node, its children and their contents one child
// at a time.
func (l *Layer) removeRecursive(tx *fdb.Transaction, node subspace.Subspace) error {
	begin, end := fdb.PrefixRange(node.Sub(subdirs)).Selectors()
	kvs, err := tx.GetRangeAll(begin, end, fdb.RangeOptions{}).Get()
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := l.removeRecursive(tx, l.nodeWithPrefix(kv.Value)); err != nil {
			return err
		}
	}

	prefix, err := l.prefixOf(node)
	if err != nil {
		return err
	}
	if err := tx.ClearKeyRange(fdb.FullPrefixRange(subspace.FromBytes(prefix))); err != nil {
		return err
	}
	return tx.ClearKeyRange(fdb.FullPrefixRange(node))
}

func (l *Layer) removeFromParent(tx *fdb.Transaction, path []string) error {
	parent, found, err := l.find(tx, path[:len(path)-1])
	if err != nil || !found {
		return err
	}
	return tx.Clear(childKey(parent, path[len(path)-1]))
}
