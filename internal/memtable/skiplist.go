// Package memtable implements the versioned in-memory store of the
// in-process engine.
//
// The SkipList gives lock-free reads; writes require external
// synchronization. Nodes are never removed.
package memtable

import (
	"bytes"
	"math/rand"
	"sync/atomic"
)

const (
	// DefaultMaxHeight is the default maximum height for skip list nodes.
	DefaultMaxHeight = 12

	// DefaultBranchingFactor is the default branching factor.
	// On average, 1/branchingFactor nodes will be promoted to next level.
	DefaultBranchingFactor = 4
)

// Comparator compares two keys and returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
type Comparator func(a, b []byte) int

// BytewiseComparator is the default comparator using bytes.Compare.
func BytewiseComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

type skipNode struct {
	key  []byte
	next []atomic.Pointer[skipNode]
}

func newSkipNode(key []byte, height int) *skipNode {
	return &skipNode{key: key, next: make([]atomic.Pointer[skipNode], height)}
}

// SkipList is an ordered set of byte keys.
type SkipList struct {
	head      *skipNode
	maxHeight atomic.Int32
	compare   Comparator
	rng       *rand.Rand
	count     atomic.Int64

	maxLevel   int
	promoteBar uint32
}

// NewSkipList creates a new skip list with the given comparator.
func NewSkipList(cmp Comparator) *SkipList {
	if cmp == nil {
		cmp = BytewiseComparator
	}
	sl := &SkipList{
		head:       newSkipNode(nil, DefaultMaxHeight),
		compare:    cmp,
		rng:        rand.New(rand.NewSource(0xDEADBEEF)),
		maxLevel:   DefaultMaxHeight,
		promoteBar: uint32(0xFFFFFFFF) / DefaultBranchingFactor,
	}
	sl.maxHeight.Store(1)
	return sl
}

// Insert adds key. An equal key already present is left in place.
// REQUIRES: external synchronization.
func (sl *SkipList) Insert(key []byte) bool {
	prev := make([]*skipNode, sl.maxLevel)
	x := sl.findGreaterOrEqual(key, prev)
	if x != nil && sl.compare(key, x.key) == 0 {
		return false
	}

	height := 1
	for height < sl.maxLevel && sl.rng.Uint32() < sl.promoteBar {
		height++
	}
	if cur := int(sl.maxHeight.Load()); height > cur {
		for i := cur; i < height; i++ {
			prev[i] = sl.head
		}
		sl.maxHeight.Store(int32(height))
	}

	node := newSkipNode(key, height)
	for i := range height {
		node.next[i].Store(prev[i].next[i].Load())
		prev[i].next[i].Store(node)
	}
	sl.count.Add(1)
	return true
}

// Count returns the number of entries in the skip list.
func (sl *SkipList) Count() int64 {
	return sl.count.Load()
}

func (sl *SkipList) findGreaterOrEqual(key []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(sl.maxHeight.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && sl.compare(key, next.key) > 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the last node with key < given key, or nil.
func (sl *SkipList) findLessThan(key []byte) *skipNode {
	x := sl.head
	level := int(sl.maxHeight.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && sl.compare(next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (sl *SkipList) findLast() *skipNode {
	x := sl.head
	level := int(sl.maxHeight.Load()) - 1
	for {
		if next := x.next[level].Load(); next != nil {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

// Iterator walks the raw skip list entries.
type Iterator struct {
	list *SkipList
	node *skipNode
}

// NewIterator creates an unpositioned iterator.
func (sl *SkipList) NewIterator() *Iterator {
	return &Iterator{list: sl}
}

// Valid returns true if the iterator is positioned at a node.
func (it *Iterator) Valid() bool { return it.node != nil }

// Key returns the key at the current position.
func (it *Iterator) Key() []byte { return it.node.key }

// Next advances to the next position.
func (it *Iterator) Next() { it.node = it.node.next[0].Load() }

// Prev moves to the previous position.
func (it *Iterator) Prev() { it.node = it.list.findLessThan(it.node.key) }

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) { it.node = it.list.findGreaterOrEqual(target, nil) }

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() { it.node = it.list.head.next[0].Load() }

// SeekToLast positions the iterator at the last entry.
func (it *Iterator) SeekToLast() { it.node = it.list.findLast() }
