// Package btree implements the B+tree algorithms layer: search, insert
// (with split), delete (with merge/redistribute), and range
// scan, operating through pkg/layout's codec, pkg/alloc's allocator, and
// pkg/cache's node cache adapter.
//
// The tree is single-writer, single-reader per instance:
// operations are synchronous and imperative, and a mutex here only guards
// against accidental concurrent calls from the same process — it is not a
// substitute for the caller's own serialization across the filesystem.
package btree

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blockbtree/pkg/alloc"
	"blockbtree/pkg/btreeerr"
	"blockbtree/pkg/cache"
	"blockbtree/pkg/keycodec"
	"blockbtree/pkg/layout"
)

// UpdatePolicy selects Insert's behavior when the key already exists.
type UpdatePolicy int

const (
	// Replace overwrites the existing item and returns the prior value.
	Replace UpdatePolicy = iota
	// FailIfExists returns DuplicateKey without modifying the tree.
	FailIfExists
)

// InsertOutcome reports what Insert actually did.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	ReplacedOutcome
	Duplicate
)

// Tree is one open B+tree over a backing file.
type Tree struct {
	nc    *cache.NodeCache
	alloc *alloc.Allocator
	codec keycodec.Codec
	geom  layout.Geometry
	log   *logrus.Entry

	mu       sync.Mutex
	poisoned error
}

// Open opens (or, if the backing file is empty, creates) a tree over bc/
// inode for the file identified by ino, using codec for key comparisons
// and clusterSize for the node block size.
func Open(bc cache.BufferCache, inode cache.InodeContract, ino uint64, codec keycodec.Codec, clusterSize int, log *logrus.Entry) (*Tree, error) {
	geom, err := layout.NewGeometry(clusterSize, codec.Width())
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "btree")

	a := alloc.New(bc, inode, ino, geom, log)
	nc := cache.NewNodeCache(bc, ino, geom)

	t := &Tree{nc: nc, alloc: a, codec: codec, geom: geom, log: log}

	root, err := a.RootOffset()
	if err != nil {
		return nil, err
	}
	if root == 0 {
		root, err = a.InitRoot()
		if err != nil {
			return nil, err
		}
		nh, err := nc.AllocNode(cache.PurposeData, root, cache.OpenCreate, true, true)
		if err != nil {
			return nil, err
		}
		nc.WriteNode(nh)
		nc.ReleaseNode(nh, true)
		log.WithField("root", root).Info("btree: initialized empty tree")
	}

	return t, nil
}

// Close flushes the backing file.
func (t *Tree) Close() error {
	return t.nc.Flush()
}

// poison marks the tree unusable after a fatal error. Every
// subsequent operation fails TreePoisoned until the tree is reopened.
func (t *Tree) poison(cause error) error {
	t.poisoned = cause
	t.log.WithError(cause).Error("btree: tree poisoned")
	return cause
}

// poisonUnlessRecoverable poisons the tree for every failure except
// OutOfSpace. OutOfSpace is reserved before any node mutation begins, so a
// failure to reserve leaves the tree exactly as it was — safe to surface
// to the caller without condemning every later operation.
func (t *Tree) poisonUnlessRecoverable(err error) error {
	if errors.Is(err, btreeerr.OutOfSpace) {
		t.log.WithError(err).Debug("btree: operation failed with no side effects")
		return err
	}
	return t.poison(err)
}

func (t *Tree) checkPoisoned() error {
	if t.poisoned != nil {
		return errors.Wrap(btreeerr.TreePoisoned, t.poisoned.Error())
	}
	return nil
}

// Geometry exposes the tree's derived node geometry.
func (t *Tree) Geometry() layout.Geometry { return t.geom }

// childIndex implements the internal-node search step: the smallest
// i < num-1 such that key < k[i]; if none exists, the catch-all last child
// c[num-1]. The catch-all slot's key is a placeholder and is not compared.
func childIndex(v *layout.View, codec keycodec.Codec, key []byte) int {
	n := v.Num()
	lo, hi := 0, n-1
	for lo < hi {
		mid := (lo + hi) / 2
		if codec.Compare(key, v.Key(mid)) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// leafFind binary-searches a leaf's key array for an exact match, returning
// the insertion point when absent.
func leafFind(v *layout.View, codec keycodec.Codec, key []byte) (idx int, found bool) {
	n := v.Num()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if codec.Compare(v.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n && codec.Compare(v.Key(lo), key) == 0 {
		return lo, true
	}
	return lo, false
}
