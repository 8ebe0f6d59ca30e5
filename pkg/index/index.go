// Package index is the top-level entry point: one open B+tree index over
// a single backing inode, adapted from a thin DB wrapper — the same
// thin-façade shape, but delegating all synchronization to the tree
// underneath it rather than layering a second lock on top.
package index

import (
	"github.com/sirupsen/logrus"

	"blockbtree/pkg/btree"
	"blockbtree/pkg/cache"
	"blockbtree/pkg/keycodec"
	"blockbtree/pkg/layout"
)

// Engine is one open index.
type Engine struct {
	tree *btree.Tree
}

// Open opens (or, if empty, formats) an index over bc/inode for ino,
// ordering keys with codec and sizing nodes to clusterSize.
func Open(bc cache.BufferCache, inode cache.InodeContract, ino uint64, codec keycodec.Codec, clusterSize int, log *logrus.Entry) (*Engine, error) {
	tr, err := btree.Open(bc, inode, ino, codec, clusterSize, log)
	if err != nil {
		return nil, err
	}
	return &Engine{tree: tr}, nil
}

// Close flushes and releases the index.
func (e *Engine) Close() error {
	return e.tree.Close()
}

// Search looks up key.
func (e *Engine) Search(key []byte) (item uint32, found bool, err error) {
	return e.tree.Search(key)
}

// Insert adds key with item, following policy if key already exists.
func (e *Engine) Insert(key []byte, item uint32, policy btree.UpdatePolicy) (btree.InsertOutcome, uint32, error) {
	return e.tree.Insert(key, item, policy)
}

// Update overwrites the item stored for key, inserting it if absent. It is
// a thin wrapper over Insert(Replace): the tree's split/merge machinery
// already handles "key may or may not exist" identically for both
// operations, so update needs no logic of its own beyond reporting whether
// a prior value was replaced; see DESIGN.md for why this isn't a distinct
// code path.
func (e *Engine) Update(key []byte, item uint32) (prior uint32, replaced bool, err error) {
	outcome, prior, err := e.tree.Insert(key, item, btree.Replace)
	if err != nil {
		return 0, false, err
	}
	return prior, outcome == btree.ReplacedOutcome, nil
}

// Remove deletes key if present.
func (e *Engine) Remove(key []byte) (bool, error) {
	return e.tree.Remove(key)
}

// Range returns an ascending iterator over keys in [lo, hi].
func (e *Engine) Range(lo, hi []byte) (*btree.Iterator, error) {
	return e.tree.Range(lo, hi)
}

// Geometry exposes the index's derived node geometry, useful for
// diagnostics (cmd/bptreectl's stat subcommand).
func (e *Engine) Geometry() layout.Geometry {
	return e.tree.Geometry()
}
