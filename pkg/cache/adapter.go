package cache

import (
	"github.com/pkg/errors"

	"blockbtree/pkg/layout"
)

// NodeCache pins blocks via an external BufferCache and hands back typed,
// decoded node views. Only one node per logical offset may be pinned
// exclusively at a time; callers sequence their locks via the traversal
// stack discipline the tree uses during descent — this package does not
// itself arbitrate that, it trusts the caller and the underlying
// BufferCache's per-block lock.
type NodeCache struct {
	bc   BufferCache
	ino  uint64
	geom layout.Geometry
}

// NewNodeCache builds an adapter over bc for the backing file identified by
// ino, decoding blocks under geom.
func NewNodeCache(bc BufferCache, ino uint64, geom layout.Geometry) *NodeCache {
	return &NodeCache{bc: bc, ino: ino, geom: geom}
}

// ReadNode pins an existing block and decodes it.
func (nc *NodeCache) ReadNode(offset uint32, lock LockMode, hint SyncHint) (*NodeHandle, error) {
	h, err := nc.bc.GetBlock(nc.ino, offset, lock, hint)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: read node at block %d", offset)
	}
	view, err := layout.Decode(h.Bytes(), nc.geom)
	if err != nil {
		nc.bc.Release(h, false)
		return nil, errors.Wrapf(err, "cache: decode node at block %d", offset)
	}
	if err := view.Validate(offset); err != nil {
		nc.bc.Release(h, false)
		return nil, err
	}
	return &NodeHandle{h: h, view: view, cache: nc}, nil
}

// AllocNode combines pin with either formatting a freshly reserved offset
// (open == OpenCreate) or decoding an existing one (open == OpenRead). The
// offset itself must already have been reserved by pkg/alloc; this adapter
// does not allocate block numbers, it only formats and pins them.
func (nc *NodeCache) AllocNode(purpose NodePurpose, offset uint32, open Openness, leaf bool, isRoot bool) (*NodeHandle, error) {
	if open == OpenRead {
		return nc.ReadNode(offset, LockExclusive, AllowIO)
	}

	h, err := nc.bc.GetBlock(nc.ino, offset, LockExclusive, AllowIO)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: alloc node at block %d", offset)
	}
	leafFlag := layout.FlagInternal
	if leaf {
		leafFlag = layout.FlagLeaf
	}
	view := layout.NewZeroed(h.Bytes(), nc.geom, offset, leafFlag, isRoot)
	nc.bc.MarkDirty(h)
	return &NodeHandle{h: h, view: view, cache: nc}, nil
}

// WriteNode marks a handle's block dirty; writeback remains the cache's
// decision.
func (nc *NodeCache) WriteNode(nh *NodeHandle) {
	nc.bc.MarkDirty(nh.h)
}

// ReleaseNode drops a handle's pin, marking it dirty if requested.
func (nc *NodeCache) ReleaseNode(nh *NodeHandle, dirty bool) {
	nc.bc.Release(nh.h, dirty)
}

// Flush requests the underlying buffer cache commit writes for this tree's
// backing file at operation boundaries, before reporting committed to the
// caller.
func (nc *NodeCache) Flush() error {
	return nc.bc.Flush(nc.ino)
}

// Geometry returns the node geometry this adapter decodes under.
func (nc *NodeCache) Geometry() layout.Geometry { return nc.geom }
