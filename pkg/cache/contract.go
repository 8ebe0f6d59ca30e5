// Package cache implements the Node Cache Adapter: it wraps
// an externally supplied buffer cache into pinned, typed node handles. The
// buffer cache and the inode/superblock layer themselves are external
// collaborators — this package only defines and consumes
// their contracts; pkg/bufcache supplies one concrete implementation so the
// engine is runnable outside of a real filesystem.
package cache

import "blockbtree/pkg/layout"

// LockMode selects shared or exclusive pinning for a block.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// SyncHint requests the cache to prefer resident data (non-blocking) or to
// initiate I/O if the block isn't already cached.
type SyncHint int

const (
	// PreferResident asks the cache to return only already-resident data,
	// failing fast rather than blocking on I/O.
	PreferResident SyncHint = iota
	// AllowIO permits the cache to issue a blocking read.
	AllowIO
)

// Handle is one pinned, reference-counted buffer-cache block. Bytes aliases
// the cache's own backing storage; callers must not retain the slice past
// Release.
type Handle interface {
	Bytes() []byte
	BlockOffset() uint32
}

// BufferCache is the external buffer-cache contract the engine consumes:
//
//	get_block(ino, offset, lock)          → block_handle
//	mark_dirty(handle)                    → ()
//	release(handle, dirty)                → ()
//	flush(ino)                            → ()
type BufferCache interface {
	GetBlock(ino uint64, offset uint32, lock LockMode, hint SyncHint) (Handle, error)
	MarkDirty(h Handle)
	Release(h Handle, dirty bool)
	Flush(ino uint64) error
}

// InodeContract is the inode/superblock contract the engine consumes:
// growing the backing file when the allocator needs a new master block.
type InodeContract interface {
	ExtendFile(ino uint64, newSize uint64) error
	FileSizeBlocks(ino uint64, blockSize int) (uint64, error)
}

// NodePurpose distinguishes an index (internal) node from a data (leaf)
// node when allocating. It is presently advisory — both purposes share one
// geometry and one free list — but keeping it as a real parameter, rather
// than collapsing it away, leaves room for a future per-purpose allocation
// policy without changing callers.
type NodePurpose int

const (
	PurposeIndex NodePurpose = iota
	PurposeData
)

// Openness distinguishes formatting a freshly allocated block from reading
// an existing one.
type Openness int

const (
	OpenCreate Openness = iota
	OpenRead
)

// NodeHandle is a pinned node block together with its decoded view. Drop it
// with Release.
type NodeHandle struct {
	h      Handle
	view   *layout.View
	cache  *NodeCache
}

// View returns the decoded node view aliased into the pinned block.
func (nh *NodeHandle) View() *layout.View { return nh.view }

// Offset returns this handle's block offset.
func (nh *NodeHandle) Offset() uint32 { return nh.h.BlockOffset() }
