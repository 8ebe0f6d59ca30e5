// Package alloc implements the two-level bitmap allocator:
// master blocks interleaved with node blocks, scanned word-by-word for a
// free bit, growing the backing file through the inode/superblock
// collaborator when every existing master is full.
package alloc

import (
	"math/bits"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blockbtree/pkg/btreeerr"
	"blockbtree/pkg/cache"
	"blockbtree/pkg/layout"
)

// Allocator reserves and frees node-sized blocks within one tree's backing
// file. It owns no node-level knowledge; it only tracks
// which block offsets are in use.
type Allocator struct {
	bc    cache.BufferCache
	inode cache.InodeContract
	ino   uint64
	geom  layout.Geometry
	log   *logrus.Entry

	span int // 1 + BM*8: logical slots one master covers, itself included
}

// New builds an allocator over the given backing file and geometry. BM
// (bitmap bytes per master) is derived from geom.ClusterSize.
func New(bc cache.BufferCache, inode cache.InodeContract, ino uint64, geom layout.Geometry, log *logrus.Entry) *Allocator {
	bm := geom.ClusterSize - layout.MasterHeaderSize
	span := 1 + bm*8
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Allocator{bc: bc, inode: inode, ino: ino, geom: geom, log: log, span: span}
}

// masterBlockIndex returns the block index of master id.
func (a *Allocator) masterBlockIndex(id uint32) uint32 {
	return id * uint32(a.span)
}

// nodeBlockIndex returns the block index of the node at (masterID, bit).
func (a *Allocator) nodeBlockIndex(masterID uint32, bit int) uint32 {
	return a.masterBlockIndex(masterID) + uint32(bit) + 1
}

func (a *Allocator) getMaster(id uint32, lock cache.LockMode) (cache.Handle, *layout.MasterView, error) {
	h, err := a.bc.GetBlock(a.ino, a.masterBlockIndex(id), lock, cache.AllowIO)
	if err != nil {
		return nil, nil, errors.Wrapf(btreeerr.IoError, "alloc: read master %d: %v", id, err)
	}
	mv := layout.DecodeMaster(h.Bytes())
	return h, mv, nil
}

// formatMaster stamps the self-describing fields of a newly extended
// master block. The bitmap portion is left zeroed by the file extension,
// which already means "every covered node is free" with no extra writes.
func (a *Allocator) formatMaster(mv *layout.MasterView, id uint32) {
	mv.SetNodeSize(uint32(a.geom.ClusterSize))
	mv.SetFanout(uint32(a.geom.Fanout))
	if id != 0 {
		mv.SetRootOffset(0)
	}
}

// ensureMaster guarantees master id (and its full span of following node
// blocks) exists in the backing file, extending it through the
// inode/superblock collaborator if necessary.
func (a *Allocator) ensureMaster(id uint32) error {
	have, err := a.inode.FileSizeBlocks(a.ino, a.geom.ClusterSize)
	if err != nil {
		return errors.Wrap(btreeerr.IoError, err.Error())
	}
	need := uint64(a.masterBlockIndex(id)) + uint64(a.span)
	if have >= need {
		return nil
	}
	newSize := need * uint64(a.geom.ClusterSize)
	if err := a.inode.ExtendFile(a.ino, newSize); err != nil {
		return errors.Wrap(btreeerr.OutOfSpace, err.Error())
	}
	h, mv, err := a.getMaster(id, cache.LockExclusive)
	if err != nil {
		return err
	}
	a.formatMaster(mv, id)
	a.bc.MarkDirty(h)
	a.bc.Release(h, true)
	a.log.WithField("master", id).Debug("alloc: formatted new master block")
	return nil
}

// scanWordsForZero scans the bitmap byte-by-byte starting at startBit for
// the first zero bit, returning its index and true, or false if the whole
// bitmap from startBit onward is full. Implemented with math/bits so a
// mostly-full word skips in one instruction rather than bit-by-bit.
func scanWordsForZero(mv *layout.MasterView, startBit, limit int) (int, bool) {
	bm := mv.BitmapBytes()
	if limit > bm*8 {
		limit = bm * 8
	}
	for i := startBit; i < limit; {
		byteIdx := i / 8
		b := mv.Byte(byteIdx)
		if b == 0xFF {
			i = (byteIdx + 1) * 8
			continue
		}
		// mask off bits before i%8 so TrailingZeros8 finds the first
		// candidate at or after i, not an earlier free bit in this byte
		masked := b | (1<<uint(i%8) - 1)
		if masked == 0xFF {
			i = (byteIdx + 1) * 8
			continue
		}
		bit := bits.TrailingZeros8(^masked)
		idx := byteIdx*8 + bit
		if idx >= limit {
			return 0, false
		}
		return idx, true
	}
	return 0, false
}

// Alloc returns the block offset of a newly reserved node.
// It fails with OutOfSpace when every master bitmap is full and the backing
// file cannot be extended. The master block itself is the node one slot
// before bit 0 (see layout.BitFor) and never appears in its own bitmap, so
// every bit a master's bitmap actually holds, including bit 0, names a
// free-or-allocated node.
func (a *Allocator) Alloc() (uint32, error) {
	h0, m0, err := a.getMaster(0, cache.LockExclusive)
	if err != nil {
		return 0, err
	}
	startMaster := m0.LastSubMaster()
	startBit := int(m0.LastSubOffset())
	a.bc.Release(h0, false)

	masterID := startMaster
	first := true
	for {
		if err := a.ensureMaster(masterID); err != nil {
			return 0, err
		}
		h, mv, err := a.getMaster(masterID, cache.LockExclusive)
		if err != nil {
			return 0, err
		}

		from := 0
		if first {
			from = startBit
		}
		bit, found := scanWordsForZero(mv, from, mv.NodesCoveredPerMaster()+1)
		if !found && first && from > 0 {
			// wrap within this master from bit 0 before giving up on it
			bit, found = scanWordsForZero(mv, 0, from)
		}
		first = false

		if found {
			mv.SetBit(bit)
			mv.SetBitsInUse(mv.BitsInUse() + 1)
			mv.SetFreeCursorOffset(uint32(bit + 1))
			mv.SetAllocCounter(mv.AllocCounter() + 1)
			a.bc.MarkDirty(h)
			a.bc.Release(h, true)

			h0, m0, err := a.getMaster(0, cache.LockExclusive)
			if err != nil {
				return 0, err
			}
			m0.SetLastSubMaster(masterID)
			m0.SetLastSubOffset(uint32(bit))
			m0.SetMaxNodes(m0.MaxNodes() + 1)
			a.bc.MarkDirty(h0)
			a.bc.Release(h0, true)

			offset := a.nodeBlockIndex(masterID, bit)
			a.log.WithFields(logrus.Fields{"master": masterID, "bit": bit, "offset": offset}).Debug("alloc: reserved node block")
			return offset, nil
		}

		a.bc.Release(h, false)
		masterID++
	}
}

// Free clears the bit for offset and increments the dealloc counter. It
// fails with InvalidOffset if offset names a master block or lies outside
// the file.
func (a *Allocator) Free(offset uint32) error {
	masterID := uint32(layout.MasterIDFor(int(offset), a.span))
	bit := layout.BitFor(int(offset), a.span)
	if bit < 0 {
		return errors.Wrapf(btreeerr.InvalidOffset, "offset %d names a master block", offset)
	}

	have, err := a.inode.FileSizeBlocks(a.ino, a.geom.ClusterSize)
	if err != nil {
		return errors.Wrap(btreeerr.IoError, err.Error())
	}
	if uint64(offset) >= have {
		return errors.Wrapf(btreeerr.InvalidOffset, "offset %d is outside the backing file", offset)
	}

	h, mv, err := a.getMaster(masterID, cache.LockExclusive)
	if err != nil {
		return err
	}

	if !mv.TestBit(bit) {
		a.bc.Release(h, false)
		return errors.Wrapf(btreeerr.InvalidOffset, "offset %d is already free", offset)
	}
	mv.ClearBit(bit)
	mv.SetBitsInUse(mv.BitsInUse() - 1)
	mv.SetDeallocCounter(mv.DeallocCounter() + 1)
	a.bc.MarkDirty(h)
	a.bc.Release(h, true)

	h0, m0, err := a.getMaster(0, cache.LockExclusive)
	if err != nil {
		return err
	}
	m0.SetMaxNodes(m0.MaxNodes() - 1)
	a.bc.MarkDirty(h0)
	a.bc.Release(h0, true)

	a.log.WithField("offset", offset).Debug("alloc: freed node block")
	return nil
}

// Test reports whether offset is currently allocated.
func (a *Allocator) Test(offset uint32) (bool, error) {
	masterID := uint32(layout.MasterIDFor(int(offset), a.span))
	bit := layout.BitFor(int(offset), a.span)
	if bit < 0 {
		return false, errors.Wrapf(btreeerr.InvalidOffset, "offset %d names a master block", offset)
	}
	h, mv, err := a.getMaster(masterID, cache.LockShared)
	if err != nil {
		return false, err
	}
	defer a.bc.Release(h, false)
	return mv.TestBit(bit), nil
}

// InitRoot allocates master #0 and one leaf root, recording the root
// offset in master #0. It returns the new root's
// block offset.
func (a *Allocator) InitRoot() (uint32, error) {
	if err := a.ensureMaster(0); err != nil {
		return 0, err
	}
	rootOffset, err := a.Alloc()
	if err != nil {
		return 0, err
	}
	h0, m0, err := a.getMaster(0, cache.LockExclusive)
	if err != nil {
		return 0, err
	}
	m0.SetRootOffset(rootOffset)
	a.bc.MarkDirty(h0)
	a.bc.Release(h0, true)
	return rootOffset, nil
}

// RootOffset reads the tree root offset recorded in master #0.
func (a *Allocator) RootOffset() (uint32, error) {
	h0, m0, err := a.getMaster(0, cache.LockShared)
	if err != nil {
		return 0, err
	}
	defer a.bc.Release(h0, false)
	return m0.RootOffset(), nil
}

// SetRootOffset updates the tree root recorded in master #0 (after a split
// grows the tree or a collapse shrinks it).
func (a *Allocator) SetRootOffset(offset uint32) error {
	h0, m0, err := a.getMaster(0, cache.LockExclusive)
	if err != nil {
		return err
	}
	m0.SetRootOffset(offset)
	a.bc.MarkDirty(h0)
	a.bc.Release(h0, true)
	return nil
}

// MaxNodes returns the sum of popcounts across all master bitmaps, tracked
// incrementally in master #0 rather than rescanned.
func (a *Allocator) MaxNodes() (uint32, error) {
	h0, m0, err := a.getMaster(0, cache.LockShared)
	if err != nil {
		return 0, err
	}
	defer a.bc.Release(h0, false)
	return m0.MaxNodes(), nil
}
