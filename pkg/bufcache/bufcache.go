// Package bufcache is the reference BufferCache and InodeContract
// collaborator: a concrete, mmap-backed implementation so the
// engine in pkg/btree can run and be tested outside of a real filesystem.
// It is deliberately simple — one regular file per inode, grown with
// posix_fallocate and mapped in append-only segments — adapted from the
// older RWMutex-guarded single-file storage layer, but swapped onto
// mmap-go and golang.org/x/sys/unix the way a real block device-backed
// cache would be built.
package bufcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"blockbtree/pkg/cache"
)

// segment is one append-only mapping of an inode's backing file, covering
// the byte range [start, start+len(mm)). A file grows by mapping a fresh
// segment over the bytes it gains, starting at the page boundary at or below
// the old end (mmap offsets must be page aligned), so consecutive segments
// may overlap by less than a page; existing segments are never
// unmapped or remapped while the file is open, so a slice handed out of
// one stays valid for as long as its handle is pinned, no matter how many
// times the file grows afterward.
type segment struct {
	start int64
	mm    mmap.MMap
}

// file is one inode's backing regular file, flock'd for the process's
// exclusive use. sizeMu guards the segment list and is held only for the
// duration of a grow (fallocate+mmap), never across a pinned handle's
// lifetime. Per-block locking lives in locks: one lazily created
// *sync.RWMutex per block offset, so pinning a master block (the
// allocator) and pinning a leaf or internal node (the tree) on the same
// inode at the same time lock two distinct mutexes, not the same one
// twice.
type file struct {
	f        *os.File
	sizeMu   sync.Mutex
	size     int64
	segments []segment

	locks sync.Map // uint32 block offset -> *sync.RWMutex
}

func (f *file) blockLock(offset uint32) *sync.RWMutex {
	v, _ := f.locks.LoadOrStore(offset, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

// bytesFor returns the live slice backing offset, or nil if offset lies
// beyond every mapped segment.
func (f *file) bytesFor(offset uint32, blockSize int) []byte {
	start := int64(offset) * int64(blockSize)
	for i := range f.segments {
		seg := &f.segments[i]
		end := seg.start + int64(len(seg.mm))
		if start >= seg.start && start+int64(blockSize) <= end {
			rel := start - seg.start
			return seg.mm[rel : rel+int64(blockSize)]
		}
	}
	return nil
}

func (f *file) fileSize() int64 {
	f.sizeMu.Lock()
	defer f.sizeMu.Unlock()
	return f.size
}

// grow extends the file to at least need bytes, mapping a new segment from
// the page boundary at or below the old end through the newly added range.
// A no-op if the file is already large enough.
func (f *file) grow(need int64) error {
	f.sizeMu.Lock()
	defer f.sizeMu.Unlock()
	if f.size >= need {
		return nil
	}
	addLen := need - f.size
	if err := unix.Fallocate(int(f.f.Fd()), 0, f.size, addLen); err != nil {
		return err
	}
	mapStart := f.size - f.size%int64(os.Getpagesize())
	mm, err := mmap.MapRegion(f.f, int(need-mapStart), mmap.RDWR, 0, mapStart)
	if err != nil {
		return err
	}
	f.segments = append(f.segments, segment{start: mapStart, mm: mm})
	f.size = need
	return nil
}

// Cache is a directory of per-inode backing files sharing one block size;
// it is a filesystem-wide constant, not per-file.
type Cache struct {
	dir       string
	blockSize int
	log       *logrus.Entry

	mu    sync.Mutex
	files map[uint64]*file
}

// Open opens (creating if necessary) a cache rooted at dir, serving blocks
// of blockSize bytes.
func Open(dir string, blockSize int, log *logrus.Entry) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "bufcache: create directory")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		dir:       dir,
		blockSize: blockSize,
		log:       log.WithField("component", "bufcache"),
		files:     make(map[uint64]*file),
	}, nil
}

func (c *Cache) path(ino uint64) string {
	return filepath.Join(c.dir, fmt.Sprintf("ino-%d.blk", ino))
}

func (c *Cache) openFile(ino uint64) (*file, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.files[ino]; ok {
		return f, nil
	}

	osf, err := os.OpenFile(c.path(ino), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "bufcache: open ino %d", ino)
	}
	if err := unix.Flock(int(osf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		osf.Close()
		return nil, errors.Wrapf(err, "bufcache: lock ino %d: already open elsewhere", ino)
	}

	fi, err := osf.Stat()
	if err != nil {
		osf.Close()
		return nil, errors.Wrapf(err, "bufcache: stat ino %d", ino)
	}

	f := &file{f: osf}
	if fi.Size() > 0 {
		mm, err := mmap.MapRegion(osf, int(fi.Size()), mmap.RDWR, 0, 0)
		if err != nil {
			osf.Close()
			return nil, errors.Wrapf(err, "bufcache: initial map of ino %d", ino)
		}
		f.segments = append(f.segments, segment{start: 0, mm: mm})
		f.size = fi.Size()
	}
	c.files[ino] = f
	return f, nil
}

// handle is one pinned block, aliasing directly into one of its inode's
// mapped segments.
type handle struct {
	offset    uint32
	buf       []byte
	lock      *sync.RWMutex
	exclusive bool
}

func (h *handle) Bytes() []byte       { return h.buf }
func (h *handle) BlockOffset() uint32 { return h.offset }

// GetBlock implements cache.BufferCache. Locking is per block offset, not
// per inode: two different offsets on the same inode never contend, which
// is what lets the allocator pin a master block while the tree still holds
// a leaf or internal node pinned on the same backing file.
func (c *Cache) GetBlock(ino uint64, offset uint32, lock cache.LockMode, hint cache.SyncHint) (cache.Handle, error) {
	f, err := c.openFile(ino)
	if err != nil {
		return nil, err
	}

	need := (uint64(offset) + 1) * uint64(c.blockSize)
	if uint64(f.fileSize()) < need {
		if hint == cache.PreferResident {
			return nil, errors.Errorf("bufcache: block %d not resident and caller forbade I/O", offset)
		}
		if err := f.grow(int64(need)); err != nil {
			return nil, errors.Wrap(err, "bufcache: grow")
		}
	}

	bl := f.blockLock(offset)
	exclusive := lock == cache.LockExclusive
	if exclusive {
		bl.Lock()
	} else {
		bl.RLock()
	}

	buf := f.bytesFor(offset, c.blockSize)
	if buf == nil {
		if exclusive {
			bl.Unlock()
		} else {
			bl.RUnlock()
		}
		return nil, errors.Errorf("bufcache: block %d not mapped after grow", offset)
	}

	return &handle{offset: offset, buf: buf, lock: bl, exclusive: exclusive}, nil
}

// MarkDirty is a no-op: writes through the mmap are already live in the
// page cache, so there is nothing to separately mark. Durability is an
// explicit Flush (msync), not an implicit consequence of marking dirty.
func (c *Cache) MarkDirty(h cache.Handle) {}

// Release drops the per-block lock GetBlock acquired for h.
func (c *Cache) Release(h cache.Handle, dirty bool) {
	hd := h.(*handle)
	if hd.exclusive {
		hd.lock.Unlock()
	} else {
		hd.lock.RUnlock()
	}
}

// Flush msyncs every mapped segment of ino's backing file.
func (c *Cache) Flush(ino uint64) error {
	c.mu.Lock()
	f, ok := c.files[ino]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	f.sizeMu.Lock()
	defer f.sizeMu.Unlock()
	for i := range f.segments {
		if err := f.segments[i].mm.Flush(); err != nil {
			return errors.Wrap(err, "bufcache: msync")
		}
	}
	return nil
}

// ExtendFile implements cache.InodeContract, growing ino's backing file to
// at least newSize bytes via a new append-only segment.
func (c *Cache) ExtendFile(ino uint64, newSize uint64) error {
	f, err := c.openFile(ino)
	if err != nil {
		return err
	}
	return f.grow(int64(newSize))
}

// FileSizeBlocks implements cache.InodeContract.
func (c *Cache) FileSizeBlocks(ino uint64, blockSize int) (uint64, error) {
	f, err := c.openFile(ino)
	if err != nil {
		return 0, err
	}
	return uint64(f.fileSize()) / uint64(blockSize), nil
}

// Close unmaps and closes every open inode's backing file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for ino, f := range c.files {
		f.sizeMu.Lock()
		for i := range f.segments {
			if err := f.segments[i].mm.Unmap(); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "bufcache: unmap ino %d", ino)
			}
		}
		f.sizeMu.Unlock()
		unix.Flock(int(f.f.Fd()), unix.LOCK_UN)
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "bufcache: close ino %d", ino)
		}
	}
	c.files = make(map[uint64]*file)
	c.log.Debug("bufcache: closed")
	return firstErr
}
