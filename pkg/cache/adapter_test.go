package cache

import (
	"sync"
	"testing"

	"blockbtree/pkg/layout"
)

// memHandle and memCache are the same in-memory buffer-cache stand-in
// pkg/btree and pkg/alloc use in their own tests.
type memHandle struct {
	offset uint32
	buf    []byte
}

func (h *memHandle) Bytes() []byte       { return h.buf }
func (h *memHandle) BlockOffset() uint32 { return h.offset }

type memCache struct {
	mu        sync.Mutex
	blockSize int
	data      map[uint64][]byte
	flushed   map[uint64]int
}

func newMemCache(blockSize int) *memCache {
	return &memCache{blockSize: blockSize, data: make(map[uint64][]byte), flushed: make(map[uint64]int)}
}

func (m *memCache) growTo(ino uint64, blocks uint64) {
	need := int(blocks) * m.blockSize
	buf := m.data[ino]
	if len(buf) >= need {
		return
	}
	grown := make([]byte, need)
	copy(grown, buf)
	m.data[ino] = grown
}

func (m *memCache) GetBlock(ino uint64, offset uint32, lock LockMode, hint SyncHint) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.growTo(ino, uint64(offset)+1)
	buf := m.data[ino]
	start := int(offset) * m.blockSize
	return &memHandle{offset: offset, buf: buf[start : start+m.blockSize]}, nil
}

func (m *memCache) MarkDirty(h Handle)           {}
func (m *memCache) Release(h Handle, dirty bool) {}
func (m *memCache) Flush(ino uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed[ino]++
	return nil
}

const testClusterSize = 112

func testGeometry(t *testing.T) layout.Geometry {
	t.Helper()
	g, err := layout.NewGeometry(testClusterSize, 8)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	return g
}

func TestAllocNodeCreateFormatsFreshLeaf(t *testing.T) {
	mc := newMemCache(testClusterSize)
	nc := NewNodeCache(mc, 1, testGeometry(t))

	nh, err := nc.AllocNode(PurposeData, 0, OpenCreate, true, true)
	if err != nil {
		t.Fatalf("AllocNode: %v", err)
	}
	v := nh.View()
	if !v.IsLeaf() {
		t.Fatalf("expected leaf flag set")
	}
	if !v.IsRoot() {
		t.Fatalf("expected root flag set")
	}
	if v.Self() != 0 {
		t.Fatalf("Self() = %d, want 0", v.Self())
	}
	if nh.Offset() != 0 {
		t.Fatalf("Offset() = %d, want 0", nh.Offset())
	}
}

func TestAllocNodeCreateInternalNonRoot(t *testing.T) {
	mc := newMemCache(testClusterSize)
	nc := NewNodeCache(mc, 1, testGeometry(t))

	nh, err := nc.AllocNode(PurposeIndex, 1, OpenCreate, false, false)
	if err != nil {
		t.Fatalf("AllocNode: %v", err)
	}
	v := nh.View()
	if v.IsLeaf() {
		t.Fatalf("expected internal node, got leaf")
	}
	if v.IsRoot() {
		t.Fatalf("expected non-root node")
	}
}

func TestReadNodeRoundTripsAfterWrite(t *testing.T) {
	mc := newMemCache(testClusterSize)
	nc := NewNodeCache(mc, 1, testGeometry(t))

	nh, err := nc.AllocNode(PurposeData, 0, OpenCreate, true, true)
	if err != nil {
		t.Fatalf("AllocNode: %v", err)
	}
	nh.View().SetNum(2)
	nc.WriteNode(nh)
	nc.ReleaseNode(nh, true)

	readBack, err := nc.ReadNode(0, LockShared, AllowIO)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if readBack.View().Num() != 2 {
		t.Fatalf("Num() = %d, want 2", readBack.View().Num())
	}
	nc.ReleaseNode(readBack, false)
}

func TestReadNodeRejectsSelfOffsetMismatch(t *testing.T) {
	mc := newMemCache(testClusterSize)
	nc := NewNodeCache(mc, 1, testGeometry(t))

	if _, err := nc.AllocNode(PurposeData, 0, OpenCreate, true, true); err != nil {
		t.Fatalf("AllocNode: %v", err)
	}

	// Block 1 was never formatted, so decoding it at offset 1 finds a
	// zeroed self-field (0) that mismatches the requested offset.
	if _, err := nc.ReadNode(1, LockShared, AllowIO); err == nil {
		t.Fatalf("expected ReadNode to reject a corrupt/unformatted block")
	}
}

func TestFlushDelegatesToBufferCache(t *testing.T) {
	mc := newMemCache(testClusterSize)
	nc := NewNodeCache(mc, 7, testGeometry(t))

	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if mc.flushed[7] != 1 {
		t.Fatalf("expected one flush recorded for ino 7, got %d", mc.flushed[7])
	}
}

func TestGeometryReturnsConfiguredGeometry(t *testing.T) {
	mc := newMemCache(testClusterSize)
	geom := testGeometry(t)
	nc := NewNodeCache(mc, 1, geom)
	if nc.Geometry() != geom {
		t.Fatalf("Geometry() = %+v, want %+v", nc.Geometry(), geom)
	}
}
