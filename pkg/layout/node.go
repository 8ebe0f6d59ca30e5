// Package layout implements the Block Codec: the pure,
// stateless translation between a fixed-size raw block buffer and an
// in-memory node view. It owns no buffer and performs no I/O; the cache
// adapter (pkg/cache) borrows a block from the buffer cache and hands it to
// this package to decode.
package layout

import (
	"encoding/binary"
	"fmt"

	"blockbtree/pkg/keycodec"
)

// Node header layout, 40 bytes, host byte order.
const (
	offRootFlag  = 0
	offFlag      = 4
	offNum       = 8
	offSelf      = 12
	offNextNode  = 16
	offPrevNode  = 20
	offStatus    = 24
	offReserved  = 28
	reservedSize = 12

	HeaderSize = 40

	// ItemSize is the fixed width of an item: a 32-bit unsigned integer.
	ItemSize = 4
)

// Node flag values.
const (
	FlagInternal uint32 = 0
	FlagLeaf     uint32 = 1
)

// Node status sentinel, stored in the node header. NewZeroed sets it to
// StatusUsed; Validate only checks that it holds one of these two values
// and does not compare it with the allocator's bitmap bit.
const (
	StatusFree uint32 = 0
	StatusUsed uint32 = 1
)

// Geometry is the derived, block-size-dependent shape of every node in one
// tree: the fixed key width and the resulting fanout.
type Geometry struct {
	ClusterSize int
	KeyWidth    int
	Fanout      int
}

// NewGeometry derives FANOUT from the cluster size and key width using the
// odd-fanout rule:
//
//	F0 = floor((CLUSTER_SIZE - 40) / (W + 4))
//	FANOUT = F0 if F0 is odd, else F0 - 1
//
// MinOccupancy derives the non-root minimum, ⌈F/2⌉, from the result. A
// split in pkg/btree keeps ⌊F/2⌋ of the F+1 pairs in the left node and
// moves the rest to the new right node, so the two halves are not equal.
func NewGeometry(clusterSize, keyWidth int) (Geometry, error) {
	if clusterSize <= HeaderSize {
		return Geometry{}, fmt.Errorf("layout: cluster size %d too small for a %d-byte header", clusterSize, HeaderSize)
	}
	if keyWidth <= 0 {
		return Geometry{}, fmt.Errorf("layout: invalid key width %d", keyWidth)
	}

	f0 := (clusterSize - HeaderSize) / (keyWidth + ItemSize)
	if f0 < 3 {
		return Geometry{}, fmt.Errorf("layout: cluster size %d too small to fit any usable fanout at key width %d", clusterSize, keyWidth)
	}
	fanout := f0
	if fanout%2 == 0 {
		fanout--
	}
	return Geometry{ClusterSize: clusterSize, KeyWidth: keyWidth, Fanout: fanout}, nil
}

// MinOccupancy is the non-root minimum key count, ⌈FANOUT/2⌉.
func (g Geometry) MinOccupancy() int {
	return (g.Fanout + 1) / 2
}

// keysOffset and itemsOffset locate the two parallel FANOUT-length arrays
// that follow the header.
func (g Geometry) keysOffset() int { return HeaderSize }
func (g Geometry) itemsOffset() int {
	return HeaderSize + g.Fanout*g.KeyWidth
}

// Size returns the minimum raw block size this geometry requires.
func (g Geometry) Size() int {
	return g.itemsOffset() + g.Fanout*ItemSize
}

// View is the in-memory, zero-copy view of one decoded node block. Its key
// and item slices alias directly into the backing buffer; callers must not
// retain a View past the buffer's release back to the cache.
type View struct {
	buf  []byte
	geom Geometry
}

// Decode reinterprets raw as a node view under the given geometry. It does
// not copy; every accessor indexes back into raw.
func Decode(raw []byte, geom Geometry) (*View, error) {
	if len(raw) < geom.Size() {
		return nil, fmt.Errorf("layout: block too small: have %d bytes, need %d", len(raw), geom.Size())
	}
	return &View{buf: raw, geom: geom}, nil
}

// NewZeroed formats a freshly allocated block as an empty node of the given
// flag (internal or leaf) and returns its view.
func NewZeroed(raw []byte, geom Geometry, selfOffset uint32, flag uint32, isRoot bool) *View {
	for i := range raw {
		raw[i] = 0
	}
	v := &View{buf: raw, geom: geom}
	v.setUint32(offFlag, flag)
	v.setUint32(offSelf, selfOffset)
	v.setUint32(offStatus, StatusUsed)
	if isRoot {
		v.setUint32(offRootFlag, 1)
	}
	return v
}

func (v *View) getUint32(off int) uint32 { return binary.NativeEndian.Uint32(v.buf[off:]) }
func (v *View) setUint32(off int, x uint32) { binary.NativeEndian.PutUint32(v.buf[off:], x) }

// IsRoot reports whether the root flag is set.
func (v *View) IsRoot() bool { return v.getUint32(offRootFlag) != 0 }

// SetRoot sets or clears the root flag.
func (v *View) SetRoot(root bool) {
	if root {
		v.setUint32(offRootFlag, 1)
	} else {
		v.setUint32(offRootFlag, 0)
	}
}

// IsLeaf reports whether this node is a leaf (flag == 1).
func (v *View) IsLeaf() bool { return v.getUint32(offFlag) == FlagLeaf }

// SetLeaf sets the node's flag to leaf or internal.
func (v *View) SetLeaf(leaf bool) {
	if leaf {
		v.setUint32(offFlag, FlagLeaf)
	} else {
		v.setUint32(offFlag, FlagInternal)
	}
}

// Num returns the count of valid key/item pairs.
func (v *View) Num() int { return int(v.getUint32(offNum)) }

// SetNum sets the count of valid key/item pairs.
func (v *View) SetNum(n int) { v.setUint32(offNum, uint32(n)) }

// Self returns this node's own recorded block offset.
func (v *View) Self() uint32 { return v.getUint32(offSelf) }

// SetSelf records this node's own block offset (written once, on format).
func (v *View) SetSelf(offset uint32) { v.setUint32(offSelf, offset) }

// Next returns the leaf-chain forward pointer, 0 if none.
func (v *View) Next() uint32 { return v.getUint32(offNextNode) }

// SetNext sets the leaf-chain forward pointer.
func (v *View) SetNext(offset uint32) { v.setUint32(offNextNode, offset) }

// Prev returns the leaf-chain backward pointer, 0 if none.
func (v *View) Prev() uint32 { return v.getUint32(offPrevNode) }

// SetPrev sets the leaf-chain backward pointer.
func (v *View) SetPrev(offset uint32) { v.setUint32(offPrevNode, offset) }

// Status returns the node's free/used sentinel.
func (v *View) Status() uint32 { return v.getUint32(offStatus) }

// SetStatus sets the node's free/used sentinel.
func (v *View) SetStatus(s uint32) { v.setUint32(offStatus, s) }

// Key returns the key at idx, aliased into the backing buffer.
func (v *View) Key(idx int) []byte {
	start := v.geom.keysOffset() + idx*v.geom.KeyWidth
	return v.buf[start : start+v.geom.KeyWidth]
}

// SetKey copies key into the key array slot at idx.
func (v *View) SetKey(idx int, key []byte) {
	copy(v.Key(idx), key)
}

// Item returns the item (uint32) at idx.
func (v *View) Item(idx int) uint32 {
	start := v.geom.itemsOffset() + idx*ItemSize
	return binary.NativeEndian.Uint32(v.buf[start:])
}

// SetItem writes the item (uint32) at idx.
func (v *View) SetItem(idx int, item uint32) {
	start := v.geom.itemsOffset() + idx*ItemSize
	binary.NativeEndian.PutUint32(v.buf[start:], item)
}

// InsertAt shifts keys/items at and after idx one slot to the right and
// writes the new pair into the opened slot. Callers must ensure Num() <
// Fanout before calling.
func (v *View) InsertAt(idx int, key []byte, item uint32) {
	n := v.Num()
	for i := n; i > idx; i-- {
		v.SetKey(i, v.Key(i-1))
		v.SetItem(i, v.Item(i-1))
	}
	v.SetKey(idx, key)
	v.SetItem(idx, item)
	v.SetNum(n + 1)
}

// RemoveAt compacts the key/item arrays, removing the pair at idx.
func (v *View) RemoveAt(idx int) {
	n := v.Num()
	for i := idx; i < n-1; i++ {
		v.SetKey(i, v.Key(i+1))
		v.SetItem(i, v.Item(i+1))
	}
	v.SetNum(n - 1)
}

// Geometry returns the geometry this view was decoded with.
func (v *View) Geometry() Geometry { return v.geom }

// Validate checks the decode-time invariants that signal a corrupt node:
// num in range, flag known, self-offset matches expectation.
func (v *View) Validate(expectSelf uint32) error {
	if v.Status() != StatusFree && v.Status() != StatusUsed {
		return fmt.Errorf("layout: node at %d has unknown status %d", expectSelf, v.Status())
	}
	flag := v.getUint32(offFlag)
	if flag != FlagInternal && flag != FlagLeaf {
		return fmt.Errorf("layout: node at %d has unknown flag %d", expectSelf, flag)
	}
	if v.Num() < 0 || v.Num() > v.geom.Fanout {
		return fmt.Errorf("layout: node at %d has out-of-range num %d (fanout %d)", expectSelf, v.Num(), v.geom.Fanout)
	}
	if v.Self() != expectSelf {
		return fmt.Errorf("layout: node claims self-offset %d, expected %d", v.Self(), expectSelf)
	}
	return nil
}

// compareKeys compares two aliased key slices through codec.
func compareKeys(codec keycodec.Codec, a, b []byte) int {
	return codec.Compare(a, b)
}

// CompareKeys exposes compareKeys outside the package. pkg/btree compares
// keys through its Codec directly and does not call it.
func CompareKeys(codec keycodec.Codec, a, b []byte) int {
	return compareKeys(codec, a, b)
}
