// Package keycodec models the key abstraction shared by every node in the
// tree: a fixed width, a comparison order, and nothing else. The tree and
// the block codec only ever see a Codec; they never know whether the
// underlying key is an integer or a hash.
package keycodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Codec compares and sizes fixed-width keys aliased directly into a node's
// key array. Implementations must not allocate on Compare's hot path.
type Codec interface {
	// Width is the fixed key size in bytes for this tree.
	Width() int

	// Compare returns <0, 0, >0 as a < b, a == b, a > b, following the key
	// type's native order (numeric for integer keys, lexicographic for
	// hash keys).
	Compare(a, b []byte) int

	// Name identifies the codec for diagnostics. It is not stored in the
	// master block, so a reopened tree is not checked against the codec it
	// was created with.
	Name() string
}

// Uint64Codec orders fixed 8-byte keys as unsigned 64-bit integers stored in
// host byte order, matching the node layout's "not portable across
// endianness" design.
type Uint64Codec struct{}

func (Uint64Codec) Width() int { return 8 }

func (Uint64Codec) Name() string { return "uint64" }

func (Uint64Codec) Compare(a, b []byte) int {
	av := binary.NativeEndian.Uint64(a)
	bv := binary.NativeEndian.Uint64(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// EncodeUint64 writes v into buf using the codec's storage order. buf must
// be at least Width() bytes.
func EncodeUint64(buf []byte, v uint64) {
	binary.NativeEndian.PutUint64(buf, v)
}

// DecodeUint64 reads a key previously written by EncodeUint64.
func DecodeUint64(buf []byte) uint64 {
	return binary.NativeEndian.Uint64(buf)
}

// HashCodec orders fixed-width byte strings lexicographically, the
// convention sometimes called big-endian lexicographic memcmp ordering.
// Width is configurable to one of 8, 16, 20, or 32 bytes, matching
// truncated hash digests (e.g. 20-byte SHA-1, 32-byte SHA-256).
type HashCodec struct {
	width int
}

// NewHashCodec validates width against the widths hash mode allows and
// returns a codec for it.
func NewHashCodec(width int) (HashCodec, error) {
	switch width {
	case 8, 16, 20, 32:
		return HashCodec{width: width}, nil
	default:
		return HashCodec{}, fmt.Errorf("keycodec: unsupported hash key width %d (want 8, 16, 20, or 32)", width)
	}
}

func (h HashCodec) Width() int { return h.width }

func (h HashCodec) Name() string { return fmt.Sprintf("hash%d", h.width) }

func (HashCodec) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
