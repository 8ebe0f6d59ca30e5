package layout

import (
	"testing"

	"blockbtree/pkg/keycodec"
)

func TestNewGeometryDerivesOddFanout(t *testing.T) {
	// 112-byte cluster, 8-byte keys: F0 = (112-40)/(8+4) = 6, even, so
	// FANOUT drops to 5.
	g, err := NewGeometry(112, 8)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	if g.Fanout != 5 {
		t.Fatalf("Fanout = %d, want 5", g.Fanout)
	}
	if g.MinOccupancy() != 3 {
		t.Fatalf("MinOccupancy() = %d, want 3", g.MinOccupancy())
	}
}

func TestNewGeometryRejectsTooSmallCluster(t *testing.T) {
	if _, err := NewGeometry(HeaderSize, 8); err == nil {
		t.Fatalf("expected error for cluster size == header size")
	}
	if _, err := NewGeometry(48, 8); err == nil {
		t.Fatalf("expected error: too small to fit any usable fanout")
	}
}

func TestNewGeometryRejectsInvalidKeyWidth(t *testing.T) {
	if _, err := NewGeometry(4096, 0); err == nil {
		t.Fatalf("expected error for zero key width")
	}
	if _, err := NewGeometry(4096, -1); err == nil {
		t.Fatalf("expected error for negative key width")
	}
}

func TestGeometrySizeFitsKeysAndItems(t *testing.T) {
	g, err := NewGeometry(4096, 8)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	want := HeaderSize + g.Fanout*8 + g.Fanout*ItemSize
	if g.Size() != want {
		t.Fatalf("Size() = %d, want %d", g.Size(), want)
	}
}

func geomFor(t *testing.T, clusterSize, keyWidth int) Geometry {
	t.Helper()
	g, err := NewGeometry(clusterSize, keyWidth)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	return g
}

func TestNewZeroedFormatsEmptyNode(t *testing.T) {
	g := geomFor(t, 112, 8)
	buf := make([]byte, g.Size())
	for i := range buf {
		buf[i] = 0xAA
	}

	v := NewZeroed(buf, g, 7, FlagLeaf, true)
	if !v.IsRoot() {
		t.Fatalf("expected root flag set")
	}
	if !v.IsLeaf() {
		t.Fatalf("expected leaf flag set")
	}
	if v.Num() != 0 {
		t.Fatalf("Num() = %d, want 0", v.Num())
	}
	if v.Self() != 7 {
		t.Fatalf("Self() = %d, want 7", v.Self())
	}
	if v.Status() != StatusUsed {
		t.Fatalf("Status() = %d, want StatusUsed", v.Status())
	}
	if v.Next() != 0 || v.Prev() != 0 {
		t.Fatalf("expected zeroed chain pointers on a fresh node")
	}
}

func TestDecodeRejectsUndersizedBuffer(t *testing.T) {
	g := geomFor(t, 4096, 8)
	if _, err := Decode(make([]byte, g.Size()-1), g); err == nil {
		t.Fatalf("expected error decoding undersized buffer")
	}
}

func TestInsertAtShiftsAndSetsPair(t *testing.T) {
	g := geomFor(t, 112, 8)
	buf := make([]byte, g.Size())
	v := NewZeroed(buf, g, 1, FlagLeaf, false)

	k := func(n byte) []byte { return []byte{0, 0, 0, 0, 0, 0, 0, n} }

	v.InsertAt(0, k(10), 100)
	v.InsertAt(1, k(30), 300)
	// insert in the middle, shifting 30 right
	v.InsertAt(1, k(20), 200)

	if v.Num() != 3 {
		t.Fatalf("Num() = %d, want 3", v.Num())
	}
	wantKeys := [][]byte{k(10), k(20), k(30)}
	wantItems := []uint32{100, 200, 300}
	for i := 0; i < 3; i++ {
		if string(v.Key(i)) != string(wantKeys[i]) {
			t.Fatalf("Key(%d) = %v, want %v", i, v.Key(i), wantKeys[i])
		}
		if v.Item(i) != wantItems[i] {
			t.Fatalf("Item(%d) = %d, want %d", i, v.Item(i), wantItems[i])
		}
	}
}

func TestRemoveAtCompacts(t *testing.T) {
	g := geomFor(t, 112, 8)
	buf := make([]byte, g.Size())
	v := NewZeroed(buf, g, 1, FlagLeaf, false)

	k := func(n byte) []byte { return []byte{0, 0, 0, 0, 0, 0, 0, n} }
	v.InsertAt(0, k(10), 1)
	v.InsertAt(1, k(20), 2)
	v.InsertAt(2, k(30), 3)

	v.RemoveAt(1)

	if v.Num() != 2 {
		t.Fatalf("Num() = %d, want 2", v.Num())
	}
	if string(v.Key(0)) != string(k(10)) || v.Item(0) != 1 {
		t.Fatalf("Key(0)/Item(0) wrong after removal")
	}
	if string(v.Key(1)) != string(k(30)) || v.Item(1) != 3 {
		t.Fatalf("Key(1)/Item(1) wrong after removal")
	}
}

func TestValidateCatchesSelfMismatchAndBadNum(t *testing.T) {
	g := geomFor(t, 112, 8)
	buf := make([]byte, g.Size())
	v := NewZeroed(buf, g, 5, FlagLeaf, false)

	if err := v.Validate(5); err != nil {
		t.Fatalf("Validate(5) on freshly formatted node: %v", err)
	}
	if err := v.Validate(6); err == nil {
		t.Fatalf("expected self-offset mismatch error")
	}

	v.SetNum(g.Fanout + 1)
	if err := v.Validate(5); err == nil {
		t.Fatalf("expected out-of-range num error")
	}
}

func TestSetRootAndSetLeafToggle(t *testing.T) {
	g := geomFor(t, 112, 8)
	buf := make([]byte, g.Size())
	v := NewZeroed(buf, g, 1, FlagInternal, false)

	if v.IsRoot() || v.IsLeaf() {
		t.Fatalf("freshly formatted internal non-root node should be neither")
	}
	v.SetRoot(true)
	v.SetLeaf(true)
	if !v.IsRoot() || !v.IsLeaf() {
		t.Fatalf("expected root and leaf flags set after SetRoot/SetLeaf")
	}
	v.SetRoot(false)
	v.SetLeaf(false)
	if v.IsRoot() || v.IsLeaf() {
		t.Fatalf("expected root and leaf flags cleared")
	}
}

func TestChainPointers(t *testing.T) {
	g := geomFor(t, 112, 8)
	buf := make([]byte, g.Size())
	v := NewZeroed(buf, g, 1, FlagLeaf, false)

	v.SetNext(42)
	v.SetPrev(7)
	if v.Next() != 42 {
		t.Fatalf("Next() = %d, want 42", v.Next())
	}
	if v.Prev() != 7 {
		t.Fatalf("Prev() = %d, want 7", v.Prev())
	}
}

func TestCompareKeys(t *testing.T) {
	a := make([]byte, 8)
	b := make([]byte, 8)
	keycodec.EncodeUint64(a, 1)
	keycodec.EncodeUint64(b, 2)
	if CompareKeys(keycodec.Uint64Codec{}, a, b) >= 0 {
		t.Fatalf("expected a < b")
	}
}
