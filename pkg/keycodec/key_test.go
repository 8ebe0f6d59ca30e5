package keycodec

import "testing"

func TestUint64CodecWidthAndName(t *testing.T) {
	c := Uint64Codec{}
	if c.Width() != 8 {
		t.Fatalf("Width() = %d, want 8", c.Width())
	}
	if c.Name() != "uint64" {
		t.Fatalf("Name() = %q, want uint64", c.Name())
	}
}

func TestUint64CodecCompare(t *testing.T) {
	a := make([]byte, 8)
	b := make([]byte, 8)
	EncodeUint64(a, 10)
	EncodeUint64(b, 20)

	if c := (Uint64Codec{}).Compare(a, b); c >= 0 {
		t.Fatalf("Compare(10, 20) = %d, want < 0", c)
	}
	if c := (Uint64Codec{}).Compare(b, a); c <= 0 {
		t.Fatalf("Compare(20, 10) = %d, want > 0", c)
	}
	if c := (Uint64Codec{}).Compare(a, a); c != 0 {
		t.Fatalf("Compare(10, 10) = %d, want 0", c)
	}
}

func TestEncodeDecodeUint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 42, 1 << 63, ^uint64(0)} {
		buf := make([]byte, 8)
		EncodeUint64(buf, v)
		if got := DecodeUint64(buf); got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
	}
}

func TestNewHashCodecAcceptsOnlyKnownWidths(t *testing.T) {
	for _, w := range []int{8, 16, 20, 32} {
		c, err := NewHashCodec(w)
		if err != nil {
			t.Fatalf("NewHashCodec(%d): %v", w, err)
		}
		if c.Width() != w {
			t.Fatalf("Width() = %d, want %d", c.Width(), w)
		}
	}

	for _, w := range []int{0, 1, 7, 24, 64} {
		if _, err := NewHashCodec(w); err == nil {
			t.Fatalf("NewHashCodec(%d): expected error", w)
		}
	}
}

func TestHashCodecCompareIsLexicographic(t *testing.T) {
	c, err := NewHashCodec(8)
	if err != nil {
		t.Fatalf("NewHashCodec: %v", err)
	}
	low := []byte{0x00, 0xFF, 0, 0, 0, 0, 0, 0}
	high := []byte{0x01, 0x00, 0, 0, 0, 0, 0, 0}
	if c.Compare(low, high) >= 0 {
		t.Fatalf("expected low < high under memcmp order")
	}
	if c.Compare(high, low) <= 0 {
		t.Fatalf("expected high > low under memcmp order")
	}
	if c.Compare(low, low) != 0 {
		t.Fatalf("expected equal keys to compare 0")
	}
}

func TestHashCodecName(t *testing.T) {
	c, err := NewHashCodec(20)
	if err != nil {
		t.Fatalf("NewHashCodec: %v", err)
	}
	if c.Name() != "hash20" {
		t.Fatalf("Name() = %q, want hash20", c.Name())
	}
}
