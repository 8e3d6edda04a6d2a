package protocol

import "testing"

func TestSizeTableBoundaries(t *testing.T) {
	cases := []struct {
		header byte
		want   int
	}{
		{0, 0},
		{1, 1},
		{64, 64},
		{96, 64 + 32*8},
		{streamHdrMaxEncodedVal, maxFixedChunk},
		{streamHdrSizeIs64k, sizeIs64kSize},
	}
	for _, c := range cases {
		got, err := sizeForHeader(c.header)
		if err != nil {
			t.Fatalf("sizeForHeader(%d): %v", c.header, err)
		}
		if got != c.want {
			t.Errorf("sizeForHeader(%d) = %d, want %d", c.header, got, c.want)
		}
	}
}

func TestSizeTableMonotone(t *testing.T) {
	for i := 1; i < streamHdrMaxEncodedVal; i++ {
		if sizeTable[i+1] <= sizeTable[i] {
			t.Fatalf("sizeTable not strictly increasing at %d: %d <= %d", i, sizeTable[i+1], sizeTable[i])
		}
	}
}

func TestSizeTableReservedHeaders(t *testing.T) {
	for _, h := range []byte{streamHdrReserved1, streamHdrReserved2} {
		if _, err := sizeForHeader(h); err != ErrBadStreamHeader {
			t.Errorf("sizeForHeader(%d) = _, %v, want ErrBadStreamHeader", h, err)
		}
	}
}

func TestHeaderForSizeRoundTrip(t *testing.T) {
	for n := 1; n <= maxFixedChunk; n *= 3 {
		h, size := headerForSize(n)
		if size > n {
			t.Fatalf("headerForSize(%d) picked size %d > n", n, size)
		}
		got, err := sizeForHeader(h)
		if err != nil || got != size {
			t.Fatalf("sizeForHeader(headerForSize(%d)) mismatch: %d, %v", n, got, err)
		}
	}
}
