package protocol

// sizeTable is SIZE_TABLE from §4.2: for a stream-frame chunk header byte
// in [1, 252], sizeTable[header] gives the exact payload length that
// follows. It must match the original implementation byte-for-byte since
// both peers of a connection agree on it without exchanging it, so it is
// generated here by the exact same stepped-increment rule as the
// reference table (original_source/lib/server/Protocol.cpp), rather than
// hand-copied.
var sizeTable = buildSizeTable()

func buildSizeTable() [256]uint16 {
	var t [256]uint16
	length := 0
	for i := 0; i < 256; i++ {
		t[i] = uint16(length)
		inc := 1
		switch {
		case i >= 231:
			inc = 1024
		case i >= 159:
			inc = 512
		case i >= 147:
			inc = 256
		case i >= 135:
			inc = 128
		case i >= 128:
			inc = 64
		case i >= 112:
			inc = 32
		case i >= 96:
			inc = 16
		case i >= 64:
			inc = 8
		}
		length += inc
	}
	return t
}

// Chunk header byte meanings (§4.2).
const (
	streamHdrEndOfStream   = 0
	streamHdrMaxEncodedVal = 252
	streamHdrSizeIs64k     = 253
	streamHdrReserved1     = 254
	streamHdrReserved2     = 255

	// maxFixedChunk is the largest payload encodable with a single
	// header byte in [1, 252]; requests larger than this within one
	// chunk use header 253 (exactly 65536 bytes) or are split.
	maxFixedChunk = 64512
	sizeIs64kSize = 65536
)

// sizeForHeader returns the payload length implied by header, or an error
// for header values 254/255 which are reserved.
func sizeForHeader(header byte) (int, error) {
	switch {
	case header == streamHdrEndOfStream:
		return 0, nil
	case header <= streamHdrMaxEncodedVal:
		return int(sizeTable[header]), nil
	case header == streamHdrSizeIs64k:
		return sizeIs64kSize, nil
	default:
		return 0, ErrBadStreamHeader
	}
}

// headerForSize picks the largest encodable chunk size <= n, returning
// its header byte and exact size. Used by the stream-frame writer to pick
// chunk boundaries for an uncertain-size stream (§4.2).
func headerForSize(n int) (header byte, size int) {
	if n >= sizeIs64kSize {
		return streamHdrSizeIs64k, sizeIs64kSize
	}
	for h := streamHdrMaxEncodedVal; h > 0; h-- {
		if int(sizeTable[h]) <= n {
			return byte(h), int(sizeTable[h])
		}
	}
	return 0, 0
}
