package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/boxstore/store/internal/memsys"
	"github.com/boxstore/store/internal/transport"
)

const (
	// DefaultTimeout is PROTOCOL_DEFAULT_TIMEOUT (15 min), the default
	// per-operation deadline (§4.2 "Concurrency contract").
	DefaultTimeout = 15 * time.Minute
	// DefaultMaxObjectSize is PROTOCOL_DEFAULT_MAXOBJSIZE (16 KiB).
	DefaultMaxObjectSize = 16 * 1024

	handshakeLen = 32

	streamFrameTag = 0xFFFFFFFF
	frameHeaderLen = 8 // u32 frame_size + u32 object_type
)

// Connection is the per-socket C2 runtime sitting on top of a C1
// transport.Conn: handshake, object frames, and uncertain/fixed-size
// stream frames, single-threaded and strictly serial per §4.2's
// "Concurrency contract".
type Connection struct {
	conn          *transport.Conn
	timeout       time.Duration
	maxObjectSize uint32
	identity      string

	handshaken    bool
	streamPending bool // a stream frame was announced but not fully drained
}

// NewConnection wraps an authenticated transport.Conn. identity is this
// side's 32-byte (or shorter, zero-padded) handshake string; both peers
// must send and compare equal strings, or the exchange fails with
// ErrHandshakeFailed.
func NewConnection(c *transport.Conn, identity string, maxObjectSize uint32, timeout time.Duration) *Connection {
	if maxObjectSize == 0 {
		maxObjectSize = DefaultMaxObjectSize
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Connection{conn: c, timeout: timeout, maxObjectSize: maxObjectSize, identity: identity}
}

// Handshake exchanges the fixed 32-byte identity string. It is normally
// invoked lazily by SendObject/ReceiveObject on first use, but callers
// may call it explicitly to surface ErrHandshakeFailed eagerly.
func (c *Connection) Handshake() error {
	if c.handshaken {
		return nil
	}
	var out [handshakeLen]byte
	copy(out[:], c.identity)

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := c.conn.Write(out[:], c.timeout)
		writeErrCh <- err
	}()

	var in [handshakeLen]byte
	if err := readFull(c.conn, in[:], c.timeout); err != nil {
		<-writeErrCh
		return errors.Join(ErrHandshakeFailed, err)
	}
	if err := <-writeErrCh; err != nil {
		return errors.Join(ErrHandshakeFailed, err)
	}
	if !bytes.Equal(out[:], in[:]) {
		return ErrHandshakeFailed
	}
	c.handshaken = true
	return nil
}

func readFull(c *transport.Conn, buf []byte, deadline time.Duration) error {
	var deadlineAt time.Time
	if deadline > 0 {
		deadlineAt = time.Now().Add(deadline)
	}
	total := 0
	for total < len(buf) {
		remaining := time.Duration(0)
		if !deadlineAt.IsZero() {
			remaining = time.Until(deadlineAt)
			if remaining <= 0 {
				return ErrTimeout
			}
		}
		n, err := c.Read(buf[total:], remaining)
		if n == 0 && err == nil {
			return io.ErrUnexpectedEOF
		}
		total += n
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return ErrTimeout
			}
			return err
		}
	}
	return nil
}

// SendObject encodes msg and writes it as an object frame. Payloads
// larger than the connection's configured maximum fail with
// ErrObjectTooBig without writing anything.
func (c *Connection) SendObject(msg Message) error {
	if err := c.Handshake(); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := msg.WriteTo(NewWriter(&body)); err != nil {
		return err
	}
	if uint32(body.Len()) > c.maxObjectSize {
		return ErrObjectTooBig
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(frameHeaderLen+body.Len()))
	binary.BigEndian.PutUint32(hdr[4:8], msg.Tag())

	frame := make([]byte, 0, frameHeaderLen+body.Len())
	frame = append(frame, hdr[:]...)
	frame = append(frame, body.Bytes()...)
	if _, err := c.conn.Write(frame, c.timeout); err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return ErrTimeout
		}
		return err
	}
	return nil
}

// ReceiveObject reads the next frame, which must be an object frame (a
// stream frame here fails with ErrStreamWhenObjectExpected), and decodes
// it via reg.
func (c *Connection) ReceiveObject(reg Registry) (Message, error) {
	if err := c.Handshake(); err != nil {
		return nil, err
	}
	if c.streamPending {
		return nil, ErrStreamNotFullyConsumed
	}
	frameSize, tag, err := c.readFrameHeader()
	if err != nil {
		return nil, err
	}
	if tag == streamFrameTag {
		return nil, ErrStreamWhenObjectExpected
	}
	if frameSize < frameHeaderLen || frameSize-frameHeaderLen > c.maxObjectSize {
		return nil, ErrObjectTooBig
	}
	payload := make([]byte, frameSize-frameHeaderLen)
	if err := readFull(c.conn, payload, c.timeout); err != nil {
		return nil, err
	}
	factory, ok := reg[tag]
	if !ok {
		return nil, ErrUnknownCommand
	}
	msg := factory()
	if err := msg.ReadFrom(NewReader(bytes.NewReader(payload))); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Connection) readFrameHeader() (frameSize, tag uint32, err error) {
	var hdr [frameHeaderLen]byte
	if err = readFull(c.conn, hdr[:], c.timeout); err != nil {
		return 0, 0, err
	}
	frameSize = binary.BigEndian.Uint32(hdr[0:4])
	tag = binary.BigEndian.Uint32(hdr[4:8])
	return
}

// SendFixedStream announces and transfers an exact-length byte stream
// verbatim, as a single stream frame whose frame_size encodes the byte
// count (§4.2 "A fixed-size stream...").
func (c *Connection) SendFixedStream(r io.Reader, size int64) error {
	if err := c.Handshake(); err != nil {
		return err
	}
	if size < 0 || size > int64(^uint32(0))-frameHeaderLen {
		return fmt.Errorf("protocol: stream size %d out of range", size)
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(size)+frameHeaderLen)
	binary.BigEndian.PutUint32(hdr[4:8], streamFrameTag)
	if _, err := c.conn.Write(hdr[:], c.timeout); err != nil {
		return mapConnErr(err)
	}
	return c.copyStream(r, size)
}

// SendStream announces and transfers a byte stream of unknown total
// length, self-delimited into chunks per the SIZE_TABLE scheme of §4.2.
func (c *Connection) SendStream(r io.Reader) error {
	if err := c.Handshake(); err != nil {
		return err
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], streamFrameTag) // size = 0xFFFFFFFF (uncertain)
	binary.BigEndian.PutUint32(hdr[4:8], streamFrameTag)
	if _, err := c.conn.Write(hdr[:], c.timeout); err != nil {
		return mapConnErr(err)
	}

	buf := memsys.Default().Alloc(maxFixedChunk)
	defer memsys.Default().Free(buf)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if werr := c.writeChunk(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return c.writeChunkHeader(streamHdrEndOfStream)
}

func (c *Connection) writeChunk(data []byte) error {
	for len(data) > 0 {
		header, size := headerForSize(len(data))
		if size == 0 {
			size = len(data)
			if size > sizeIs64kSize {
				size = sizeIs64kSize
			}
			header = streamHdrSizeIs64k
		}
		if size > len(data) {
			size = len(data)
		}
		if err := c.writeChunkHeader(header); err != nil {
			return err
		}
		if _, err := c.conn.Write(data[:size], c.timeout); err != nil {
			return mapConnErr(err)
		}
		data = data[size:]
	}
	return nil
}

func (c *Connection) writeChunkHeader(h byte) error {
	_, err := c.conn.Write([]byte{h}, c.timeout)
	return mapConnErr(err)
}

func (c *Connection) copyStream(r io.Reader, size int64) error {
	buf := memsys.Default().Alloc(32 * 1024)
	defer memsys.Default().Free(buf)
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(r, buf[:n])
		if read > 0 {
			if _, werr := c.conn.Write(buf[:read], c.timeout); werr != nil {
				return mapConnErr(werr)
			}
			remaining -= int64(read)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func mapConnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrTimeout) {
		return ErrTimeoutSendingStream
	}
	return err
}

// ReceiveStream reads the next frame, which must be a stream frame (an
// object frame here fails with ErrObjectWhenStreamExpected), and returns
// an io.Reader over its payload. The reader must be fully drained before
// any further frame is read (§4.2 "Ordering").
func (c *Connection) ReceiveStream() (io.Reader, error) {
	if err := c.Handshake(); err != nil {
		return nil, err
	}
	if c.streamPending {
		return nil, ErrStreamNotFullyConsumed
	}
	frameSize, tag, err := c.readFrameHeader()
	if err != nil {
		return nil, err
	}
	if tag != streamFrameTag {
		return nil, ErrObjectWhenStreamExpected
	}
	c.streamPending = true
	if frameSize == streamFrameTag {
		return &uncertainStreamReader{c: c}, nil
	}
	if frameSize < frameHeaderLen {
		c.streamPending = false
		return nil, ErrBadStreamHeader
	}
	return &fixedStreamReader{c: c, remaining: int64(frameSize - frameHeaderLen)}, nil
}

type fixedStreamReader struct {
	c         *Connection
	remaining int64
}

func (s *fixedStreamReader) Read(p []byte) (int, error) {
	if s.remaining <= 0 {
		s.c.streamPending = false
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.c.conn.Read(p, s.c.timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return n, ErrTimeout
		}
		return n, err
	}
	s.remaining -= int64(n)
	if s.remaining == 0 {
		s.c.streamPending = false
	}
	return n, nil
}

type uncertainStreamReader struct {
	c        *Connection
	chunkLeft int
	done      bool
}

func (s *uncertainStreamReader) Read(p []byte) (int, error) {
	if s.done {
		return 0, io.EOF
	}
	if s.chunkLeft == 0 {
		var hb [1]byte
		if err := readFull(s.c.conn, hb[:], s.c.timeout); err != nil {
			return 0, err
		}
		size, err := sizeForHeader(hb[0])
		if err != nil {
			return 0, err
		}
		if hb[0] == streamHdrEndOfStream {
			s.done = true
			s.c.streamPending = false
			return 0, io.EOF
		}
		s.chunkLeft = size
	}
	if len(p) > s.chunkLeft {
		p = p[:s.chunkLeft]
	}
	n, err := s.c.conn.Read(p, s.c.timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return n, ErrTimeout
		}
		return n, err
	}
	s.chunkLeft -= n
	return n, nil
}
