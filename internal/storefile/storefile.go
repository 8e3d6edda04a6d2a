// Package storefile implements the store-file codec (§4.4, C4): a
// self-describing container for one file version, with a block index
// enabling unchanged re-uploads to be re-expressed as references into a
// prior version instead of inlined data. No original_source file for
// this component survived distillation (boxbackup's BackupStoreFile.{h,cpp}
// are not present in the retrieval pack), so the wire layout below is
// built directly from spec §4.4; the weak/strong checksum block-match
// scheme follows the same rsync-style approach described in
// other_examples' syncthing protocol notes (block size table, strong
// checksum confirmation of a weak-checksum hit), adapted to this
// store's explicit index-of-descriptors container instead of a
// database-backed block list.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package storefile

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const magic uint32 = 0x53464c31 // "SFL1"

var (
	ErrBadMagic          = errors.New("storefile: bad magic")
	ErrHmacMismatch      = errors.New("storefile: hmac mismatch")
	ErrMissingBase        = errors.New("storefile: delta references a missing base version")
	ErrChecksumMismatch  = errors.New("storefile: block checksum mismatch")
	ErrAlreadyDelta       = errors.New("storefile: base is already a delta; reverse it before re-delta")
)

// Block descriptor flags.
const (
	BlockInline uint8 = 1 << iota
	BlockReference
)

// BlockDescriptor is one entry of the block index (§4.4).
type BlockDescriptor struct {
	SizeOnWire     uint32
	WeakChecksum   uint32
	StrongChecksum [16]byte
	Flags          uint8
	// RefBlock is only meaningful when Flags&BlockReference is set: the
	// index of the block in the prior version this one is identical to.
	RefBlock uint32
}

const descriptorSize = 4 + 4 + 16 + 1 + 4

// Header precedes the block index.
type Header struct {
	TotalSize       uint64
	IV              [16]byte
	DependsOlder    int64 // 0 if this version is not a delta
	DependsNewer    int64 // 0 if no newer version depends on this one
}

const headerSize = 8 + 16 + 8 + 8

// StoredObject is a fully decoded container: header, index, and (for
// inline blocks) their data, keyed by position in Index. Encode fills
// InlineData with plaintext; storectx encrypts it with CryptBlock before
// WriteTo, and ReadFrom returns it as stored (ciphertext) for Decode to
// decrypt.
type StoredObject struct {
	Header     Header
	Index      []BlockDescriptor
	InlineData [][]byte // parallel to Index; nil entries are BlockReference
}

// deriveKey expands secret+iv into a 32-byte ChaCha20 key via HKDF-SHA256,
// binding the key to this specific object so no two objects reuse a
// keystream even when the account secret is shared across many versions.
func deriveKey(secret []byte, iv [16]byte) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, secret, iv[:], []byte("boxstore-storefile"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// CryptBlock applies the same ChaCha20 keystream cryptStream uses,
// exported for callers (storectx) that need to encrypt a block before
// WriteTo or decrypt one read outside of Decode — e.g. to recover
// plaintext from a base version's inline blocks for a new delta's
// weak/strong checksum match.
func CryptBlock(secret []byte, iv [16]byte, data []byte) ([]byte, error) {
	return cryptStream(secret, iv, data)
}

func cryptStream(secret []byte, iv [16]byte, data []byte) ([]byte, error) {
	key, err := deriveKey(secret, iv)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20.NonceSize]byte
	copy(nonce[:], iv[:chacha20.NonceSize])
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.XORKeyStream(out, data)
	return out, nil
}

// weakChecksum is the rsync-style rolling checksum: two 16-bit sums
// combined into one 32-bit value, allowing O(1) recomputation as the
// window slides by one byte (see roll).
type weakChecksum struct {
	a, b  uint32
	n     uint32
	first byte
	data  []byte
	off   int
}

func newWeakChecksum(block []byte) weakChecksum {
	var a, b uint32
	n := uint32(len(block))
	for i, c := range block {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	return weakChecksum{a: a, b: b, n: n}
}

func (w weakChecksum) value() uint32 { return (w.b << 16) | (w.a & 0xffff) }

// roll advances the window by one byte: out leaves, in enters.
func (w weakChecksum) roll(out, in byte) weakChecksum {
	a := w.a - uint32(out) + uint32(in)
	b := w.b - w.n*uint32(out) + a
	return weakChecksum{a: a, b: b, n: w.n}
}

func strongChecksum(block []byte) [16]byte { return md5.Sum(block) }

// Encode splits input into consecutive blockSize-byte blocks (the last
// one may be shorter) and produces a StoredObject. If priorIndex is
// non-nil, each block's weak checksum is looked up among the prior
// version's descriptors and a hit is confirmed by strong checksum (and by
// the bytes themselves when priorBlocks is given); confirmed blocks become
// BlockReference descriptors instead of inlined data (§4.4). Matching
// happens only at these block-aligned offsets: the weak checksum window is
// not rolled across input, so content shifted by an insertion or deletion
// is not matched.
func Encode(input []byte, blockSize int, priorIndex []BlockDescriptor, priorBlocks [][]byte) (*StoredObject, error) {
	if blockSize <= 0 {
		blockSize = 4096
	}
	var iv [16]byte
	if _, err := readRandom(iv[:]); err != nil {
		return nil, err
	}

	priorByWeak := make(map[uint32][]int)
	for i, d := range priorIndex {
		priorByWeak[d.WeakChecksum] = append(priorByWeak[d.WeakChecksum], i)
	}

	obj := &StoredObject{Header: Header{TotalSize: uint64(len(input)), IV: iv}}
	pos := 0
	for pos < len(input) {
		end := pos + blockSize
		if end > len(input) {
			end = len(input)
		}
		block := input[pos:end]

		if ref, ok := matchPrior(block, priorByWeak, priorIndex, priorBlocks); ok {
			obj.Index = append(obj.Index, BlockDescriptor{
				SizeOnWire:     priorIndex[ref].SizeOnWire,
				WeakChecksum:   priorIndex[ref].WeakChecksum,
				StrongChecksum: priorIndex[ref].StrongChecksum,
				Flags:          BlockReference,
				RefBlock:       uint32(ref),
			})
			obj.InlineData = append(obj.InlineData, nil)
		} else {
			obj.Index = append(obj.Index, BlockDescriptor{
				SizeOnWire:     uint32(len(block)),
				WeakChecksum:   newWeakChecksum(block).value(),
				StrongChecksum: strongChecksum(block),
				Flags:          BlockInline,
			})
			obj.InlineData = append(obj.InlineData, append([]byte(nil), block...))
		}
		pos = end
	}
	return obj, nil
}

func matchPrior(block []byte, byWeak map[uint32][]int, priorIndex []BlockDescriptor, priorBlocks [][]byte) (int, bool) {
	w := newWeakChecksum(block).value()
	candidates, ok := byWeak[w]
	if !ok {
		return 0, false
	}
	s := strongChecksum(block)
	for _, idx := range candidates {
		if priorIndex[idx].StrongChecksum == s {
			if priorBlocks != nil && idx < len(priorBlocks) && !bytes.Equal(priorBlocks[idx], block) {
				continue // strong-checksum collision; verify full bytes when available
			}
			return idx, true
		}
	}
	return 0, false
}

// EncodeFull is a convenience wrapper for the common case of no prior
// version (a full, non-delta upload).
func EncodeFull(input []byte, blockSize int) (*StoredObject, error) {
	return Encode(input, blockSize, nil, nil)
}

// Decode reconstitutes the full plaintext of obj. resolveReference is
// called for BlockReference descriptors to fetch the referenced block's
// plaintext from the prior version (walking depends_on_older if needed);
// it is nil for objects known to carry no references.
func Decode(obj *StoredObject, secret []byte, resolveReference func(refBlock uint32) ([]byte, error)) ([]byte, error) {
	out := make([]byte, 0, obj.Header.TotalSize)
	for i, d := range obj.Index {
		var plain []byte
		switch {
		case d.Flags&BlockInline != 0:
			enc := obj.InlineData[i]
			var err error
			plain, err = cryptStream(secret, obj.Header.IV, enc)
			if err != nil {
				return nil, err
			}
		case d.Flags&BlockReference != 0:
			if resolveReference == nil {
				return nil, ErrMissingBase
			}
			var err error
			plain, err = resolveReference(d.RefBlock)
			if err != nil {
				return nil, err
			}
		default:
			return nil, errors.New("storefile: block descriptor has neither inline nor reference flag set")
		}
		if strongChecksum(plain) != d.StrongChecksum {
			return nil, ErrChecksumMismatch
		}
		out = append(out, plain...)
	}
	return out, nil
}

// ExtractBlockIndex returns just obj's index, for
// QueryGetBlockIndexByID-style requests that don't need block data.
func ExtractBlockIndex(obj *StoredObject) []BlockDescriptor {
	out := make([]BlockDescriptor, len(obj.Index))
	copy(out, obj.Index)
	return out
}

// MergeDelta re-materialises a delta version into a full object by
// resolving every BlockReference against base's inline blocks,
// encrypting the recovered plaintext under the delta's own IV and
// secret. Used during dependency-chain reversal (§4.4: "no more than one
// level of indirection is used at any time").
func MergeDelta(base, delta *StoredObject, secret []byte) (*StoredObject, error) {
	resolve := func(refBlock uint32) ([]byte, error) {
		if int(refBlock) >= len(base.Index) {
			return nil, ErrMissingBase
		}
		d := base.Index[refBlock]
		if d.Flags&BlockReference != 0 {
			return nil, ErrAlreadyDelta
		}
		return cryptStream(secret, base.Header.IV, base.InlineData[refBlock])
	}
	merged := &StoredObject{
		Header: Header{TotalSize: delta.Header.TotalSize, IV: delta.Header.IV},
	}
	for i, d := range delta.Index {
		var plain []byte
		var err error
		if d.Flags&BlockReference != 0 {
			plain, err = resolve(d.RefBlock)
		} else {
			plain, err = cryptStream(secret, delta.Header.IV, delta.InlineData[i])
		}
		if err != nil {
			return nil, err
		}
		enc, err := cryptStream(secret, merged.Header.IV, plain)
		if err != nil {
			return nil, err
		}
		merged.Index = append(merged.Index, BlockDescriptor{
			SizeOnWire:     uint32(len(enc)),
			WeakChecksum:   newWeakChecksum(plain).value(),
			StrongChecksum: strongChecksum(plain),
			Flags:          BlockInline,
		})
		merged.InlineData = append(merged.InlineData, enc)
	}
	return merged, nil
}

// WriteTo serialises obj to w: magic, header, index, HMAC(magic||header||index), then
// the concatenation of inline block data, the whole container passed
// through a zstd frame (§4.4's "block-data region" carried compressed at
// rest; the inline data is already ChaCha20-ciphertext by the time
// storectx calls WriteTo, so compression here mainly pays for itself on
// the header/index region, matching the whole-frame compression other
// store-protocols in the corpus apply before transfer). Readers must
// validate the HMAC before trusting the index (§4.4).
func (obj *StoredObject) WriteTo(w io.Writer, hmacKey []byte) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, magic); err != nil {
		return err
	}
	if err := writeHeader(&buf, obj.Header); err != nil {
		return err
	}
	if err := writeIndex(&buf, obj.Index); err != nil {
		return err
	}
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(buf.Bytes())
	sum := mac.Sum(nil)
	buf.Write(sum)
	for i, d := range obj.Index {
		if d.Flags&BlockInline != 0 {
			buf.Write(obj.InlineData[i])
		}
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "storefile: opening zstd frame")
	}
	if _, err := enc.Write(buf.Bytes()); err != nil {
		enc.Close()
		return errors.Wrap(err, "storefile: compressing container")
	}
	return enc.Close()
}

func writeHeader(buf *bytes.Buffer, h Header) error {
	if err := binary.Write(buf, binary.BigEndian, h.TotalSize); err != nil {
		return err
	}
	if _, err := buf.Write(h.IV[:]); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, h.DependsOlder); err != nil {
		return err
	}
	return binary.Write(buf, binary.BigEndian, h.DependsNewer)
}

func writeIndex(buf *bytes.Buffer, index []BlockDescriptor) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(index))); err != nil {
		return err
	}
	for _, d := range index {
		if err := binary.Write(buf, binary.BigEndian, d.SizeOnWire); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, d.WeakChecksum); err != nil {
			return err
		}
		if _, err := buf.Write(d.StrongChecksum[:]); err != nil {
			return err
		}
		if err := buf.WriteByte(d.Flags); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, d.RefBlock); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom parses a container previously written by WriteTo, validating
// its HMAC before returning the index or block data.
func ReadFrom(wireReader io.Reader, hmacKey []byte) (*StoredObject, error) {
	dec, err := zstd.NewReader(wireReader)
	if err != nil {
		return nil, errors.Wrap(err, "storefile: opening zstd frame")
	}
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	if err != nil {
		return nil, errors.Wrap(err, "storefile: decompressing container")
	}
	r := bytes.NewReader(plain)

	var m uint32
	if err := binary.Read(r, binary.BigEndian, &m); err != nil {
		return nil, err
	}
	if m != magic {
		return nil, ErrBadMagic
	}
	var h Header
	if err := readHeader(r, &h); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	index := make([]BlockDescriptor, count)
	for i := range index {
		if err := readDescriptor(r, &index[i]); err != nil {
			return nil, err
		}
	}

	var gotSum [sha256.Size]byte
	if _, err := io.ReadFull(r, gotSum[:]); err != nil {
		return nil, err
	}

	// recompute over magic+header+index to verify, matching the layout WriteTo hashed
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, magic)
	writeHeader(&buf, h)
	writeIndex(&buf, index)
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(buf.Bytes())
	want := mac.Sum(nil)
	if !hmac.Equal(want, gotSum[:]) {
		return nil, ErrHmacMismatch
	}

	obj := &StoredObject{Header: h, Index: index, InlineData: make([][]byte, len(index))}
	for i, d := range index {
		if d.Flags&BlockInline != 0 {
			data := make([]byte, d.SizeOnWire)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}
			obj.InlineData[i] = data
		}
	}
	return obj, nil
}

func readHeader(r io.Reader, h *Header) error {
	if err := binary.Read(r, binary.BigEndian, &h.TotalSize); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, h.IV[:]); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &h.DependsOlder); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &h.DependsNewer)
}

func readDescriptor(r io.Reader, d *BlockDescriptor) error {
	if err := binary.Read(r, binary.BigEndian, &d.SizeOnWire); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &d.WeakChecksum); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, d.StrongChecksum[:]); err != nil {
		return err
	}
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return err
	}
	d.Flags = flag[0]
	return binary.Read(r, binary.BigEndian, &d.RefBlock)
}
