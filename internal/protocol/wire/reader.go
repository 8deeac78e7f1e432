package wire

import (
	"encoding/binary"
	"math"
)

// Reader reads message fields from a payload. Reads past the end of the
// buffer return zero values and set the truncated flag instead of failing
// mid-field; callers check Truncated() once after decoding.
type Reader struct {
	data      []byte
	off       int
	truncated bool
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadU8 reads 1 byte.
func (r *Reader) ReadU8() byte {
	if r.off >= len(r.data) {
		r.truncated = true
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *Reader) ReadBool() bool {
	return r.ReadU8() != 0
}

// ReadU16 reads 2 bytes as little-endian uint16.
func (r *Reader) ReadU16() uint16 {
	if r.off+2 > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadU32 reads 4 bytes as little-endian uint32.
func (r *Reader) ReadU32() uint32 {
	if r.off+4 > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// ReadU64 reads 8 bytes as little-endian uint64.
func (r *Reader) ReadU64() uint64 {
	if r.off+8 > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *Reader) ReadI64() int64 {
	return int64(r.ReadU64())
}

func (r *Reader) ReadF32() float32 {
	return math.Float32frombits(r.ReadU32())
}

func (r *Reader) ReadF64() float64 {
	return math.Float64frombits(r.ReadU64())
}

// ReadString reads a uint16-length-prefixed UTF-8 string.
func (r *Reader) ReadString() string {
	n := int(r.ReadU16())
	if r.off+n > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return ""
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s
}

// ReadBytes reads a uint16-length-prefixed byte block. The returned slice
// is copied, so it stays valid after the underlying buffer is reused.
func (r *Reader) ReadBytes() []byte {
	n := int(r.ReadU16())
	if r.off+n > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b
}

// Remaining reports how many undecoded bytes are left.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Truncated reports whether any read ran past the end of the payload.
func (r *Reader) Truncated() bool {
	return r.truncated
}
