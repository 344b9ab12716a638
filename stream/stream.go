// Package stream implements a length-delimited byte cursor used to encode
// and decode the fixed-width fields, strings and arrays that make up an RPC
// record.
package stream

import (
	"encoding/binary"
	"math"
)

// Stream wraps a byte buffer with a cursor, a read/write mode fixed at wrap
// time, and a monotonic truncated flag. Write mode may grow a buffer it owns;
// read mode never grows and sets truncated on overflow.
type Stream struct {
	buf       []byte
	used      int
	writing   bool
	owns      bool
	truncated bool
}

// NewWriter returns a Stream in write mode with an initial owned capacity.
func NewWriter(capacity int) *Stream {
	if capacity < 16 {
		capacity = 16
	}
	return &Stream{
		buf:     make([]byte, capacity),
		writing: true,
		owns:    true,
	}
}

// WrapWrite wraps buf for writing. The Stream does not own buf; on overflow
// it reallocates a new owned, power-of-two-sized buffer and copies what was
// written so far, exactly as WrapRead never does.
func WrapWrite(buf []byte) *Stream {
	return &Stream{buf: buf, writing: true, owns: false}
}

// WrapRead wraps buf for reading. Overflowing reads never grow the buffer;
// they set truncated instead.
func WrapRead(buf []byte) *Stream {
	return &Stream{buf: buf, used: 0, writing: false, owns: false}
}

// Good reports whether the Stream has not been truncated.
func (s *Stream) Good() bool { return !s.truncated }

// Used returns the number of bytes written (write mode) or the cursor
// position (read mode).
func (s *Stream) Used() int { return s.used }

// Size returns the capacity of the underlying buffer.
func (s *Stream) Size() int { return len(s.buf) }

// Remaining returns the number of unread/unwritten bytes left in the buffer.
func (s *Stream) Remaining() int { return len(s.buf) - s.used }

// Truncate marks the Stream truncated. Once set, all subsequent operations
// fail; only Reset clears the flag.
func (s *Stream) Truncate() { s.truncated = true }

// Bytes returns buf[:Used()]: the written bytes in write mode, or the
// already-consumed bytes in read mode.
func (s *Stream) Bytes() []byte { return s.buf[:s.used] }

// Reset rewinds the cursor to zero and clears the truncated flag, without
// reallocating and keeping the mode.
func (s *Stream) Reset() {
	s.used = 0
	s.truncated = false
}

// growForWrite ensures n more bytes fit, growing an owned buffer to the next
// power of two if necessary. A borrowed write buffer is promoted to an owned
// allocation on its first overflow.
func (s *Stream) growForWrite(n int) bool {
	need := s.used + n
	if need <= len(s.buf) {
		return true
	}
	if !s.writing {
		s.truncated = true
		return false
	}
	newSize := nextPow2(need)
	grown := make([]byte, newSize)
	copy(grown, s.buf[:s.used])
	s.buf = grown
	s.owns = true
	return true
}

func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// getBlock reserves and returns a writable slice of n bytes, advancing used.
func (s *Stream) getBlock(n int) []byte {
	if s.truncated {
		return nil
	}
	if s.writing {
		if !s.growForWrite(n) {
			return nil
		}
	} else if s.used+n > len(s.buf) {
		s.truncated = true
		return nil
	}
	b := s.buf[s.used : s.used+n]
	s.used += n
	return b
}

// GetBlock exposes getBlock for callers that need a raw reserved slice, such
// as the transport's pack buffers copying in a whole record.
func (s *Stream) GetBlock(n int) []byte { return s.getBlock(n) }

func (s *Stream) failed() bool { return s.truncated }

// Bool serializes a single byte, 0 or 1.
func (s *Stream) Bool(v *bool) {
	if s.writing {
		b := s.getBlock(1)
		if b == nil {
			return
		}
		if *v {
			b[0] = 1
		} else {
			b[0] = 0
		}
		return
	}
	b := s.getBlock(1)
	if b == nil {
		return
	}
	*v = b[0] != 0
}

// U8 serializes a uint8.
func (s *Stream) U8(v *uint8) {
	b := s.getBlock(1)
	if b == nil {
		return
	}
	if s.writing {
		b[0] = *v
	} else {
		*v = b[0]
	}
}

// I8 serializes an int8.
func (s *Stream) I8(v *int8) {
	var u uint8
	if s.writing {
		u = uint8(*v)
	}
	s.U8(&u)
	if !s.writing {
		*v = int8(u)
	}
}

// U16 serializes a little-endian uint16.
func (s *Stream) U16(v *uint16) {
	b := s.getBlock(2)
	if b == nil {
		return
	}
	if s.writing {
		binary.LittleEndian.PutUint16(b, *v)
	} else {
		*v = binary.LittleEndian.Uint16(b)
	}
}

// I16 serializes a little-endian int16.
func (s *Stream) I16(v *int16) {
	var u uint16
	if s.writing {
		u = uint16(*v)
	}
	s.U16(&u)
	if !s.writing {
		*v = int16(u)
	}
}

// U32 serializes a little-endian uint32.
func (s *Stream) U32(v *uint32) {
	b := s.getBlock(4)
	if b == nil {
		return
	}
	if s.writing {
		binary.LittleEndian.PutUint32(b, *v)
	} else {
		*v = binary.LittleEndian.Uint32(b)
	}
}

// I32 serializes a little-endian int32.
func (s *Stream) I32(v *int32) {
	var u uint32
	if s.writing {
		u = uint32(*v)
	}
	s.U32(&u)
	if !s.writing {
		*v = int32(u)
	}
}

// U64 serializes a little-endian uint64.
func (s *Stream) U64(v *uint64) {
	b := s.getBlock(8)
	if b == nil {
		return
	}
	if s.writing {
		binary.LittleEndian.PutUint64(b, *v)
	} else {
		*v = binary.LittleEndian.Uint64(b)
	}
}

// I64 serializes a little-endian int64.
func (s *Stream) I64(v *int64) {
	var u uint64
	if s.writing {
		u = uint64(*v)
	}
	s.U64(&u)
	if !s.writing {
		*v = int64(u)
	}
}

// F32 serializes a little-endian float32.
func (s *Stream) F32(v *float32) {
	var u uint32
	if s.writing {
		u = math.Float32bits(*v)
	}
	s.U32(&u)
	if !s.writing {
		*v = math.Float32frombits(u)
	}
}

// F64 serializes a little-endian float64.
func (s *Stream) F64(v *float64) {
	var u uint64
	if s.writing {
		u = math.Float64bits(*v)
	}
	s.U64(&u)
	if !s.writing {
		*v = math.Float64frombits(u)
	}
}

// Handle64 serializes a pointer-sized or enum-sized value coerced to uint64,
// the protocol's only width-normalization per the wire contract.
func (s *Stream) Handle64(v *uint64) { s.U64(v) }

// String serializes a {len:int32, bytes:len} variable-length string.
func (s *Stream) String(v *string) {
	if s.writing {
		n := int32(len(*v))
		s.I32(&n)
		if s.failed() {
			return
		}
		b := s.getBlock(len(*v))
		if b == nil {
			return
		}
		copy(b, *v)
		return
	}

	var n int32
	s.I32(&n)
	if s.failed() || n < 0 {
		s.truncated = true
		return
	}
	b := s.getBlock(int(n))
	if b == nil {
		return
	}
	*v = string(b)
}

// ByteArray encodes a raw byte slice as a homogeneous array of byte:
// {count:int32, byteLen:int32, bytes:byteLen}, with byteLen == count since
// sizeof(byte) == 1. On decode, byteLen != count is a protocol violation.
func (s *Stream) ByteArray(v *[]byte) {
	if s.writing {
		count := int32(len(*v))
		byteLen := count
		s.I32(&count)
		s.I32(&byteLen)
		if s.failed() {
			return
		}
		b := s.getBlock(len(*v))
		if b == nil {
			return
		}
		copy(b, *v)
		return
	}

	var count, byteLen int32
	s.I32(&count)
	s.I32(&byteLen)
	if s.failed() {
		return
	}
	if count < 0 || byteLen != count {
		s.truncated = true
		return
	}
	b := s.getBlock(int(byteLen))
	if b == nil {
		return
	}
	out := make([]byte, len(b))
	copy(out, b)
	*v = out
}

// U16Array encodes a homogeneous array of uint16:
// {count:int32, byteLen:int32, bytes:byteLen} with byteLen == count*2.
func (s *Stream) U16Array(v *[]uint16) {
	const elemSize = 2
	if s.writing {
		count := int32(len(*v))
		byteLen := count * elemSize
		s.I32(&count)
		s.I32(&byteLen)
		if s.failed() {
			return
		}
		b := s.getBlock(int(byteLen))
		if b == nil {
			return
		}
		for i, e := range *v {
			binary.LittleEndian.PutUint16(b[i*elemSize:], e)
		}
		return
	}

	var count, byteLen int32
	s.I32(&count)
	s.I32(&byteLen)
	if s.failed() {
		return
	}
	if count < 0 || byteLen != count*elemSize {
		s.truncated = true
		return
	}
	b := s.getBlock(int(byteLen))
	if b == nil {
		return
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*elemSize:])
	}
	*v = out
}
