package stream

import (
	"math"
	"testing"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	w := NewWriter(4)

	u8 := uint8(0xAB)
	i16 := int16(-1234)
	u32 := uint32(0xDEADBEEF)
	i64 := int64(-9_000_000_000)
	f32 := float32(3.5)
	f64 := 2.25
	b := true

	w.U8(&u8)
	w.I16(&i16)
	w.U32(&u32)
	w.I64(&i64)
	w.F32(&f32)
	w.F64(&f64)
	w.Bool(&b)

	if !w.Good() {
		t.Fatalf("write unexpectedly truncated")
	}

	r := WrapRead(w.Bytes())

	var (
		ru8  uint8
		ri16 int16
		ru32 uint32
		ri64 int64
		rf32 float32
		rf64 float64
		rb   bool
	)
	r.U8(&ru8)
	r.I16(&ri16)
	r.U32(&ru32)
	r.I64(&ri64)
	r.F32(&rf32)
	r.F64(&rf64)
	r.Bool(&rb)

	if !r.Good() {
		t.Fatalf("read unexpectedly truncated")
	}
	if ru8 != u8 || ri16 != i16 || ru32 != u32 || ri64 != i64 || rf32 != f32 || rf64 != f64 || rb != b {
		t.Fatalf("round trip mismatch: got %v %v %v %v %v %v %v", ru8, ri16, ru32, ri64, rf32, rf64, rb)
	}
	if r.Used() != w.Used() {
		t.Fatalf("used mismatch: read %d write %d", r.Used(), w.Used())
	}
}

func TestStringRoundTrip(t *testing.T) {
	w := NewWriter(4)
	in := "hello, sphynx"
	w.String(&in)
	if !w.Good() {
		t.Fatalf("write truncated")
	}

	r := WrapRead(w.Bytes())
	var out string
	r.String(&out)
	if !r.Good() || out != in {
		t.Fatalf("got %q, want %q (good=%v)", out, in, r.Good())
	}
}

func TestByteArrayRoundTrip(t *testing.T) {
	w := NewWriter(4)
	in := []byte{1, 2, 3, 4, 5}
	w.ByteArray(&in)

	r := WrapRead(w.Bytes())
	var out []byte
	r.ByteArray(&out)
	if !r.Good() {
		t.Fatalf("read truncated")
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestByteArrayLengthMismatchTruncates(t *testing.T) {
	w := NewWriter(16)
	count := int32(4)
	byteLen := int32(3) // deliberately inconsistent with count
	w.I32(&count)
	w.I32(&byteLen)
	raw := []byte{9, 9, 9}
	block := w.GetBlock(len(raw))
	copy(block, raw)

	r := WrapRead(w.Bytes())
	var out []byte
	r.ByteArray(&out)
	if r.Good() {
		t.Fatalf("expected truncated stream on byteLen != count*sizeof(T)")
	}
}

func TestReadOverflowSetsTruncatedAndIsMonotonic(t *testing.T) {
	r := WrapRead([]byte{1, 2})
	var a, b uint32
	r.U32(&a)
	if r.Good() {
		t.Fatalf("expected truncation reading 4 bytes from a 2-byte buffer")
	}
	r.U32(&b)
	if r.Good() {
		t.Fatalf("truncated flag must be monotonic")
	}
}

func TestWrapWritePromotesBorrowedBufferOnOverflow(t *testing.T) {
	small := make([]byte, 2)
	w := WrapWrite(small)

	v := uint32(0x11223344)
	w.U32(&v)
	if !w.Good() {
		t.Fatalf("write should have grown instead of truncating")
	}
	if w.Used() != 4 {
		t.Fatalf("used = %d, want 4", w.Used())
	}

	r := WrapRead(w.Bytes())
	var got uint32
	r.U32(&got)
	if !r.Good() || got != v {
		t.Fatalf("got %#x, want %#x", got, v)
	}
}

func TestFloatSpecialValues(t *testing.T) {
	w := NewWriter(4)
	nan := float32(math.NaN())
	inf := math.Inf(1)
	w.F32(&nan)
	w.F64(&inf)

	r := WrapRead(w.Bytes())
	var rnan float32
	var rinf float64
	r.F32(&rnan)
	r.F64(&rinf)
	if !r.Good() {
		t.Fatalf("read truncated")
	}
	if !math.IsNaN(float64(rnan)) {
		t.Fatalf("expected NaN round trip")
	}
	if !math.IsInf(rinf, 1) {
		t.Fatalf("expected +Inf round trip")
	}
}
