package rhi

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"
)

// argWriter appends little-endian fields into a payload slice whose length
// was computed up front by the command's argSize.
type argWriter struct {
	b []byte
	n int
}

func (w *argWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.b[w.n:], v)
	w.n += 4
}

func (w *argWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.b[w.n:], v)
	w.n += 8
}

func (w *argWriter) i32(v int32)   { w.u32(uint32(v)) }
func (w *argWriter) f32(v float32) { w.u32(math.Float32bits(v)) }
func (w *argWriter) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *argWriter) bool(v bool) {
	if v {
		w.u32(1)
	} else {
		w.u32(0)
	}
}

func (w *argWriter) id(r *Resource) {
	if r == nil {
		w.u32(0)
		return
	}
	w.u32(uint32(r.id))
}

func (w *argWriter) color(c gputypes.Color) {
	w.f64(c.R)
	w.f64(c.G)
	w.f64(c.B)
	w.f64(c.A)
}

// bytes writes a length-prefixed byte run.
func (w *argWriter) bytes(p []byte) {
	w.u32(uint32(len(p)))
	w.n += copy(w.b[w.n:], p)
}

func (w *argWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.n += copy(w.b[w.n:], s)
}

// bytesSize is the encoded size of a length-prefixed run of n bytes.
func bytesSize(n int) int { return 4 + n }

// argReader decodes fields written by argWriter. Reading past the end of a
// payload means encoder and decoder disagree, which panics.
type argReader struct {
	b []byte
	n int
}

func (r *argReader) need(n int) []byte {
	if r.n+n > len(r.b) {
		panic("rhi: truncated command payload")
	}
	p := r.b[r.n : r.n+n]
	r.n += n
	return p
}

func (r *argReader) u32() uint32  { return binary.LittleEndian.Uint32(r.need(4)) }
func (r *argReader) u64() uint64  { return binary.LittleEndian.Uint64(r.need(8)) }
func (r *argReader) i32() int32   { return int32(r.u32()) }
func (r *argReader) f32() float32 { return math.Float32frombits(r.u32()) }
func (r *argReader) f64() float64 { return math.Float64frombits(r.u64()) }
func (r *argReader) bool() bool   { return r.u32() != 0 }
func (r *argReader) id() ResourceID {
	return ResourceID(r.u32())
}

func (r *argReader) color() gputypes.Color {
	return gputypes.Color{R: r.f64(), G: r.f64(), B: r.f64(), A: r.f64()}
}

// bytes returns a slice aliasing the payload.
func (r *argReader) bytes() []byte {
	n := int(r.u32())
	return r.need(n)
}

func (r *argReader) str() string {
	return string(r.bytes())
}
