package rhi

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
)

var errBoom = errors.New("boom")

// recorder is a Backend that logs every call as a string.
type recorder struct {
	maxWorkers int
	maxTexture uint32

	mu     sync.Mutex
	calls  []string
	failOn map[Opcode]error
	logger *slog.Logger
	closed bool

	// draw, if set, runs inside Draw before the call is logged.
	draw func(vertexCount uint32)

	passDepth  atomic.Int32
	passAbuse  atomic.Int32
	inFlight   atomic.Int32
	peakFlight atomic.Int32
}

func newRecorder(maxWorkers int) *recorder {
	return &recorder{maxWorkers: maxWorkers, failOn: make(map[Opcode]error)}
}

func (r *recorder) log(format string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) fail(op Opcode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failOn[op]
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func (r *recorder) SetLogger(l *slog.Logger) {
	r.mu.Lock()
	r.logger = l
	r.mu.Unlock()
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Capabilities() Capabilities {
	return Capabilities{MaxWorkers: r.maxWorkers, MaxTextureSize: r.maxTexture}
}

func (r *recorder) CreateBuffer(id ResourceID, d BufferDesc) error {
	r.log("CreateBuffer(%d,%d,%d)", id, d.Size, d.Usage)
	return r.fail(OpCreateBuffer)
}

func (r *recorder) CreateMesh(id ResourceID, d MeshDesc) error {
	r.log("CreateMesh(%d,%v,%d,%v,%v,%d)", id, d.Vertices, d.Stride, d.Attributes, d.Indices, d.IndexFormat)
	return r.fail(OpCreateMesh)
}

func (r *recorder) CreateTexture(id ResourceID, d TextureDesc) error {
	r.log("CreateTexture(%d,%dx%d,%d,%d,%d)", id, d.Width, d.Height, d.Format, d.Usage, d.MipLevels)
	return r.fail(OpCreateTexture)
}

func (r *recorder) CreateRenderTarget(id ResourceID, d RenderTargetDesc) error {
	r.log("CreateRenderTarget(%d,%dx%d,%d,%d,%d)", id, d.Width, d.Height, d.ColorFormat, d.DepthFormat, d.Samples)
	return r.fail(OpCreateRenderTarget)
}

func (r *recorder) CreateProgram(id ResourceID, d ProgramDesc) error {
	r.log("CreateProgram(%d,%q,%q,%q)", id, d.Source, d.VertexEntry, d.FragmentEntry)
	return r.fail(OpCreateProgram)
}

func (r *recorder) CreateRasterizerState(id ResourceID, s gputypes.PrimitiveState) error {
	strip := "nil"
	if s.StripIndexFormat != nil {
		strip = fmt.Sprint(uint32(*s.StripIndexFormat))
	}
	r.log("CreateRasterizerState(%d,%d,%s,%d,%d,%t)", id, s.Topology, strip, s.FrontFace, s.CullMode, s.UnclippedDepth)
	return r.fail(OpCreateRasterizerState)
}

func (r *recorder) CreateBlendState(id ResourceID, d BlendDesc) error {
	r.log("CreateBlendState(%d,%t,%v,%v,%d)", id, d.Enabled, d.State.Color, d.State.Alpha, d.WriteMask)
	return r.fail(OpCreateBlendState)
}

func (r *recorder) CreateDepthStencilState(id ResourceID, s gputypes.DepthStencilState) error {
	r.log("CreateDepthStencilState(%d,%d,%t,%d,%v,%v,%x,%x,%d,%g,%g)", id, s.Format, s.DepthWriteEnabled,
		s.DepthCompare, s.StencilFront, s.StencilBack, s.StencilReadMask, s.StencilWriteMask,
		s.DepthBias, s.DepthBiasSlopeScale, s.DepthBiasClamp)
	return r.fail(OpCreateDepthStencilState)
}

func (r *recorder) Destroy(id ResourceID, kind ResourceKind) {
	r.log("Destroy(%d,%v)", id, kind)
}

func (r *recorder) UpdateBuffer(id ResourceID, offset uint64, data []byte) error {
	r.log("UpdateBuffer(%d,%d,%v)", id, offset, data)
	return r.fail(OpUpdateBuffer)
}

func (r *recorder) UpdateTexture(id ResourceID, rg TextureRegion, bpr uint32, data []byte) error {
	r.log("UpdateTexture(%d,%v,%d,%v)", id, rg, bpr, data)
	return r.fail(OpUpdateTexture)
}

func (r *recorder) BeginPass(target ResourceID, load gputypes.LoadOp, clear gputypes.Color) {
	if r.passDepth.Add(1) != 1 {
		r.passAbuse.Add(1)
	}
	r.log("BeginPass(%d,%d,%v)", target, load, clear)
}

func (r *recorder) EndPass() {
	r.passDepth.Add(-1)
	r.log("EndPass()")
}

func (r *recorder) SetViewport(x, y, w, h, minD, maxD float32) {
	r.log("SetViewport(%g,%g,%g,%g,%g,%g)", x, y, w, h, minD, maxD)
}

func (r *recorder) SetScissor(x, y, w, h uint32) {
	r.log("SetScissor(%d,%d,%d,%d)", x, y, w, h)
}

func (r *recorder) SetProgram(id ResourceID)           { r.log("SetProgram(%d)", id) }
func (r *recorder) SetRasterizerState(id ResourceID)   { r.log("SetRasterizerState(%d)", id) }
func (r *recorder) SetBlendState(id ResourceID)        { r.log("SetBlendState(%d)", id) }
func (r *recorder) SetDepthStencilState(id ResourceID) { r.log("SetDepthStencilState(%d)", id) }
func (r *recorder) SetBlendConstant(c gputypes.Color)  { r.log("SetBlendConstant(%v)", c) }

func (r *recorder) Draw(vc, ic, fv, fi uint32) {
	n := r.inFlight.Add(1)
	for {
		peak := r.peakFlight.Load()
		if n <= peak || r.peakFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if r.draw != nil {
		r.draw(vc)
	}
	r.log("Draw(%d,%d,%d,%d)", vc, ic, fv, fi)
	r.inFlight.Add(-1)
}

func (r *recorder) DrawMesh(mesh ResourceID, first, count, instances uint32) {
	r.log("DrawMesh(%d,%d,%d,%d)", mesh, first, count, instances)
}

func (r *recorder) Blit(src, dst ResourceID, sr, dr image.Rectangle, f Filter) {
	r.log("Blit(%d,%d,%v,%v,%d)", src, dst, sr, dr, f)
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// newTestDevice creates a device over be that is closed when the test ends.
func newTestDevice(t *testing.T, be Backend, opts ...Option) *Device {
	t.Helper()
	d, err := NewDevice(be, opts...)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return d
}

func equalCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
