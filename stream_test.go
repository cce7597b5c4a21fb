package rhi

import (
	"errors"
	"fmt"
	"testing"
)

func TestStreamCapacityFlush(t *testing.T) {
	be := newRecorder(0)
	d := newTestDevice(t, be, WithWorkers(0), WithBufferSize(MinBufferSize), WithBufferCount(2))
	s := d.NewStream(Ordered)

	const n = 40
	var want []string
	for i := range n {
		if err := s.Append(Draw{VertexCount: uint32(i)}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		want = append(want, fmt.Sprintf("Draw(%d,0,0,0)", i))
	}
	s.Flush(Wait)

	equalCalls(t, be.Calls(), want)
	st := d.Stats()
	if st.CapacityFlushes < 2 {
		t.Errorf("CapacityFlushes = %d, want at least 2", st.CapacityFlushes)
	}
	if st.Submitted != st.CapacityFlushes+1 {
		t.Errorf("Submitted = %d, want CapacityFlushes+1 = %d", st.Submitted, st.CapacityFlushes+1)
	}
}

func TestStreamCommandTooLarge(t *testing.T) {
	d := newTestDevice(t, newRecorder(0), WithWorkers(0), WithBufferSize(MinBufferSize))
	s := d.DefaultStream()

	err := s.Append(UpdateBuffer{Data: make([]byte, MinBufferSize)})
	if !errors.Is(err, ErrCommandTooLarge) {
		t.Errorf("Append(oversized) error = %v, want ErrCommandTooLarge", err)
	}
	if _, err := s.CreateProgram(ProgramDesc{Source: string(make([]byte, 1024))}); !errors.Is(err, ErrCommandTooLarge) {
		t.Errorf("CreateProgram(oversized) error = %v, want ErrCommandTooLarge", err)
	}
	d.resMu.Lock()
	leaked := len(d.resources)
	d.resMu.Unlock()
	if leaked != 0 {
		t.Errorf("%d resources tracked after failed create, want 0", leaked)
	}
}

func TestAppendGroupStaysTogether(t *testing.T) {
	be := newRecorder(0)
	d := newTestDevice(t, be, WithWorkers(0), WithBufferSize(MinBufferSize))
	s := d.NewStream(Unordered)

	for i := range 5 {
		if err := s.Append(Draw{VertexCount: uint32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	group := make([]Command, 6)
	for i := range group {
		group[i] = Draw{VertexCount: uint32(100 + i)}
	}
	if err := s.AppendGroup(group...); err != nil {
		t.Fatalf("AppendGroup() error = %v", err)
	}
	if got := d.Stats().CapacityFlushes; got != 1 {
		t.Errorf("CapacityFlushes = %d, want 1", got)
	}
	if got := s.buf.Len(); got != len(group) {
		t.Errorf("current buffer holds %d commands, want the whole group of %d", got, len(group))
	}
	s.Flush(Wait)
	if got := len(be.Calls()); got != 11 {
		t.Errorf("executed %d draws, want 11", got)
	}

	huge := make([]Command, 20)
	for i := range huge {
		huge[i] = Draw{}
	}
	if err := s.AppendGroup(huge...); !errors.Is(err, ErrCommandTooLarge) {
		t.Errorf("AppendGroup(huge) error = %v, want ErrCommandTooLarge", err)
	}
}

func TestStreamFence(t *testing.T) {
	d := newTestDevice(t, newRecorder(0), WithWorkers(0))
	s := d.NewStream(Ordered)
	if f := s.Fence(); !f.IsZero() {
		t.Errorf("Fence() on fresh stream = %+v, want zero", f)
	}
	_ = s.Append(Draw{})
	pending := s.Fence()
	if pending.Satisfied() {
		t.Error("fence for unflushed work is satisfied")
	}
	flushed := s.Flush(Wait)
	if flushed != pending {
		t.Errorf("Flush() fence = %+v, want %+v", flushed, pending)
	}
	if !pending.Satisfied() {
		t.Error("fence not satisfied after Flush(Wait)")
	}
	if got := s.Fence(); got != flushed {
		t.Errorf("Fence() after flush = %+v, want last flushed %+v", got, flushed)
	}
}

func TestTextureSizeLimit(t *testing.T) {
	be := newRecorder(1)
	be.maxTexture = 64
	d := newTestDevice(t, be)
	s := d.DefaultStream()

	if _, err := s.CreateTexture(TextureDesc{Width: 65, Height: 1}); !errors.Is(err, ErrTextureTooLarge) {
		t.Errorf("CreateTexture(65x1) error = %v, want ErrTextureTooLarge", err)
	}
	if _, err := s.CreateRenderTarget(RenderTargetDesc{Width: 1, Height: 128}); !errors.Is(err, ErrTextureTooLarge) {
		t.Errorf("CreateRenderTarget(1x128) error = %v, want ErrTextureTooLarge", err)
	}
	if _, err := s.CreateTexture(TextureDesc{Width: 64, Height: 64}); err != nil {
		t.Errorf("CreateTexture(64x64) error = %v", err)
	}
}
