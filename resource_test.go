package rhi

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"testing"
)

func TestReleaseDestroysAfterLastUse(t *testing.T) {
	be := newRecorder(2)
	d := newTestDevice(t, be, WithWorkers(2))
	s := d.DefaultStream()

	tex, err := s.CreateTexture(TextureDesc{Width: 2, Height: 2})
	if err != nil {
		t.Fatal(err)
	}
	u := d.NewStream(Unordered)
	if err := u.Append(UpdateTexture{Texture: tex, Region: TextureRegion{Width: 1, Height: 1}, BytesPerRow: 4, Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatal(err)
	}
	if tex.Fence() != u.Fence() {
		t.Error("resource fence does not track its last use")
	}

	tex.Release()

	calls := be.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %q, want create, update, destroy", calls)
	}
	if want := fmt.Sprintf("Destroy(%d,Texture)", tex.ID()); calls[2] != want {
		t.Errorf("last call = %q, want %q", calls[2], want)
	}
	d.resMu.Lock()
	_, tracked := d.resources[tex.ID()]
	d.resMu.Unlock()
	if tracked {
		t.Error("released resource still tracked")
	}
}

func TestReleaseWaitsForEveryStream(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			be := newRecorder(2)
			d := newTestDevice(t, be, WithWorkers(workers))
			s := d.DefaultStream()

			rt, err := s.CreateRenderTarget(RenderTargetDesc{Width: 2, Height: 2})
			if err != nil {
				t.Fatal(err)
			}
			s.Flush(Wait)

			// The unordered use stays unflushed while a later use lands on
			// the default stream.
			u := d.NewStream(Unordered)
			if err := u.Append(UpdateTexture{Texture: rt, Region: TextureRegion{Width: 1, Height: 1}, BytesPerRow: 4, Data: []byte{1, 2, 3, 4}}); err != nil {
				t.Fatal(err)
			}
			if err := s.AppendGroup(BeginPass{Target: rt}, EndPass{}); err != nil {
				t.Fatal(err)
			}

			rt.Release()
			u.Flush(Wait)

			calls := be.Calls()
			if len(calls) != 5 {
				t.Fatalf("calls = %q, want create, update, pass and destroy", calls)
			}
			if want := fmt.Sprintf("Destroy(%d,RenderTarget)", rt.ID()); calls[4] != want {
				t.Errorf("calls = %q, want %q last", calls, want)
			}
		})
	}
}

func TestResourceRefCounting(t *testing.T) {
	be := newRecorder(0)
	d := newTestDevice(t, be, WithWorkers(0))
	s := d.DefaultStream()

	a, _ := s.CreateRenderTarget(RenderTargetDesc{Width: 4, Height: 4})
	b, _ := s.CreateRenderTarget(RenderTargetDesc{Width: 4, Height: 4})
	if a.ID() == b.ID() || a.ID() == 0 {
		t.Fatalf("resource ids %d, %d are not distinct and non-zero", a.ID(), b.ID())
	}
	_ = s.Append(Blit{Src: a, Dst: b, SrcRect: image.Rect(0, 0, 4, 4), DstRect: image.Rect(0, 0, 4, 4)})

	a.AddRef()
	if a.Refs() != 2 {
		t.Errorf("Refs() = %d, want 2", a.Refs())
	}
	a.Release()
	s.Flush(Wait)
	for _, c := range be.Calls() {
		if c == fmt.Sprintf("Destroy(%d,RenderTarget)", a.ID()) {
			t.Fatal("resource destroyed while still referenced")
		}
	}
	a.Release()
	b.Release()
	if n := len(be.Calls()); n != 5 {
		t.Errorf("calls = %q, want 2 creates, blit and 2 destroys", be.Calls())
	}

	defer func() {
		if recover() == nil {
			t.Error("Release past zero did not panic")
		}
	}()
	a.Release()
}

func TestBackendErrorAttachedToResource(t *testing.T) {
	be := newRecorder(1)
	be.failOn[OpCreateProgram] = errBoom
	be.failOn[OpUpdateBuffer] = errBoom
	d := newTestDevice(t, be, WithWorkers(1))
	s := d.DefaultStream()

	prog, err := s.CreateProgram(ProgramDesc{Source: "not wgsl"})
	if err != nil {
		t.Fatal(err)
	}
	buf, err := s.CreateBuffer(BufferDesc{Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Append(UpdateBuffer{Buffer: buf, Data: []byte{1}})
	s.Flush(Wait)

	if err := prog.Err(); !errors.Is(err, errBoom) {
		t.Errorf("program Err() = %v, want errBoom", err)
	}
	if err := buf.Err(); !errors.Is(err, errBoom) {
		t.Errorf("buffer Err() = %v, want errBoom", err)
	}
	if err := prog.Err(); err == nil || !strings.Contains(err.Error(), "CreateProgram") {
		t.Errorf("program Err() = %v, want it to name CreateProgram", err)
	}
	// Failed resources still release cleanly.
	prog.Release()
	buf.Release()
}

func TestAddRefAfterReleasePanics(t *testing.T) {
	d := newTestDevice(t, newRecorder(0), WithWorkers(0))
	r, _ := d.DefaultStream().CreateBuffer(BufferDesc{Size: 4})
	r.Release()
	defer func() {
		if recover() == nil {
			t.Error("AddRef on released resource did not panic")
		}
	}()
	r.AddRef()
}
