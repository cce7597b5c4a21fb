package block

import (
	"runtime"
	"testing"
)

func TestNew(t *testing.T) {
	b := New(256)
	if b.Len() != 256 {
		t.Errorf("Len() = %d, want 256", b.Len())
	}
	if b.Low() != 0 || b.High() != 256 {
		t.Errorf("cursors = (%d, %d), want (0, 256)", b.Low(), b.High())
	}
	if b.State() != Clean {
		t.Errorf("State() = %v, want Clean", b.State())
	}
	if b.Guarded() {
		t.Error("heap block should not report Guarded")
	}
}

func TestNewInvalidSize(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for zero size")
		}
	}()
	New(0)
}

func TestAllocLow(t *testing.T) {
	tests := []struct {
		name    string
		allocs  [][2]int // align, size
		wantOff []int
		wantLow int
	}{
		{"single", [][2]int{{4, 12}}, []int{0}, 12},
		{"aligned second", [][2]int{{1, 3}, {4, 4}}, []int{0, 4}, 8},
		{"align 16", [][2]int{{4, 4}, {16, 8}}, []int{0, 16}, 24},
		{"zero size", [][2]int{{4, 0}}, []int{0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(64)
			for i, a := range tt.allocs {
				off, ok := b.AllocLow(a[0], a[1])
				if !ok {
					t.Fatalf("alloc %d failed", i)
				}
				if off != tt.wantOff[i] {
					t.Errorf("alloc %d offset = %d, want %d", i, off, tt.wantOff[i])
				}
			}
			if b.Low() != tt.wantLow {
				t.Errorf("Low() = %d, want %d", b.Low(), tt.wantLow)
			}
		})
	}
}

func TestAllocHigh(t *testing.T) {
	b := New(64)
	off, ok := b.AllocHigh(4, 10)
	if !ok {
		t.Fatal("AllocHigh failed")
	}
	// 64-10 = 54, aligned down to 52.
	if off != 52 {
		t.Errorf("offset = %d, want 52", off)
	}
	off, ok = b.AllocHigh(16, 4)
	if !ok {
		t.Fatal("second AllocHigh failed")
	}
	if off != 48 {
		t.Errorf("offset = %d, want 48", off)
	}
	if b.High() != 48 {
		t.Errorf("High() = %d, want 48", b.High())
	}
}

func TestAllocNoRoomHasNoSideEffects(t *testing.T) {
	b := New(32)
	if _, ok := b.AllocLow(4, 12); !ok {
		t.Fatal("AllocLow failed")
	}
	if _, ok := b.AllocHigh(4, 12); !ok {
		t.Fatal("AllocHigh failed")
	}
	low, high := b.Low(), b.High()

	if _, ok := b.AllocLow(4, 12); ok {
		t.Error("AllocLow should fail when crossing the high cursor")
	}
	if _, ok := b.AllocHigh(4, 12); ok {
		t.Error("AllocHigh should fail when crossing the low cursor")
	}
	if _, ok := b.AllocHigh(4, 1000); ok {
		t.Error("AllocHigh should fail for a size larger than the block")
	}
	if b.Low() != low || b.High() != high {
		t.Errorf("cursors moved: (%d, %d), want (%d, %d)", b.Low(), b.High(), low, high)
	}
}

func TestAllocHighOrTrap(t *testing.T) {
	b := New(32)
	if off := b.AllocHighOrTrap(4, 8); off != 24 {
		t.Errorf("offset = %d, want 24", off)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on overflow")
		}
	}()
	b.AllocHighOrTrap(4, 64)
}

func TestBadAlignmentPanics(t *testing.T) {
	for _, align := range []int{0, 3, -4, 12} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("align %d: expected panic", align)
				}
			}()
			New(64).AllocLow(align, 4)
		}()
	}
}

func TestMarkUnwind(t *testing.T) {
	b := New(128)
	b.AllocLow(4, 12)
	b.AllocHigh(4, 16)
	b.AddCommand()
	low, high := b.Low(), b.High()

	b.Mark()
	if b.State() != Marked {
		t.Fatalf("State() = %v, want Marked", b.State())
	}
	b.AllocLow(4, 12)
	b.AllocHigh(8, 40)
	b.AddCommand()
	b.Unwind()

	if b.Low() != low || b.High() != high || b.Count() != 1 {
		t.Errorf("after Unwind: low=%d high=%d count=%d, want %d %d 1",
			b.Low(), b.High(), b.Count(), low, high)
	}
	if b.State() != Clean {
		t.Errorf("State() = %v, want Clean", b.State())
	}
}

func TestMarkCommit(t *testing.T) {
	b := New(128)
	b.Mark()
	b.AllocLow(4, 12)
	b.AddCommand()
	b.Commit()
	if b.Low() != 12 || b.Count() != 1 {
		t.Errorf("after Commit: low=%d count=%d, want 12 1", b.Low(), b.Count())
	}
}

func TestMarkMisusePanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(b *Block)
	}{
		{"nested mark", func(b *Block) { b.Mark(); b.Mark() }},
		{"unwind clean", func(b *Block) { b.Unwind() }},
		{"commit clean", func(b *Block) { b.Commit() }},
		{"reset marked", func(b *Block) { b.Mark(); b.Reset() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn(New(64))
		})
	}
}

func TestReset(t *testing.T) {
	b := New(64)
	b.AllocLow(4, 8)
	b.AllocHigh(4, 8)
	b.AddCommand()
	b.Reset()
	if b.Low() != 0 || b.High() != 64 || b.Count() != 0 {
		t.Errorf("after Reset: low=%d high=%d count=%d", b.Low(), b.High(), b.Count())
	}
	if b.Free() != 64 {
		t.Errorf("Free() = %d, want 64", b.Free())
	}
}

func TestNewGuarded(t *testing.T) {
	b, err := NewGuarded(1000)
	if runtime.GOOS == "windows" || runtime.GOOS == "js" || runtime.GOOS == "wasip1" {
		if err == nil {
			t.Fatal("expected ErrGuardUnsupported")
		}
		return
	}
	if err != nil {
		t.Fatalf("NewGuarded: %v", err)
	}
	if !b.Guarded() {
		t.Error("Guarded() = false")
	}
	if b.Len() < 1000 {
		t.Errorf("Len() = %d, want >= 1000", b.Len())
	}
	off, ok := b.AllocHigh(4, 16)
	if !ok {
		t.Fatal("AllocHigh failed on guarded block")
	}
	mem := b.Bytes()
	for i := off; i < off+16; i++ {
		mem[i] = byte(i)
	}
	if err := b.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}
