package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/rhi/internal/block"
)

// testSpec accepts opcodes 0..9, with opcode 7 requiring 16-byte payloads.
func testSpec(id uint8) (int, bool) {
	switch {
	case id == 7:
		return 16, true
	case id < 10:
		return 4, true
	default:
		return 0, false
	}
}

type decoded struct {
	id      uint8
	payload []byte
}

func walkAll(t *testing.T, blk *block.Block) []decoded {
	t.Helper()
	var got []decoded
	err := Walk(blk, blk.Count(), testSpec, func(id uint8, p []byte) {
		got = append(got, decoded{id, append([]byte(nil), p...)})
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	return got
}

func write(w *Writer, id uint8, payload []byte) bool {
	align, _ := testSpec(id)
	return w.Write(id, align, len(payload), func(p []byte) { copy(p, payload) })
}

func TestRoundTrip(t *testing.T) {
	want := []decoded{
		{1, []byte{1, 2, 3, 4}},
		{2, nil},
		{7, bytes.Repeat([]byte{0xAB}, 33)},
		{3, []byte("hello")},
		{9, make([]byte, 64)},
	}
	w := NewWriter(block.New(1024), false)
	for _, c := range want {
		if !write(w, c.id, c.payload) {
			t.Fatalf("write opcode %d failed", c.id)
		}
	}
	got := walkAll(t, w.Block())
	if len(got) != len(want) {
		t.Fatalf("decoded %d commands, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].id != want[i].id {
			t.Errorf("command %d: id = %d, want %d", i, got[i].id, want[i].id)
		}
		if !bytes.Equal(got[i].payload, want[i].payload) {
			t.Errorf("command %d: payload = %v, want %v", i, got[i].payload, want[i].payload)
		}
	}
}

func TestPayloadAlignment(t *testing.T) {
	w := NewWriter(block.New(512), false)
	write(w, 1, []byte{1})
	write(w, 7, []byte{2})
	mem := w.Block().Bytes()
	// Second header starts at HeaderSize; its payload offset must be 16-aligned.
	off := binary.LittleEndian.Uint32(mem[HeaderSize+4:])
	if off%16 != 0 {
		t.Errorf("payload offset %d not 16-byte aligned", off)
	}
}

func TestCapacityFailureLeavesBlockUnchanged(t *testing.T) {
	blk := block.New(128)
	w := NewWriter(blk, true)
	if !write(w, 1, make([]byte, 40)) {
		t.Fatal("first write failed")
	}
	low, high, count, hash := blk.Low(), blk.High(), blk.Count(), w.Hash()

	if write(w, 2, make([]byte, 100)) {
		t.Fatal("oversized write should fail")
	}
	if blk.Low() != low || blk.High() != high || blk.Count() != count || w.Hash() != hash {
		t.Errorf("block changed after failed write: low %d->%d high %d->%d count %d->%d",
			low, blk.Low(), high, blk.High(), count, blk.Count())
	}
	if blk.State() != block.Clean {
		t.Errorf("block left in state %v", blk.State())
	}

	// Flush-and-retry: an empty block always fits a command within Required.
	w.Reset()
	if !write(w, 2, make([]byte, 100)) {
		t.Fatal("write into empty block failed")
	}
	if got := walkAll(t, blk); len(got) != 1 || got[0].id != 2 {
		t.Errorf("decoded %+v after retry", got)
	}
}

func TestFillUntilFull(t *testing.T) {
	blk := block.New(256)
	w := NewWriter(blk, false)
	n := 0
	for write(w, uint8(n%10), []byte{byte(n), byte(n), byte(n), byte(n)}) {
		n++
	}
	if n == 0 {
		t.Fatal("no command fit")
	}
	got := walkAll(t, blk)
	if len(got) != n {
		t.Fatalf("decoded %d commands, want %d", len(got), n)
	}
	for i, c := range got {
		if c.id != uint8(i%10) || c.payload[0] != byte(i) {
			t.Errorf("command %d decoded as %+v", i, c)
		}
	}
}

func TestRequiredFitsEmptyBlock(t *testing.T) {
	for _, tc := range []struct{ align, size int }{{4, 0}, {4, 100}, {16, 77}, {16, 1}} {
		blk := block.New(Required(tc.align, tc.size))
		w := NewWriter(blk, false)
		if !w.Write(1, tc.align, tc.size, nil) {
			t.Errorf("align %d size %d: Required(%d) bytes did not fit", tc.align, tc.size, blk.Len())
		}
	}
}

func TestGroupRollback(t *testing.T) {
	blk := block.New(512)
	w := NewWriter(blk, true)
	write(w, 1, []byte{1, 1, 1, 1})
	hash := w.Hash()

	w.Begin()
	write(w, 2, []byte{2})
	write(w, 3, []byte{3})
	w.Rollback()

	if blk.Count() != 1 {
		t.Fatalf("Count() = %d after rollback, want 1", blk.Count())
	}
	if w.Hash() != hash {
		t.Error("hash not restored by rollback")
	}

	write(w, 4, []byte{4})
	got := walkAll(t, blk)
	if len(got) != 2 || got[0].id != 1 || got[1].id != 4 {
		t.Errorf("decoded %+v, want opcodes [1 4]", got)
	}
}

func TestGroupCommit(t *testing.T) {
	w := NewWriter(block.New(512), false)
	w.Begin()
	write(w, 1, nil)
	write(w, 2, nil)
	w.Commit()
	if got := walkAll(t, w.Block()); len(got) != 2 {
		t.Errorf("decoded %d commands, want 2", len(got))
	}
}

func TestGroupMisusePanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(w *Writer)
	}{
		{"nested begin", func(w *Writer) { w.Begin(); w.Begin() }},
		{"commit without begin", func(w *Writer) { w.Commit() }},
		{"rollback without begin", func(w *Writer) { w.Rollback() }},
		{"reset in group", func(w *Writer) { w.Begin(); w.Reset() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn(NewWriter(block.New(128), false))
		})
	}
}

func TestHashDeterministic(t *testing.T) {
	build := func(payloads ...[]byte) uint64 {
		w := NewWriter(block.New(1024), true)
		for i, p := range payloads {
			write(w, uint8(i), p)
		}
		return w.Hash()
	}
	a := build([]byte{1, 2}, []byte{3})
	b := build([]byte{1, 2}, []byte{3})
	c := build([]byte{1, 2}, []byte{4})
	if a != b {
		t.Error("identical sequences hashed differently")
	}
	if a == c {
		t.Error("different payloads hashed equal")
	}
	if a == 0 {
		t.Error("hash not accumulated")
	}
}

func TestHashOrderSensitive(t *testing.T) {
	if Fold(Fold(0, 1, 10), 2, 20) == Fold(Fold(0, 2, 20), 1, 10) {
		t.Error("Fold should depend on order")
	}
}

func TestWalkDetectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(mem []byte)
	}{
		{"unknown opcode", func(mem []byte) { mem[0] = 200 }},
		{"payload out of range", func(mem []byte) {
			binary.LittleEndian.PutUint32(mem[4:], 1<<20)
		}},
		{"payload below high cursor", func(mem []byte) {
			binary.LittleEndian.PutUint32(mem[4:], 0)
		}},
		{"jump backwards", func(mem []byte) {
			setJump(mem, 0, 0)
		}},
		{"jump past low", func(mem []byte) {
			setJump(mem, 0, 400)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk := block.New(512)
			w := NewWriter(blk, false)
			write(w, 1, []byte{1, 2, 3, 4})
			write(w, 2, []byte{5, 6, 7, 8})
			tt.corrupt(blk.Bytes())

			err := Walk(blk, blk.Count(), testSpec, func(uint8, []byte) {})
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Walk error = %v, want *DecodeError", err)
			}
			if de.Error() == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestWalkBoundedByCount(t *testing.T) {
	blk := block.New(512)
	w := NewWriter(blk, false)
	write(w, 1, nil)
	write(w, 2, nil)
	write(w, 3, nil)
	var ids []uint8
	if err := Walk(blk, 2, testSpec, func(id uint8, _ []byte) { ids = append(ids, id) }); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("visited %v, want 2 commands", ids)
	}
}
