// Package chain encodes commands into a block as a forward-linked chain of
// fixed-size headers pointing at payloads, and decodes that chain back.
//
// Layout of one header (HeaderSize bytes, allocated from the low end of the
// block, 4-byte aligned, little-endian words):
//
//	word0: bits 0..7   opcode id
//	       bits 8..31  jump: offset of the next header from block start (0 = none)
//	word1: payload offset from block start
//	word2: payload length in bytes
//
// Payloads are allocated from the high end of the block at the alignment the
// opcode requires. Because every reference is an offset from the block start
// a block is self-contained. Walk validates every reference against the
// block bounds before use.
package chain

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/gogpu/rhi/internal/block"
)

const (
	// HeaderSize is the size of one encoded header in bytes.
	HeaderSize = 12

	// HeaderAlign is the alignment of headers at the low end.
	HeaderAlign = 4

	// IDBits is the number of header bits holding the opcode id.
	IDBits = 8

	// JumpBits is the number of header bits holding the jump offset.
	JumpBits = 32 - IDBits

	// MaxOpcodes bounds the opcode id space.
	MaxOpcodes = 1 << IDBits

	// MaxBlockSize bounds the size of a block whose offsets fit the jump field.
	MaxBlockSize = 1 << JumpBits
)

// Required returns the worst-case number of bytes one command with a payload
// of size bytes at the given alignment consumes in an empty block.
func Required(align, size int) int {
	return HeaderSize + HeaderAlign - 1 + size + align - 1
}

// Fold mixes an opcode id and a payload content hash into a running hash.
// The result depends on the order of the folds.
func Fold(h uint64, id uint8, content uint64) uint64 {
	h ^= content + 0x9e3779b97f4a7c15 + uint64(id)<<56
	h = bits.RotateLeft64(h, 31) * 0xbf58476d1ce4e5b9
	return h ^ h>>29
}

func putHeader(mem []byte, at int, id uint8, jump, payloadOff, payloadLen int) {
	binary.LittleEndian.PutUint32(mem[at:], uint32(id)|uint32(jump)<<IDBits)
	binary.LittleEndian.PutUint32(mem[at+4:], uint32(payloadOff))
	binary.LittleEndian.PutUint32(mem[at+8:], uint32(payloadLen))
}

func setJump(mem []byte, at, jump int) {
	w := binary.LittleEndian.Uint32(mem[at:])
	w = w&(MaxOpcodes-1) | uint32(jump)<<IDBits
	binary.LittleEndian.PutUint32(mem[at:], w)
}

// Writer appends commands to one block.
//
// Writer is not safe for concurrent use.
type Writer struct {
	blk *block.Block

	// last is the offset of the most recent header, -1 when the block is empty.
	last    int
	hash    uint64
	hashing bool

	// group state saved by Begin.
	grouped   bool
	savedLast int
	savedHash uint64
}

// NewWriter returns a Writer for blk. When hashing is true every write folds
// its opcode and payload content into Hash.
func NewWriter(blk *block.Block, hashing bool) *Writer {
	return &Writer{blk: blk, last: -1, hashing: hashing}
}

// Block returns the block being written.
func (w *Writer) Block() *block.Block { return w.blk }

// Hash returns the running hash of every command written since Reset.
func (w *Writer) Hash() uint64 { return w.hash }

// Count returns the number of commands in the block.
func (w *Writer) Count() int { return w.blk.Count() }

// Reset empties the block and clears the running hash.
func (w *Writer) Reset() {
	if w.grouped {
		panic("chain: Reset inside a group")
	}
	w.blk.Reset()
	w.last = -1
	w.hash = 0
}

// Write appends one command with a payload of size bytes at the given
// alignment. fill, if non-nil, receives the payload slice to populate in
// place. On failure the block is left exactly as it was and Write reports
// false; the caller is expected to flush and retry into an empty block.
func (w *Writer) Write(id uint8, align, size int, fill func(payload []byte)) bool {
	own := !w.grouped
	if own {
		w.blk.Mark()
	}
	hdr, ok := w.blk.AllocLow(HeaderAlign, HeaderSize)
	if !ok {
		w.abort(own)
		return false
	}
	off, ok := w.blk.AllocHigh(align, size)
	if !ok {
		w.abort(own)
		return false
	}
	mem := w.blk.Bytes()
	payload := mem[off : off+size : off+size]
	if fill != nil {
		fill(payload)
	}
	if w.hashing {
		w.hash = Fold(w.hash, id, xxhash.Sum64(payload))
	}
	putHeader(mem, hdr, id, 0, off, size)
	if w.last >= 0 {
		setJump(mem, w.last, hdr)
	}
	w.last = hdr
	w.blk.AddCommand()
	if own {
		w.blk.Commit()
	}
	return true
}

func (w *Writer) abort(own bool) {
	if own {
		w.blk.Unwind()
	}
}

// Begin opens a group: every Write until Commit or Rollback succeeds or
// fails as a unit.
func (w *Writer) Begin() {
	if w.grouped {
		panic("chain: Begin called inside a group")
	}
	w.blk.Mark()
	w.grouped = true
	w.savedLast = w.last
	w.savedHash = w.hash
}

// Commit closes the group keeping its commands.
func (w *Writer) Commit() {
	if !w.grouped {
		panic("chain: Commit called without Begin")
	}
	w.blk.Commit()
	w.grouped = false
}

// Rollback closes the group discarding its commands. The previous tail
// header may keep a stale jump; Walk is bounded by the command count so the
// stale value is never followed.
func (w *Writer) Rollback() {
	if !w.grouped {
		panic("chain: Rollback called without Begin")
	}
	w.blk.Unwind()
	w.grouped = false
	w.last = w.savedLast
	w.hash = w.savedHash
}

// DecodeError describes a header or payload reference that falls outside
// the block or names an unknown opcode.
type DecodeError struct {
	Index  int   // command index within the block
	Offset int   // header offset
	ID     uint8 // opcode id as read
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chain: corrupt command %d at offset %d (opcode %d): %s", e.Index, e.Offset, e.ID, e.Reason)
}

// Layout reports the payload alignment for an opcode id, and whether the id
// is valid.
type Layout func(id uint8) (align int, ok bool)

// Visitor receives each decoded command in order.
type Visitor func(id uint8, payload []byte)

// Walk decodes the first count commands of blk and calls visit for each.
// Every header and payload reference is bounds-checked before use; the
// first violation is returned as a *DecodeError and no further commands are
// visited.
func Walk(blk *block.Block, count int, layout Layout, visit Visitor) error {
	mem := blk.Bytes()
	low, size := blk.Low(), len(mem)
	at := 0
	for i := 0; i < count; i++ {
		if at%HeaderAlign != 0 || at < 0 || at+HeaderSize > low {
			return &DecodeError{Index: i, Offset: at, Reason: "header outside low region"}
		}
		w0 := binary.LittleEndian.Uint32(mem[at:])
		id := uint8(w0 & (MaxOpcodes - 1))
		jump := int(w0 >> IDBits)
		off := int(binary.LittleEndian.Uint32(mem[at+4:]))
		n := int(binary.LittleEndian.Uint32(mem[at+8:]))

		align, ok := layout(id)
		if !ok {
			return &DecodeError{Index: i, Offset: at, ID: id, Reason: "unknown opcode"}
		}
		if off < blk.High() || off > size || n > size-off {
			return &DecodeError{Index: i, Offset: at, ID: id, Reason: fmt.Sprintf("payload [%d,+%d) outside high region", off, n)}
		}
		if off%align != 0 {
			return &DecodeError{Index: i, Offset: at, ID: id, Reason: fmt.Sprintf("payload offset %d not aligned to %d", off, align)}
		}
		visit(id, mem[off:off+n:off+n])

		if i+1 < count && jump <= at {
			return &DecodeError{Index: i, Offset: at, ID: id, Reason: fmt.Sprintf("jump %d does not advance", jump)}
		}
		at = jump
	}
	return nil
}
