package block

import (
	"errors"
	"fmt"
)

// Block errors.
var (
	// ErrGuardUnsupported is returned by NewGuarded on platforms without mmap.
	ErrGuardUnsupported = errors.New("block: guard pages not supported on this platform")

	// ErrInvalidSize is returned when a block size is not positive.
	ErrInvalidSize = errors.New("block: invalid size")
)

// State reports whether a mark is outstanding.
type State uint8

const (
	// Clean means no mark is outstanding.
	Clean State = iota
	// Marked means Mark was called and neither Unwind nor Commit followed.
	Marked
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Clean:
		return "Clean"
	case Marked:
		return "Marked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// snapshot is the state captured by Mark.
type snapshot struct {
	low, high, count int
}

// Block is a fixed-size region with a low and a high allocation cursor.
//
// Invariant: 0 <= low <= high <= len(mem).
//
// Block is not safe for concurrent use. A command buffer owns exactly one
// Block and only the goroutine holding the buffer touches it.
type Block struct {
	mem   []byte
	low   int
	high  int
	count int

	state State
	saved snapshot

	// unmap releases a guarded mapping; nil for heap-backed blocks.
	unmap func() error
}

// New returns a heap-backed block of size bytes.
func New(size int) *Block {
	if size <= 0 {
		panic(ErrInvalidSize)
	}
	return &Block{mem: make([]byte, size), high: size}
}

// NewGuarded returns a block whose memory is surrounded by inaccessible
// guard pages. The usable size is rounded up to a whole number of pages.
func NewGuarded(size int) (*Block, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	mem, unmap, err := mapGuarded(size)
	if err != nil {
		return nil, err
	}
	return &Block{mem: mem, high: len(mem), unmap: unmap}, nil
}

// Release returns guarded memory to the OS. The block must not be used
// afterwards. Release is a no-op for heap-backed blocks.
func (b *Block) Release() error {
	if b.unmap == nil {
		return nil
	}
	err := b.unmap()
	b.unmap = nil
	b.mem = nil
	b.low, b.high, b.count = 0, 0, 0
	return err
}

// Guarded reports whether the block was created by NewGuarded.
func (b *Block) Guarded() bool { return b.unmap != nil }

// Len returns the capacity of the block in bytes.
func (b *Block) Len() int { return len(b.mem) }

// Bytes returns the whole backing region. Callers index it with offsets
// returned by the allocators.
func (b *Block) Bytes() []byte { return b.mem }

// Low returns the low cursor (first unallocated byte at the low end).
func (b *Block) Low() int { return b.low }

// High returns the high cursor (first allocated byte at the high end).
func (b *Block) High() int { return b.high }

// Free returns the number of bytes between the cursors.
func (b *Block) Free() int { return b.high - b.low }

// Count returns the number of commands recorded in the block.
func (b *Block) Count() int { return b.count }

// AddCommand increments the command count.
func (b *Block) AddCommand() { b.count++ }

// State returns the current mark state.
func (b *Block) State() State { return b.state }

// AllocLow bumps the low cursor upward by size bytes at the given
// alignment and returns the offset of the allocation. It fails without side
// effects if the allocation would cross the high cursor.
func (b *Block) AllocLow(align, size int) (int, bool) {
	checkAlign(align)
	start := (b.low + align - 1) &^ (align - 1)
	end := start + size
	if size < 0 || end > b.high || end < start {
		return 0, false
	}
	b.low = end
	return start, true
}

// AllocHigh bumps the high cursor downward by size bytes at the given
// alignment and returns the offset of the allocation. It fails without side
// effects if the allocation would cross the low cursor.
func (b *Block) AllocHigh(align, size int) (int, bool) {
	checkAlign(align)
	if size < 0 || size > b.high {
		return 0, false
	}
	start := (b.high - size) &^ (align - 1)
	if start < b.low {
		return 0, false
	}
	b.high = start
	return start, true
}

// AllocHighOrTrap is AllocHigh for callers that have already flushed and
// are allocating into a block guaranteed to have room. Overflow panics.
func (b *Block) AllocHighOrTrap(align, size int) int {
	off, ok := b.AllocHigh(align, size)
	if !ok {
		panic(fmt.Sprintf("block: high allocation of %d bytes (align %d) overflows block (low=%d high=%d len=%d)",
			size, align, b.low, b.high, len(b.mem)))
	}
	return off
}

// Mark snapshots both cursors and the command count. It panics if a mark is
// already outstanding.
func (b *Block) Mark() {
	if b.state == Marked {
		panic("block: Mark called on a block that is already marked")
	}
	b.saved = snapshot{low: b.low, high: b.high, count: b.count}
	b.state = Marked
}

// Unwind restores the snapshot taken by Mark, discarding every allocation
// made since, and returns the block to the Clean state.
func (b *Block) Unwind() {
	if b.state != Marked {
		panic("block: Unwind called without a matching Mark")
	}
	b.low, b.high, b.count = b.saved.low, b.saved.high, b.saved.count
	b.state = Clean
}

// Commit keeps every allocation made since Mark and returns the block to
// the Clean state.
func (b *Block) Commit() {
	if b.state != Marked {
		panic("block: Commit called without a matching Mark")
	}
	b.state = Clean
}

// Reset returns both cursors to the ends of the block and zeroes the
// command count. Memory contents are left as they are.
func (b *Block) Reset() {
	if b.state == Marked {
		panic("block: Reset called while a mark is outstanding")
	}
	b.low = 0
	b.high = len(b.mem)
	b.count = 0
}

func checkAlign(align int) {
	if align <= 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("block: alignment %d is not a power of two", align))
	}
}
