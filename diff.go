package rhi

import (
	"github.com/gogpu/rhi/internal/chain"
)

// maxDiffSlots bounds the submissions per frame that take part in diffing.
// Later submissions always execute.
const maxDiffSlots = 4096

// differ compares each submitted buffer with the buffer submitted in the
// same slot of the previous frame. Slots count submissions since the last
// BeginFrame. Guarded by the device mutex.
type differ struct {
	carry uint64
	slot  int
	prev  []uint64
	seen  []bool
}

// observe folds a buffer's content hash into the frame's running hash and
// reports whether its slot matched last frame, and the slot it used.
func (df *differ) observe(content uint64) (match bool, slot int, hash uint64) {
	hash = chain.Fold(df.carry, 0, content)
	df.carry = hash
	slot = df.slot
	df.slot++
	if slot >= maxDiffSlots {
		return false, slot, hash
	}
	if slot == len(df.prev) {
		df.prev = append(df.prev, 0)
		df.seen = append(df.seen, false)
	}
	match = df.seen[slot] && df.prev[slot] == hash
	df.prev[slot] = hash
	df.seen[slot] = true
	return match, slot, hash
}

// rewind starts a new frame.
func (df *differ) rewind() {
	df.carry = 0
	df.slot = 0
}
