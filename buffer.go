package rhi

import (
	"sync/atomic"

	"github.com/gogpu/rhi/internal/block"
	"github.com/gogpu/rhi/internal/chain"
)

// bufferState tracks where a command buffer is in its cycle.
type bufferState uint8

const (
	stateFree bufferState = iota
	stateBuilding
	stateQueued
	stateExecuting
)

var bufferStateNames = [...]string{
	stateFree:      "free",
	stateBuilding:  "building",
	stateQueued:    "queued",
	stateExecuting: "executing",
}

func (s bufferState) String() string {
	if int(s) < len(bufferStateNames) {
		return bufferStateNames[s]
	}
	return "unknown"
}

// CommandBuffer is one block of encoded commands owned by a Device. It
// cycles free, building, queued, executing and back to free. A buffer in the
// building state belongs to the goroutine that acquired it.
type CommandBuffer struct {
	dev   *Device
	index int
	blk   *block.Block
	w     *chain.Writer

	// submitted counts submissions. Written by the owner under dev.mu.
	submitted uint32
	// retired counts completed executions.
	retired atomic.Uint32

	// Fields below are guarded by dev.mu once the buffer leaves the
	// building state.
	next     *CommandBuffer
	state    bufferState
	order    Order
	volatile bool
	skip     bool
}

func newCommandBuffer(d *Device, index int, blk *block.Block) *CommandBuffer {
	return &CommandBuffer{
		dev:   d,
		index: index,
		blk:   blk,
		w:     chain.NewWriter(blk, d.cfg.Diffing),
	}
}

// Index returns the buffer's position in the device pool.
func (b *CommandBuffer) Index() int { return b.index }

// Len returns the number of commands recorded since the buffer was
// acquired.
func (b *CommandBuffer) Len() int { return b.w.Count() }

// Free returns the unused bytes between the header and payload regions.
func (b *CommandBuffer) Free() int { return b.blk.Free() }

// Hash returns the running content hash. Zero unless diffing is enabled.
func (b *CommandBuffer) Hash() uint64 { return b.w.Hash() }

// Retired returns how many times the buffer has finished executing.
func (b *CommandBuffer) Retired() uint32 { return b.retired.Load() }

// Fence returns a fence for everything recorded into the buffer so far.
// Waiting on it before the buffer is submitted returns ErrFenceNotSubmitted.
func (b *CommandBuffer) Fence() Fence {
	return Fence{buf: b, counter: b.submitted + 1}
}

// Append encodes cmd. It reports false, leaving the buffer unchanged, when
// the command does not fit.
func (b *CommandBuffer) Append(cmd Command) bool {
	op := cmd.Opcode()
	info := &opTable[op]
	ok := b.w.Write(uint8(op), info.align, cmd.argSize(), func(p []byte) {
		w := argWriter{b: p}
		cmd.encode(&w)
	})
	if ok && info.volatile {
		b.volatile = true
	}
	return ok
}

// Begin opens an all-or-nothing group of Appends.
func (b *CommandBuffer) Begin() { b.w.Begin() }

// Commit keeps the group's commands.
func (b *CommandBuffer) Commit() { b.w.Commit() }

// Rollback discards the group's commands. A volatile flag raised inside the
// group stays set; the buffer then executes unconditionally.
func (b *CommandBuffer) Rollback() { b.w.Rollback() }

// recycle empties the buffer for reuse. Called with dev.mu held.
func (b *CommandBuffer) recycle() {
	b.w.Reset()
	b.next = nil
	b.volatile = false
	b.skip = false
	b.state = stateFree
}

// bufferList is an intrusive singly linked list of buffers. Used as a LIFO
// for the free list and a FIFO for the queues.
type bufferList struct {
	head, tail *CommandBuffer
	n          int
}

func (l *bufferList) pushBack(b *CommandBuffer) {
	b.next = nil
	if l.tail == nil {
		l.head = b
	} else {
		l.tail.next = b
	}
	l.tail = b
	l.n++
}

func (l *bufferList) pushFront(b *CommandBuffer) {
	b.next = l.head
	l.head = b
	if l.tail == nil {
		l.tail = b
	}
	l.n++
}

func (l *bufferList) popFront() *CommandBuffer {
	b := l.head
	if b == nil {
		return nil
	}
	l.head = b.next
	if l.head == nil {
		l.tail = nil
	}
	b.next = nil
	l.n--
	return b
}

func (l *bufferList) empty() bool { return l.head == nil }
