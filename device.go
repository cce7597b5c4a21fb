package rhi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi/internal/block"
	"github.com/gogpu/rhi/internal/chain"
)

// Order selects the queue a command buffer is submitted to.
type Order uint8

const (
	// Ordered buffers execute one at a time in submission order.
	Ordered Order = iota
	// Unordered buffers execute in any order, possibly concurrently.
	Unordered
)

// String returns the order name.
func (o Order) String() string {
	if o == Ordered {
		return "ordered"
	}
	return "unordered"
}

// Device owns a pool of command buffers, the ordered and unordered queues
// and the workers that drain them into a Backend.
//
// With one or more workers, the first worker alternates between the ordered
// and unordered queue and is the only one to take ordered work. The others
// take unordered work only. With zero workers, queued buffers execute on
// whichever goroutine needs a free buffer or waits on a fence.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	cfg     Config
	backend Backend
	caps    Capabilities
	workers int

	buffers []*CommandBuffer

	// mu guards the lists, buffer states, the diff table and closed.
	mu          sync.Mutex
	queuedCond  *sync.Cond // signalled when a buffer is queued or on close
	retiredCond *sync.Cond // signalled when a buffer returns to the free list
	free        bufferList
	ordered     bufferList
	unordered   bufferList
	orderedBusy bool
	executing   int
	closed      bool
	diff        differ

	wg      sync.WaitGroup
	running atomic.Bool

	stats counters

	resMu     sync.Mutex
	resources map[ResourceID]*Resource
	nextID    atomic.Uint32

	stream *Stream
	frames framePacer
}

// NewDevice creates a device over backend. The backend is owned by the
// device from here on and closed by Device.Close.
func NewDevice(backend Backend, opts ...Option) (*Device, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	caps := backend.Capabilities()
	workers := cfg.Workers
	if workers > caps.MaxWorkers {
		workers = max(caps.MaxWorkers, 0)
	}

	d := &Device{
		cfg:       cfg,
		backend:   backend,
		caps:      caps,
		workers:   workers,
		resources: make(map[ResourceID]*Resource),
	}
	d.queuedCond = sync.NewCond(&d.mu)
	d.retiredCond = sync.NewCond(&d.mu)

	d.buffers = make([]*CommandBuffer, cfg.BufferCount)
	for i := range d.buffers {
		blk, err := newBlock(cfg)
		if err != nil {
			d.releaseBlocks()
			return nil, err
		}
		b := newCommandBuffer(d, i, blk)
		d.buffers[i] = b
		d.free.pushBack(b)
	}

	d.stream = newStream(d, Ordered)
	d.frames.init(cfg.MaxPendingFrames)

	propagateLogger(backend, Logger())
	liveDevices.Store(d, struct{}{})
	d.running.Store(true)

	if workers > 0 {
		d.wg.Add(workers)
		go d.primaryWorker()
		for i := 1; i < workers; i++ {
			go d.secondaryWorker()
		}
	}

	Logger().Info("rhi: device created",
		"backend", backend.Name(),
		"workers", workers,
		"buffers", cfg.BufferCount,
		"buffer_size", cfg.BufferSize,
		"diffing", cfg.Diffing)
	return d, nil
}

func newBlock(cfg Config) (*block.Block, error) {
	if !cfg.GuardPages {
		return block.New(cfg.BufferSize), nil
	}
	blk, err := block.NewGuarded(cfg.BufferSize)
	if errors.Is(err, block.ErrGuardUnsupported) {
		Logger().Warn("rhi: guard pages unsupported, using plain buffers")
		return block.New(cfg.BufferSize), nil
	}
	return blk, err
}

func (d *Device) releaseBlocks() {
	for _, b := range d.buffers {
		if b == nil {
			continue
		}
		if err := b.blk.Release(); err != nil {
			Logger().Warn("rhi: release command buffer", "index", b.index, "error", err)
		}
	}
}

// Backend returns the device's backend.
func (d *Device) Backend() Backend { return d.backend }

// Config returns the configuration the device was created with.
func (d *Device) Config() Config { return d.cfg }

// Workers returns the number of worker goroutines after clamping.
func (d *Device) Workers() int { return d.workers }

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats { return d.stats.snapshot() }

// DefaultStream returns the device's ordered stream. Resource creation and
// destruction go through it.
func (d *Device) DefaultStream() *Stream { return d.stream }

// NewStream returns a new stream submitting with the given order.
func (d *Device) NewStream(order Order) *Stream { return newStream(d, order) }

// TryAcquireFreeBuffer pops a free buffer, or returns nil without blocking.
func (d *Device) TryAcquireFreeBuffer() *CommandBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.free.popFront()
	if b != nil {
		b.state = stateBuilding
	}
	return b
}

// PumpOneQueuedBuffer executes one queued buffer on the calling goroutine
// and reports whether it did. Ordered work is preferred. When the device
// has workers, only unordered work is taken; ordered work stays with the
// first worker.
func (d *Device) PumpOneQueuedBuffer() bool {
	d.mu.Lock()
	b := d.popLocked(d.workers == 0, true, true)
	d.mu.Unlock()
	if b == nil {
		return false
	}
	d.stats.pumped.Add(1)
	d.run(b)
	return true
}

// GetBuffer returns a free buffer. If none is free and wait is false it
// returns nil. Otherwise it blocks until one retires; a device without
// workers executes queued buffers on the caller until one frees up.
func (d *Device) GetBuffer(wait bool) *CommandBuffer {
	for {
		if b := d.TryAcquireFreeBuffer(); b != nil {
			return b
		}
		if !wait {
			return nil
		}
		if d.workers == 0 && d.PumpOneQueuedBuffer() {
			continue
		}
		d.mu.Lock()
		for d.free.empty() && !d.pumpableLocked() {
			d.retiredCond.Wait()
		}
		d.mu.Unlock()
	}
}

// Submit queues b and returns a fence for its contents. An empty buffer
// goes straight back to the free list and yields the zero Fence.
func (d *Device) Submit(b *CommandBuffer, order Order) Fence {
	if b.dev != d {
		panic("rhi: Submit of a buffer from another device")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.state != stateBuilding {
		panic(fmt.Sprintf("rhi: Submit of %v buffer %d", b.state, b.index))
	}

	if b.w.Count() == 0 || d.closed {
		if d.closed {
			Logger().Warn("rhi: submit after close dropped", "buffer", b.index, "commands", b.w.Count())
		}
		b.recycle()
		d.free.pushFront(b)
		d.retiredCond.Broadcast()
		return Fence{}
	}

	b.submitted++
	b.order = order
	b.state = stateQueued
	if d.cfg.Diffing {
		d.diffLocked(b)
	}
	if order == Ordered {
		d.ordered.pushBack(b)
	} else {
		d.unordered.pushBack(b)
	}
	d.stats.submitted.Add(1)

	// Workers wait on one condition but not every worker may take every
	// queue, so wake them all.
	d.queuedCond.Broadcast()
	if d.workers == 0 {
		d.retiredCond.Broadcast()
	}
	return Fence{buf: b, counter: b.submitted}
}

func (d *Device) diffLocked(b *CommandBuffer) {
	match, slot, hash := d.diff.observe(b.w.Hash())
	switch {
	case match && b.volatile:
		d.stats.diffForced.Add(1)
	case match:
		b.skip = true
	default:
		d.stats.diffMismatches.Add(1)
		Logger().Debug("rhi: diff mismatch", "slot", slot, "buffer", b.index, "hash", hash)
	}
}

// pumpableLocked reports whether a waiter on a worker-less device could
// make progress by executing queued work.
func (d *Device) pumpableLocked() bool {
	if d.workers > 0 {
		return false
	}
	return !d.unordered.empty() || (!d.ordered.empty() && !d.orderedBusy)
}

// popLocked takes the next runnable buffer. Ordered work is only runnable
// while no other ordered buffer executes.
func (d *Device) popLocked(allowOrdered, allowUnordered, preferOrdered bool) *CommandBuffer {
	var b *CommandBuffer
	takeOrdered := func() {
		if b == nil && allowOrdered && !d.orderedBusy {
			if b = d.ordered.popFront(); b != nil {
				d.orderedBusy = true
			}
		}
	}
	takeUnordered := func() {
		if b == nil && allowUnordered {
			b = d.unordered.popFront()
		}
	}
	if preferOrdered {
		takeOrdered()
		takeUnordered()
	} else {
		takeUnordered()
		takeOrdered()
	}
	if b != nil {
		b.state = stateExecuting
		d.executing++
	}
	return b
}

// run executes b on the calling goroutine and retires it.
func (d *Device) run(b *CommandBuffer) {
	d.execute(b)
	d.retire(b)
}

// execute decodes b and dispatches its commands, unless diffing marked it
// as unchanged. A decode failure panics with *CorruptionError.
func (d *Device) execute(b *CommandBuffer) {
	if b.skip {
		d.stats.skipped.Add(1)
		return
	}
	x := executor{d: d, be: d.backend}
	err := chain.Walk(b.blk, b.blk.Count(), opLayout, func(id uint8, payload []byte) {
		x.run(Opcode(id), payload)
	})
	if err != nil {
		ce := &CorruptionError{Buffer: b.index, Err: err}
		var de *chain.DecodeError
		if errors.As(err, &de) {
			ce.Opcode = Opcode(de.ID)
			ce.Offset = de.Offset
		}
		panic(ce)
	}
}

func (d *Device) retire(b *CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.order == Ordered {
		d.orderedBusy = false
		if !d.ordered.empty() {
			d.queuedCond.Broadcast()
		}
	}
	d.executing--
	b.retired.Add(1)
	b.recycle()
	d.free.pushFront(b)
	d.stats.executed.Add(1)
	d.retiredCond.Broadcast()
}

// WaitFence blocks until f is satisfied. A device without workers executes
// queued buffers on the caller meanwhile.
func (d *Device) WaitFence(f Fence) error {
	if f.Satisfied() {
		return nil
	}
	if f.buf.dev != d {
		return ErrForeignFence
	}
	d.stats.fenceWaits.Add(1)
	for {
		d.mu.Lock()
		if !f.submittedLocked() {
			d.mu.Unlock()
			return ErrFenceNotSubmitted
		}
		for !f.Satisfied() && !d.pumpableLocked() {
			d.retiredCond.Wait()
		}
		d.mu.Unlock()
		if f.Satisfied() {
			return nil
		}
		d.PumpOneQueuedBuffer()
	}
}

// Close flushes the default stream, drains both queues, stops the workers
// and closes the backend. Work still being built in other streams is
// discarded.
func (d *Device) Close() error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := d.WaitFence(d.stream.Flush(NoWait)); err != nil {
		Logger().Warn("rhi: close: flush default stream", "error", err)
	}
	d.drain()

	d.mu.Lock()
	d.closed = true
	d.queuedCond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()

	liveDevices.Delete(d)
	d.releaseBlocks()
	err := d.backend.Close()
	st := d.Stats()
	Logger().Info("rhi: device closed",
		"submitted", st.Submitted,
		"executed", st.Executed,
		"skipped", st.Skipped)
	return err
}

// drain blocks until both queues are empty and nothing executes.
func (d *Device) drain() {
	for {
		if d.workers == 0 && d.PumpOneQueuedBuffer() {
			continue
		}
		d.mu.Lock()
		idle := d.ordered.empty() && d.unordered.empty() && d.executing == 0
		if !idle && !d.pumpableLocked() {
			d.retiredCond.Wait()
		}
		d.mu.Unlock()
		if idle {
			return
		}
	}
}

// attachError records a backend failure on the resource it concerns.
func (d *Device) attachError(id ResourceID, op Opcode, err error) {
	d.resMu.Lock()
	r := d.resources[id]
	d.resMu.Unlock()
	Logger().Warn("rhi: backend error", "op", op, "resource", id, "error", err)
	if r != nil {
		r.setErr(fmt.Errorf("rhi: %v: %w", op, err))
	}
}
