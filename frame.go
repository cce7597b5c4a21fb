package rhi

import "sync"

// framePacer keeps one fence per frame in a ring one slot larger than the
// pending-frame limit.
type framePacer struct {
	mu     sync.Mutex
	fences []Fence
	head   int
}

func (p *framePacer) init(maxPending int) {
	p.fences = make([]Fence, maxPending+1)
}

// BeginFrame waits until at most MaxPendingFrames earlier frames are still
// outstanding, then starts a new diffing frame.
func (d *Device) BeginFrame() error {
	d.frames.mu.Lock()
	oldest := d.frames.fences[d.frames.head]
	d.frames.mu.Unlock()

	if err := d.WaitFence(oldest); err != nil {
		return err
	}

	d.mu.Lock()
	d.diff.rewind()
	d.mu.Unlock()
	return nil
}

// EndFrame flushes the default stream and records the frame's fence.
func (d *Device) EndFrame() Fence {
	f := d.stream.Flush(NoWait)

	d.frames.mu.Lock()
	d.frames.fences[d.frames.head] = f
	d.frames.head = (d.frames.head + 1) % len(d.frames.fences)
	d.frames.mu.Unlock()
	return f
}
