package rhi

// primaryWorker is the only worker that takes ordered work. It alternates
// which queue it checks first so neither starves the other.
func (d *Device) primaryWorker() {
	defer d.wg.Done()

	preferOrdered := true
	for {
		b := d.nextWork(true, preferOrdered)
		if b == nil {
			return
		}
		preferOrdered = !preferOrdered
		d.run(b)
	}
}

// secondaryWorker takes unordered work only.
func (d *Device) secondaryWorker() {
	defer d.wg.Done()

	for {
		b := d.nextWork(false, false)
		if b == nil {
			return
		}
		d.run(b)
	}
}

// nextWork blocks until a runnable buffer is queued. It returns nil once
// the device is closed and nothing runnable remains.
func (d *Device) nextWork(allowOrdered, preferOrdered bool) *CommandBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if b := d.popLocked(allowOrdered, true, preferOrdered); b != nil {
			return b
		}
		if d.closed {
			return nil
		}
		d.queuedCond.Wait()
	}
}
