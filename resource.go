package rhi

import (
	"sync"
	"sync/atomic"
)

// Resource is a reference-counted handle to a backend object. It starts
// with one reference owned by its creator. Dropping the last reference
// destroys the backend object once every recorded use has executed.
type Resource struct {
	dev  *Device
	id   ResourceID
	kind ResourceKind
	refs atomic.Int32

	mu    sync.Mutex
	fence Fence
	// uses holds the latest use on each stream that recorded one.
	uses map[*Stream]Fence
	err  error
}

func (d *Device) newResource(kind ResourceKind) *Resource {
	r := &Resource{
		dev:  d,
		id:   ResourceID(d.nextID.Add(1)),
		kind: kind,
	}
	r.refs.Store(1)
	d.resMu.Lock()
	d.resources[r.id] = r
	d.resMu.Unlock()
	return r
}

func (d *Device) forget(r *Resource) {
	d.resMu.Lock()
	delete(d.resources, r.id)
	d.resMu.Unlock()
}

// ID returns the id used for this resource in encoded commands.
func (r *Resource) ID() ResourceID { return r.id }

// Kind returns the resource kind.
func (r *Resource) Kind() ResourceKind { return r.kind }

// Refs returns the current reference count.
func (r *Resource) Refs() int { return int(r.refs.Load()) }

// Err returns the backend error recorded for this resource, if any. It is
// only meaningful once the creating command has executed.
func (r *Resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Fence returns the fence of the resource's last recorded use.
func (r *Resource) Fence() Fence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fence
}

// AddRef adds a reference.
func (r *Resource) AddRef() {
	if r.refs.Add(1) <= 1 {
		panic("rhi: AddRef on a released resource")
	}
}

// Release drops a reference. Dropping the last one blocks until the
// backend object is destroyed. Releasing more often than referenced
// panics.
func (r *Resource) Release() {
	n := r.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("rhi: Release of resource " + r.kind.String() + " with no references")
	}
	r.dev.destroy(r)
}

func (r *Resource) use(s *Stream, f Fence) {
	r.mu.Lock()
	if r.uses == nil {
		r.uses = make(map[*Stream]Fence, 1)
	}
	r.uses[s] = f
	r.fence = f
	r.mu.Unlock()
}

func (r *Resource) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// destroy retires every recorded use of r, then encodes its destruction on
// the default stream and waits for it.
func (d *Device) destroy(r *Resource) {
	defer d.forget(r)
	if !d.running.Load() {
		return
	}

	r.mu.Lock()
	uses := r.uses
	r.uses = nil
	r.mu.Unlock()

	// Flush every using stream before waiting on any of them.
	for ls := range uses {
		if ls != d.stream {
			ls.Flush(NoWait)
		}
	}
	// The ordered queue runs in submission order, so only uses on the
	// unordered queue have to finish before the destroy is queued.
	for ls, f := range uses {
		if ls == d.stream || ls.order != Unordered {
			continue
		}
		if err := d.WaitFence(f); err != nil {
			Logger().Warn("rhi: release: wait last use", "resource", r.id, "error", err)
		}
	}

	s := d.stream
	s.mu.Lock()
	s.appendLocked(destroyCmd{id: r.id, kind: r.kind})
	s.mu.Unlock()

	if err := d.WaitFence(s.Flush(NoWait)); err != nil {
		Logger().Warn("rhi: release: wait destroy", "resource", r.id, "error", err)
	}
}
