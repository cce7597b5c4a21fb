package rhi

import "sync/atomic"

// Stats is a snapshot of device counters.
type Stats struct {
	// Submitted counts non-empty buffers submitted.
	Submitted uint64
	// Executed counts buffers retired, including skipped ones.
	Executed uint64
	// Skipped counts buffers diffing found unchanged.
	Skipped uint64
	// DiffMismatches counts buffers whose hash differed from the previous
	// frame's slot.
	DiffMismatches uint64
	// DiffForced counts unchanged buffers executed because they hold a
	// volatile command.
	DiffForced uint64
	// CapacityFlushes counts buffers submitted because a command did not
	// fit.
	CapacityFlushes uint64
	// FenceWaits counts waits on fences that were not yet satisfied.
	FenceWaits uint64
	// Pumped counts buffers executed on a caller goroutine.
	Pumped uint64
}

type counters struct {
	submitted       atomic.Uint64
	executed        atomic.Uint64
	skipped         atomic.Uint64
	diffMismatches  atomic.Uint64
	diffForced      atomic.Uint64
	capacityFlushes atomic.Uint64
	fenceWaits      atomic.Uint64
	pumped          atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Submitted:       c.submitted.Load(),
		Executed:        c.executed.Load(),
		Skipped:         c.skipped.Load(),
		DiffMismatches:  c.diffMismatches.Load(),
		DiffForced:      c.diffForced.Load(),
		CapacityFlushes: c.capacityFlushes.Load(),
		FenceWaits:      c.fenceWaits.Load(),
		Pumped:          c.pumped.Load(),
	}
}
