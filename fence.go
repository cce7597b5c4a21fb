package rhi

// Fence marks a point in a command buffer's submission history. It is
// satisfied once that buffer has retired at least counter times. Counters
// wrap; comparisons hold as long as fewer than 2^31 submissions of one
// buffer separate the fence from the present.
//
// The zero Fence is always satisfied.
type Fence struct {
	buf     *CommandBuffer
	counter uint32
}

// IsZero reports whether f is the null fence.
func (f Fence) IsZero() bool { return f.buf == nil }

// Satisfied reports whether the work behind f has finished executing.
func (f Fence) Satisfied() bool {
	if f.buf == nil {
		return true
	}
	return int32(f.buf.retired.Load()-f.counter) >= 0
}

// submittedLocked reports whether the buffer has been submitted at least
// counter times. Called with the device mutex held.
func (f Fence) submittedLocked() bool {
	return int32(f.buf.submitted-f.counter) >= 0
}
