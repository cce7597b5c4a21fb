// Package rhi records rendering commands into fixed-size command buffers and
// executes them against a backend on worker goroutines.
//
// # Overview
//
// Producers encode commands through a Stream. Each Stream fills one
// CommandBuffer at a time and submits it to the device's ordered or
// unordered queue when it is full or flushed. Workers decode queued buffers
// and call the Backend. Buffers return to a fixed pool after execution.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/rhi"
//	    _ "github.com/gogpu/rhi/backends/soft"
//	)
//
//	dev, err := rhi.Open("soft", rhi.WithWorkers(2))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	s := dev.DefaultStream()
//	rt, _ := s.CreateRenderTarget(rhi.RenderTargetDesc{Width: 64, Height: 64})
//	_ = s.Append(rhi.BeginPass{Target: rt, Load: gputypes.LoadOpClear})
//	_ = s.Append(rhi.EndPass{})
//	s.Flush(rhi.Wait)
//	rt.Release()
//
// # Queues and Workers
//
// Ordered buffers execute one at a time in submission order. Unordered
// buffers may execute concurrently with each other and with ordered work.
// The worker count is clamped to the backend's MaxWorkers capability; with
// zero workers, queued work executes on goroutines that acquire buffers or
// wait on fences.
//
// # Fences and Lifetime
//
// A Fence identifies a submission of a command buffer. Resources remember
// the fence of their last use, and Release waits for it before encoding the
// destroy command on the default stream.
//
// # Diffing
//
// With diffing enabled, the device hashes each submitted buffer together
// with the buffers before it in the same frame and skips buffers identical
// to the previous frame's. Buffers containing resource creation, update or
// destruction commands always execute.
//
// # Logging
//
// rhi is silent by default. See SetLogger.
package rhi

// Version is the current version of the library.
const Version = "0.1.0"
