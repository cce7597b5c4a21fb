package rhi

import (
	"fmt"

	"github.com/gogpu/rhi/internal/chain"
)

// Configuration defaults.
const (
	// DefaultBufferCount is the default number of command buffers in a pool.
	DefaultBufferCount = 8

	// DefaultBufferSize is the default size of one command buffer in bytes.
	DefaultBufferSize = 64 << 10

	// DefaultWorkers is the default desired worker count.
	DefaultWorkers = 1

	// DefaultMaxPendingFrames is the default number of frames execution may
	// lag behind submission.
	DefaultMaxPendingFrames = 2

	// MinBufferSize is the smallest accepted command buffer size.
	MinBufferSize = 256
)

// Config holds device configuration. The zero value is not valid; start
// from DefaultConfig or pass Options to NewDevice.
type Config struct {
	// BufferCount is the number of command buffers in the device pool.
	BufferCount int

	// BufferSize is the byte size of each command buffer. It must be a
	// multiple of 16 and fit the header jump range.
	BufferSize int

	// Workers is the desired number of worker goroutines. It is clamped to
	// the backend's MaxWorkers capability. Zero means commands execute on
	// the goroutines that flush or wait.
	Workers int

	// Diffing enables skipping command buffers whose encoded contents match
	// the same slot of the previous frame.
	Diffing bool

	// GuardPages maps every command buffer between inaccessible pages.
	// Diagnostic only.
	GuardPages bool

	// MaxPendingFrames caps how many frames may be submitted but not yet
	// executed before BeginFrame blocks.
	MaxPendingFrames int
}

// DefaultConfig returns the default device configuration.
func DefaultConfig() Config {
	return Config{
		BufferCount:      DefaultBufferCount,
		BufferSize:       DefaultBufferSize,
		Workers:          DefaultWorkers,
		MaxPendingFrames: DefaultMaxPendingFrames,
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.BufferCount < 1:
		return fmt.Errorf("%w: buffer count %d < 1", ErrInvalidConfig, c.BufferCount)
	case c.BufferSize < MinBufferSize:
		return fmt.Errorf("%w: buffer size %d < %d", ErrInvalidConfig, c.BufferSize, MinBufferSize)
	case c.BufferSize > chain.MaxBlockSize:
		return fmt.Errorf("%w: buffer size %d exceeds jump range %d", ErrInvalidConfig, c.BufferSize, chain.MaxBlockSize)
	case c.BufferSize%16 != 0:
		return fmt.Errorf("%w: buffer size %d not a multiple of 16", ErrInvalidConfig, c.BufferSize)
	case c.Workers < 0:
		return fmt.Errorf("%w: negative worker count %d", ErrInvalidConfig, c.Workers)
	case c.MaxPendingFrames < 1:
		return fmt.Errorf("%w: max pending frames %d < 1", ErrInvalidConfig, c.MaxPendingFrames)
	}
	return nil
}

// Option configures a Device during creation.
// Use functional options to customize Device behavior.
//
// Example:
//
//	dev, err := rhi.NewDevice(backend,
//	    rhi.WithWorkers(2),
//	    rhi.WithDiffing(true),
//	)
type Option func(*Config)

// WithConfig replaces the whole configuration. Options after it still apply.
func WithConfig(c Config) Option {
	return func(dst *Config) {
		*dst = c
	}
}

// WithBufferCount sets the number of command buffers in the pool.
func WithBufferCount(n int) Option {
	return func(c *Config) {
		c.BufferCount = n
	}
}

// WithBufferSize sets the byte size of each command buffer.
func WithBufferSize(n int) Option {
	return func(c *Config) {
		c.BufferSize = n
	}
}

// WithWorkers sets the desired worker count. The device clamps it to the
// backend's capability.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
	}
}

// WithDiffing enables or disables command diffing.
//
// Only enable diffing when backend state changes exclusively through
// encoded commands. Frames are delimited by BeginFrame; without it every
// submission counts toward one frame, and submissions past the first 4096
// of a frame are never skipped.
func WithDiffing(enabled bool) Option {
	return func(c *Config) {
		c.Diffing = enabled
	}
}

// WithGuardPages enables guard pages around every command buffer.
func WithGuardPages(enabled bool) Option {
	return func(c *Config) {
		c.GuardPages = enabled
	}
}

// WithMaxPendingFrames sets how many frames may be in flight.
func WithMaxPendingFrames(n int) Option {
	return func(c *Config) {
		c.MaxPendingFrames = n
	}
}
