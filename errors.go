package rhi

import (
	"errors"
	"fmt"
)

// Device and stream errors.
var (
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("rhi: invalid config")

	// ErrNilBackend is returned by NewDevice when no backend is given.
	ErrNilBackend = errors.New("rhi: backend is nil")

	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("rhi: device is closed")

	// ErrCommandTooLarge is returned when a command can never fit in one
	// command buffer, even an empty one.
	ErrCommandTooLarge = errors.New("rhi: command larger than a command buffer")

	// ErrFenceNotSubmitted is returned when waiting on a fence whose
	// command buffer has not been submitted yet. Waiting on it would never
	// return.
	ErrFenceNotSubmitted = errors.New("rhi: fence refers to work that was never submitted")

	// ErrForeignFence is returned when a fence from one device is waited on
	// through another.
	ErrForeignFence = errors.New("rhi: fence belongs to another device")

	// ErrTextureTooLarge is returned when a texture or render target exceeds
	// the backend's MaxTextureSize.
	ErrTextureTooLarge = errors.New("rhi: texture exceeds backend limit")
)

// CorruptionError is the panic value raised when a command buffer cannot be
// decoded: an opcode outside the known set or an offset outside the buffer.
// Encoder and decoder are compiled together, so this is never a runtime
// input condition.
type CorruptionError struct {
	// Buffer is the pool index of the command buffer.
	Buffer int
	// Opcode is the opcode id read from the corrupt header.
	Opcode Opcode
	// Offset is the byte offset of the corrupt header.
	Offset int
	// Err is the underlying decode error.
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("rhi: corrupt command buffer %d at offset %d (opcode %v): %v", e.Buffer, e.Offset, e.Opcode, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *CorruptionError) Unwrap() error { return e.Err }
