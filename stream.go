package rhi

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rhi/internal/chain"
)

// WaitMode selects whether Flush blocks.
type WaitMode uint8

const (
	// NoWait returns as soon as the buffer is queued.
	NoWait WaitMode = iota
	// Wait returns once the flushed work has executed.
	Wait
)

// Stream records commands into one command buffer at a time and submits it
// to a fixed queue when it fills up or is flushed.
//
// Thread safety: Stream is safe for concurrent use; appends from different
// goroutines interleave at command granularity.
type Stream struct {
	dev   *Device
	order Order

	mu   sync.Mutex
	buf  *CommandBuffer
	last Fence
}

func newStream(d *Device, order Order) *Stream {
	return &Stream{dev: d, order: order}
}

// Order returns the queue this stream submits to.
func (s *Stream) Order() Order { return s.order }

// Append encodes cmd, submitting the current buffer first if cmd does not
// fit. Every resource cmd refers to records this stream position as its
// last use.
func (s *Stream) Append(cmd Command) error {
	if err := s.check(cmd); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(cmd)
	s.useLocked(cmd)
	return nil
}

// AppendGroup encodes cmds so that they land in the same command buffer,
// consecutively.
func (s *Stream) AppendGroup(cmds ...Command) error {
	total := 0
	for _, cmd := range cmds {
		if err := s.check(cmd); err != nil {
			return err
		}
		total += chain.Required(opTable[cmd.Opcode()].align, cmd.argSize())
	}
	if total > s.dev.cfg.BufferSize {
		return fmt.Errorf("%w: group of %d commands needs %d bytes", ErrCommandTooLarge, len(cmds), total)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writeGroupLocked(cmds) {
		s.dev.stats.capacityFlushes.Add(1)
		s.submitLocked()
		if !s.writeGroupLocked(cmds) {
			panic("rhi: command group does not fit an empty buffer")
		}
	}
	for _, cmd := range cmds {
		s.useLocked(cmd)
	}
	return nil
}

func (s *Stream) writeGroupLocked(cmds []Command) bool {
	b := s.bufferLocked()
	b.Begin()
	for _, cmd := range cmds {
		if !b.Append(cmd) {
			b.Rollback()
			return false
		}
	}
	b.Commit()
	return true
}

func (s *Stream) check(cmd Command) error {
	if !s.dev.running.Load() {
		return ErrDeviceClosed
	}
	op := cmd.Opcode()
	if need := chain.Required(opTable[op].align, cmd.argSize()); need > s.dev.cfg.BufferSize {
		return fmt.Errorf("%w: %v needs %d bytes, buffers hold %d", ErrCommandTooLarge, op, need, s.dev.cfg.BufferSize)
	}
	return nil
}

func (s *Stream) bufferLocked() *CommandBuffer {
	if s.buf == nil {
		s.buf = s.dev.GetBuffer(true)
	}
	return s.buf
}

func (s *Stream) appendLocked(cmd Command) {
	if s.bufferLocked().Append(cmd) {
		return
	}
	s.dev.stats.capacityFlushes.Add(1)
	s.submitLocked()
	if !s.bufferLocked().Append(cmd) {
		panic(fmt.Sprintf("rhi: %v does not fit an empty buffer", cmd.Opcode()))
	}
}

func (s *Stream) useLocked(cmd Command) {
	f := s.buf.Fence()
	cmd.resources(func(r *Resource) { r.use(s, f) })
}

func (s *Stream) submitLocked() Fence {
	if s.buf == nil {
		return s.last
	}
	if f := s.dev.Submit(s.buf, s.order); !f.IsZero() {
		s.last = f
	}
	s.buf = nil
	return s.last
}

// Flush submits the current buffer. With Wait it also blocks until that
// work has executed. The returned fence covers everything appended so far.
func (s *Stream) Flush(mode WaitMode) Fence {
	s.mu.Lock()
	f := s.submitLocked()
	s.mu.Unlock()
	if mode == Wait {
		if err := s.dev.WaitFence(f); err != nil {
			Logger().Warn("rhi: flush wait", "order", s.order.String(), "error", err)
		}
	}
	return f
}

// Fence returns a fence covering everything appended so far, without
// submitting. It only becomes satisfiable once the stream is flushed.
func (s *Stream) Fence() Fence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil && s.buf.Len() > 0 {
		return s.buf.Fence()
	}
	return s.last
}

// Use records the current stream position as the last use of each
// resource, for resources referenced outside encoded commands.
func (s *Stream) Use(rs ...*Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.last
	if s.buf != nil && s.buf.Len() > 0 {
		f = s.buf.Fence()
	}
	for _, r := range rs {
		r.use(s, f)
	}
}

// create allocates a resource and encodes its creation command.
func (s *Stream) create(kind ResourceKind, build func(r *Resource) Command) (*Resource, error) {
	r := s.dev.newResource(kind)
	if err := s.Append(build(r)); err != nil {
		s.dev.forget(r)
		return nil, err
	}
	return r, nil
}

// CreateBuffer encodes creation of a GPU buffer.
func (s *Stream) CreateBuffer(desc BufferDesc) (*Resource, error) {
	return s.create(KindBuffer, func(r *Resource) Command { return createBufferCmd{res: r, desc: desc} })
}

// CreateMesh encodes creation of a mesh. The vertex and index data are
// copied into the command buffer.
func (s *Stream) CreateMesh(desc MeshDesc) (*Resource, error) {
	return s.create(KindMesh, func(r *Resource) Command { return createMeshCmd{res: r, desc: desc} })
}

// CreateTexture encodes creation of a texture.
func (s *Stream) CreateTexture(desc TextureDesc) (*Resource, error) {
	if err := s.dev.checkTextureSize(desc.Width, desc.Height); err != nil {
		return nil, err
	}
	return s.create(KindTexture, func(r *Resource) Command { return createTextureCmd{res: r, desc: desc} })
}

// CreateRenderTarget encodes creation of a render target.
func (s *Stream) CreateRenderTarget(desc RenderTargetDesc) (*Resource, error) {
	if err := s.dev.checkTextureSize(desc.Width, desc.Height); err != nil {
		return nil, err
	}
	return s.create(KindRenderTarget, func(r *Resource) Command { return createRenderTargetCmd{res: r, desc: desc} })
}

// CreateProgram encodes creation of a program from WGSL source.
func (s *Stream) CreateProgram(desc ProgramDesc) (*Resource, error) {
	return s.create(KindProgram, func(r *Resource) Command { return createProgramCmd{res: r, desc: desc} })
}

// CreateRasterizerState encodes creation of a rasterizer state object.
func (s *Stream) CreateRasterizerState(state gputypes.PrimitiveState) (*Resource, error) {
	return s.create(KindRasterizerState, func(r *Resource) Command { return createRasterizerCmd{res: r, state: state} })
}

// CreateBlendState encodes creation of a blend state object.
func (s *Stream) CreateBlendState(desc BlendDesc) (*Resource, error) {
	return s.create(KindBlendState, func(r *Resource) Command { return createBlendCmd{res: r, desc: desc} })
}

// CreateDepthStencilState encodes creation of a depth-stencil state object.
func (s *Stream) CreateDepthStencilState(state gputypes.DepthStencilState) (*Resource, error) {
	return s.create(KindDepthStencilState, func(r *Resource) Command { return createDepthStencilCmd{res: r, state: state} })
}

func (d *Device) checkTextureSize(w, h uint32) error {
	if limit := d.caps.MaxTextureSize; limit > 0 && (w > limit || h > limit) {
		return fmt.Errorf("%w: %dx%d, limit %d", ErrTextureTooLarge, w, h, limit)
	}
	return nil
}
