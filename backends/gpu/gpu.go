// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu implements an rhi backend on top of the wgpu hardware
// abstraction layer. Commands decoded by the device are recorded into hal
// command encoders and submitted to the hal queue at the end of each pass.
//
// Importing the package registers it as "gpu". The registered factory opens
// the first hal backend that is compiled in; import a hal backend package to
// make one available:
//
//	import (
//		_ "github.com/gogpu/rhi/backends/gpu"
//		_ "github.com/gogpu/wgpu/hal/vulkan"
//	)
//
// To render on a device owned by the host application use [New] or
// [NewFromProvider] and [rhi.NewDevice].
package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/internal/shader"
)

// MaxWorkers is the concurrency the backend reports. A hal queue records
// one pass at a time.
const MaxWorkers = 1

// DefaultPipelineCacheSize bounds the number of live render pipelines.
const DefaultPipelineCacheSize = 128

// Backend errors.
var (
	ErrUnknownResource = errors.New("gpu: unknown resource")
	ErrInvalidDesc     = errors.New("gpu: invalid descriptor")
	ErrNoAdapter       = errors.New("gpu: no adapter found")
	ErrNoHAL           = errors.New("gpu: provider does not expose hal types")
)

func init() {
	rhi.Register("gpu", func() (rhi.Backend, error) {
		for _, variant := range hal.AvailableBackends() {
			if variant == gputypes.BackendEmpty {
				continue
			}
			return Open(variant)
		}
		return nil, fmt.Errorf("gpu: no hal backend compiled in")
	})
}

// Stats counts executed work.
type Stats struct {
	Passes      int
	Draws       int
	Submissions int
	Pipelines   int
	Uploads     int
	Blits       int
	Live        int
}

type texture struct {
	tex    hal.Texture
	view   hal.TextureView
	format gputypes.TextureFormat
	width  uint32
	height uint32

	samples     uint32
	depth       hal.Texture
	depthView   hal.TextureView
	depthFormat gputypes.TextureFormat
}

type mesh struct {
	vb      hal.Buffer
	ib      hal.Buffer
	stride  uint32
	attrs   []gputypes.VertexAttribute
	format  gputypes.IndexFormat
	indices uint32
}

type program struct {
	module hal.ShaderModule
	vs, fs string
}

type submission struct {
	enc   hal.CommandEncoder
	cb    hal.CommandBuffer
	index uint64
}

type retiredPipeline struct {
	pipeline hal.RenderPipeline
	after    uint64
}

// Backend records rhi commands into hal command buffers.
//
// Thread safety: all methods serialize on one mutex.
type Backend struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	owned    bool
	surface  gputypes.TextureFormat
	limits   gputypes.Limits

	shaders   *shader.Cache
	layout    hal.PipelineLayout
	pipelines *lru.Cache[uint64, hal.RenderPipeline]
	graveyard []retiredPipeline

	buffers  map[rhi.ResourceID]hal.Buffer
	meshes   map[rhi.ResourceID]*mesh
	textures map[rhi.ResourceID]*texture
	programs map[rhi.ResourceID]*program
	rasters  map[rhi.ResourceID]gputypes.PrimitiveState
	blends   map[rhi.ResourceID]rhi.BlendDesc
	depths   map[rhi.ResourceID]gputypes.DepthStencilState

	pending    []submission
	lastSubmit uint64

	enc      hal.CommandEncoder
	pass     hal.RenderPassEncoder
	target   *texture
	program  rhi.ResourceID
	raster   rhi.ResourceID
	blend    rhi.ResourceID
	depth    rhi.ResourceID
	bound    uint64
	hasBound bool

	logger *slog.Logger
	stats  Stats
}

// New creates a backend on a device and queue owned by the caller.
// Close does not destroy them.
func New(device hal.Device, queue hal.Queue) (*Backend, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("gpu: nil device or queue")
	}
	sc, err := shader.NewCache(0)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		device:   device,
		queue:    queue,
		limits:   gputypes.DefaultLimits(),
		shaders:  sc,
		buffers:  make(map[rhi.ResourceID]hal.Buffer),
		meshes:   make(map[rhi.ResourceID]*mesh),
		textures: make(map[rhi.ResourceID]*texture),
		programs: make(map[rhi.ResourceID]*program),
		rasters:  make(map[rhi.ResourceID]gputypes.PrimitiveState),
		blends:   make(map[rhi.ResourceID]rhi.BlendDesc),
		depths:   make(map[rhi.ResourceID]gputypes.DepthStencilState),
		logger:   rhi.Logger(),
	}
	b.pipelines, err = lru.NewWithEvict(DefaultPipelineCacheSize, b.evicted)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewFromProvider creates a backend on a device shared by a host
// application. The provider must expose HalDevice() and HalQueue()
// returning hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	b, err := New(device, queue)
	if err != nil {
		return nil, err
	}
	b.surface = provider.SurfaceFormat()
	return b, nil
}

// Open creates a standalone device on the given hal backend. Discrete and
// integrated GPUs are preferred over other adapters.
func Open(variant gputypes.Backend) (*Backend, error) {
	api, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("gpu: %v backend not available", variant)
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: open device: %w", err)
	}
	b, err := New(open.Device, open.Queue)
	if err != nil {
		open.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	b.instance = instance
	b.owned = true
	b.logger.Info("gpu: device opened", "backend", variant, "adapter", selected.Info.Name)
	return b, nil
}

// SetLogger sets the backend logger.
func (b *Backend) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Name returns "gpu".
func (b *Backend) Name() string { return "gpu" }

// Capabilities reports MaxWorkers and the device texture limit.
func (b *Backend) Capabilities() rhi.Capabilities {
	return rhi.Capabilities{MaxWorkers: MaxWorkers, MaxTextureSize: b.limits.MaxTextureDimension2D}
}

// Stats returns execution counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.Live = len(b.buffers) + len(b.meshes) + len(b.textures) + len(b.programs) +
		len(b.rasters) + len(b.blends) + len(b.depths)
	return st
}

// HalTexture returns the hal texture behind a texture or render target.
func (b *Backend) HalTexture(id rhi.ResourceID) (hal.Texture, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.textures[id]
	if !ok {
		return nil, false
	}
	return t.tex, true
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

func padded(data []byte) []byte {
	n := align4(uint64(len(data)))
	if n == uint64(len(data)) {
		return data
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func (b *Backend) CreateBuffer(id rhi.ResourceID, desc rhi.BufferDesc) error {
	if desc.Size == 0 {
		return fmt.Errorf("%w: zero-sized buffer", ErrInvalidDesc)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("rhi-buffer-%d", id),
		Size:  align4(desc.Size),
		Usage: desc.Usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("gpu: create buffer: %w", err)
	}
	b.buffers[id] = buf
	return nil
}

func (b *Backend) CreateMesh(id rhi.ResourceID, desc rhi.MeshDesc) error {
	var isize uint32
	switch desc.IndexFormat {
	case gputypes.IndexFormatUint16:
		isize = 2
	case gputypes.IndexFormatUint32:
		isize = 4
	default:
		return fmt.Errorf("%w: index format %d", ErrInvalidDesc, desc.IndexFormat)
	}
	if desc.Stride == 0 || len(desc.Vertices) == 0 || len(desc.Indices) == 0 ||
		len(desc.Vertices)%int(desc.Stride) != 0 || len(desc.Indices)%int(isize) != 0 {
		return fmt.Errorf("%w: mesh layout", ErrInvalidDesc)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	vb, err := b.upload(fmt.Sprintf("rhi-mesh-%d-vertices", id), gputypes.BufferUsageVertex, desc.Vertices)
	if err != nil {
		return err
	}
	ib, err := b.upload(fmt.Sprintf("rhi-mesh-%d-indices", id), gputypes.BufferUsageIndex, desc.Indices)
	if err != nil {
		b.device.DestroyBuffer(vb)
		return err
	}
	b.meshes[id] = &mesh{
		vb:      vb,
		ib:      ib,
		stride:  desc.Stride,
		attrs:   append([]gputypes.VertexAttribute(nil), desc.Attributes...),
		format:  desc.IndexFormat,
		indices: uint32(len(desc.Indices)) / isize,
	}
	return nil
}

func (b *Backend) upload(label string, usage gputypes.BufferUsage, data []byte) (hal.Buffer, error) {
	data = padded(data)
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create buffer: %w", err)
	}
	if err := b.queue.WriteBuffer(buf, 0, data); err != nil {
		b.device.DestroyBuffer(buf)
		return nil, fmt.Errorf("gpu: write buffer: %w", err)
	}
	b.stats.Uploads++
	return buf, nil
}

func (b *Backend) newTexture(label string, w, h, mips, samples uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (hal.Texture, hal.TextureView, error) {
	tex, err := b.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		MipLevelCount: mips,
		SampleCount:   samples,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gpu: create texture: %w", err)
	}
	view, err := b.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           label + "-view",
		Format:          format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   mips,
		ArrayLayerCount: 1,
	})
	if err != nil {
		b.device.DestroyTexture(tex)
		return nil, nil, fmt.Errorf("gpu: create texture view: %w", err)
	}
	return tex, view, nil
}

func (b *Backend) colorFormat(f gputypes.TextureFormat) gputypes.TextureFormat {
	switch {
	case f != gputypes.TextureFormatUndefined:
		return f
	case b.surface != gputypes.TextureFormatUndefined:
		return b.surface
	default:
		return gputypes.TextureFormatRGBA8Unorm
	}
}

func (b *Backend) CreateTexture(id rhi.ResourceID, desc rhi.TextureDesc) error {
	if desc.Width == 0 || desc.Height == 0 {
		return fmt.Errorf("%w: empty texture", ErrInvalidDesc)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	format := b.colorFormat(desc.Format)
	usage := desc.Usage | gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	tex, view, err := b.newTexture(fmt.Sprintf("rhi-texture-%d", id), desc.Width, desc.Height, max(desc.MipLevels, 1), 1, format, usage)
	if err != nil {
		return err
	}
	b.textures[id] = &texture{tex: tex, view: view, format: format, width: desc.Width, height: desc.Height, samples: 1}
	return nil
}

func (b *Backend) CreateRenderTarget(id rhi.ResourceID, desc rhi.RenderTargetDesc) error {
	if desc.Width == 0 || desc.Height == 0 {
		return fmt.Errorf("%w: empty render target", ErrInvalidDesc)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	label := fmt.Sprintf("rhi-target-%d", id)
	format := b.colorFormat(desc.ColorFormat)
	samples := max(desc.Samples, 1)
	usage := gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding |
		gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	tex, view, err := b.newTexture(label, desc.Width, desc.Height, 1, samples, format, usage)
	if err != nil {
		return err
	}
	t := &texture{tex: tex, view: view, format: format, width: desc.Width, height: desc.Height, samples: samples}
	if desc.DepthFormat != gputypes.TextureFormatUndefined {
		t.depth, t.depthView, err = b.newTexture(label+"-depth", desc.Width, desc.Height, 1, samples,
			desc.DepthFormat, gputypes.TextureUsageRenderAttachment)
		if err != nil {
			b.destroyTexture(t)
			return err
		}
		t.depthFormat = desc.DepthFormat
	}
	b.textures[id] = t
	return nil
}

func (b *Backend) CreateProgram(id rhi.ResourceID, desc rhi.ProgramDesc) error {
	words, err := b.shaders.Compile(desc.Source)
	if err != nil {
		return fmt.Errorf("gpu: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	module, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: fmt.Sprintf("rhi-program-%d", id),
		Source: hal.ShaderSource{
			WGSL:  desc.Source,
			SPIRV: words,
		},
	})
	if err != nil {
		return fmt.Errorf("gpu: create shader module: %w", err)
	}
	p := &program{module: module, vs: desc.VertexEntry, fs: desc.FragmentEntry}
	if p.vs == "" {
		p.vs = "vs_main"
	}
	if p.fs == "" {
		p.fs = "fs_main"
	}
	b.programs[id] = p
	return nil
}

func (b *Backend) CreateRasterizerState(id rhi.ResourceID, state gputypes.PrimitiveState) error {
	b.mu.Lock()
	b.rasters[id] = state
	b.mu.Unlock()
	return nil
}

func (b *Backend) CreateBlendState(id rhi.ResourceID, desc rhi.BlendDesc) error {
	b.mu.Lock()
	b.blends[id] = desc
	b.mu.Unlock()
	return nil
}

func (b *Backend) CreateDepthStencilState(id rhi.ResourceID, state gputypes.DepthStencilState) error {
	b.mu.Lock()
	b.depths[id] = state
	b.mu.Unlock()
	return nil
}

func (b *Backend) destroyTexture(t *texture) {
	if t.depthView != nil {
		b.device.DestroyTextureView(t.depthView)
	}
	if t.depth != nil {
		b.device.DestroyTexture(t.depth)
	}
	b.device.DestroyTextureView(t.view)
	b.device.DestroyTexture(t.tex)
}

// Destroy frees a resource. Pipelines built from a destroyed program are
// evicted from the cache.
func (b *Backend) Destroy(id rhi.ResourceID, kind rhi.ResourceKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case rhi.KindBuffer:
		if buf, ok := b.buffers[id]; ok {
			b.device.DestroyBuffer(buf)
			delete(b.buffers, id)
		}
	case rhi.KindMesh:
		if m, ok := b.meshes[id]; ok {
			b.device.DestroyBuffer(m.vb)
			b.device.DestroyBuffer(m.ib)
			delete(b.meshes, id)
		}
	case rhi.KindTexture, rhi.KindRenderTarget:
		if t, ok := b.textures[id]; ok {
			b.destroyTexture(t)
			delete(b.textures, id)
		}
	case rhi.KindProgram:
		if p, ok := b.programs[id]; ok {
			b.pipelines.Purge()
			b.device.DestroyShaderModule(p.module)
			delete(b.programs, id)
		}
	case rhi.KindRasterizerState:
		delete(b.rasters, id)
	case rhi.KindBlendState:
		delete(b.blends, id)
	case rhi.KindDepthStencilState:
		delete(b.depths, id)
	}
}

func (b *Backend) UpdateBuffer(id rhi.ResourceID, offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[id]
	if !ok {
		return fmt.Errorf("%w: buffer %d", ErrUnknownResource, id)
	}
	if err := b.queue.WriteBuffer(buf, offset, padded(data)); err != nil {
		return fmt.Errorf("gpu: write buffer: %w", err)
	}
	b.stats.Uploads++
	return nil
}

func (b *Backend) UpdateTexture(id rhi.ResourceID, region rhi.TextureRegion, bytesPerRow uint32, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrUnknownResource, id)
	}
	if region.X+region.Width > t.width || region.Y+region.Height > t.height {
		return fmt.Errorf("%w: region %dx%d+%d+%d", ErrInvalidDesc, region.Width, region.Height, region.X, region.Y)
	}
	err := b.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: region.MipLevel,
			Origin:   hal.Origin3D{X: region.X, Y: region.Y},
			Aspect:   gputypes.TextureAspectAll,
		},
		data,
		&hal.ImageDataLayout{BytesPerRow: bytesPerRow, RowsPerImage: region.Height},
		&hal.Extent3D{Width: region.Width, Height: region.Height, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return fmt.Errorf("gpu: write texture: %w", err)
	}
	b.stats.Uploads++
	return nil
}

func (b *Backend) BeginPass(target rhi.ResourceID, load gputypes.LoadOp, clear gputypes.Color) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass != nil {
		b.logger.Warn("gpu: pass begun inside a pass, ending the open one")
		b.endPassLocked()
	}
	t, ok := b.textures[target]
	if !ok {
		b.logger.Warn("gpu: pass on unknown target", "target", target)
		return
	}
	if load == gputypes.LoadOpUndefined {
		load = gputypes.LoadOpLoad
	}

	enc, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "rhi-pass"})
	if err != nil {
		b.logger.Warn("gpu: create command encoder failed", "error", err)
		return
	}
	if err := enc.BeginEncoding("rhi-pass"); err != nil {
		enc.Destroy()
		b.logger.Warn("gpu: begin encoding failed", "error", err)
		return
	}

	desc := &hal.RenderPassDescriptor{
		Label: "rhi-pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       t.view,
			LoadOp:     load,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: clear,
		}},
	}
	if t.depthView != nil {
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              t.depthView,
			DepthLoadOp:       gputypes.LoadOpClear,
			DepthStoreOp:      gputypes.StoreOpStore,
			DepthClearValue:   1,
			StencilLoadOp:     gputypes.LoadOpClear,
			StencilStoreOp:    gputypes.StoreOpStore,
			StencilClearValue: 0,
		}
	}

	b.enc = enc
	b.pass = enc.BeginRenderPass(desc)
	b.target = t
	b.hasBound = false
	b.stats.Passes++
}

func (b *Backend) EndPass() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass == nil {
		b.logger.Warn("gpu: end pass without a pass")
		return
	}
	b.endPassLocked()
}

func (b *Backend) endPassLocked() {
	b.pass.End()
	enc := b.enc
	b.pass, b.enc, b.target = nil, nil, nil
	b.program, b.raster, b.blend, b.depth = 0, 0, 0, 0
	b.hasBound = false

	b.submitLocked(enc)
}

func (b *Backend) submitLocked(enc hal.CommandEncoder) {
	cb, err := enc.EndEncoding()
	if err != nil {
		enc.Destroy()
		b.logger.Warn("gpu: end encoding failed", "error", err)
		return
	}
	idx, err := b.queue.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		b.device.FreeCommandBuffer(cb)
		enc.Destroy()
		b.logger.Warn("gpu: submit failed", "error", err)
		return
	}
	b.lastSubmit = idx
	b.stats.Submissions++
	b.pending = append(b.pending, submission{enc: enc, cb: cb, index: idx})
	b.reapLocked(b.queue.PollCompleted())
}

// reapLocked frees command buffers and evicted pipelines the GPU is done with.
func (b *Backend) reapLocked(done uint64) {
	n := 0
	for _, s := range b.pending {
		if s.index <= done {
			b.device.FreeCommandBuffer(s.cb)
			s.enc.Destroy()
			continue
		}
		b.pending[n] = s
		n++
	}
	clear(b.pending[n:])
	b.pending = b.pending[:n]

	n = 0
	for _, r := range b.graveyard {
		if r.after <= done {
			b.device.DestroyRenderPipeline(r.pipeline)
			continue
		}
		b.graveyard[n] = r
		n++
	}
	clear(b.graveyard[n:])
	b.graveyard = b.graveyard[:n]
}

// evicted is called by the pipeline cache with b.mu held. The pipeline may
// be referenced by the pass being recorded, so it lives until the next
// submission completes.
func (b *Backend) evicted(_ uint64, p hal.RenderPipeline) {
	b.graveyard = append(b.graveyard, retiredPipeline{pipeline: p, after: b.lastSubmit + 1})
}

func (b *Backend) SetViewport(x, y, width, height, minDepth, maxDepth float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass == nil {
		b.logger.Warn("gpu: viewport outside pass")
		return
	}
	b.pass.SetViewport(x, y, width, height, minDepth, maxDepth)
}

func (b *Backend) SetScissor(x, y, width, height uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass == nil {
		b.logger.Warn("gpu: scissor outside pass")
		return
	}
	t := b.target
	x, y = min(x, t.width), min(y, t.height)
	b.pass.SetScissorRect(x, y, min(width, t.width-x), min(height, t.height-y))
}

func (b *Backend) SetProgram(id rhi.ResourceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.programs[id]; !ok {
		b.logger.Warn("gpu: unknown program", "program", id)
		return
	}
	b.program = id
}

func (b *Backend) SetRasterizerState(id rhi.ResourceID) {
	b.mu.Lock()
	b.raster = id
	b.mu.Unlock()
}

func (b *Backend) SetBlendState(id rhi.ResourceID) {
	b.mu.Lock()
	b.blend = id
	b.mu.Unlock()
}

func (b *Backend) SetDepthStencilState(id rhi.ResourceID) {
	b.mu.Lock()
	b.depth = id
	b.mu.Unlock()
}

func (b *Backend) SetBlendConstant(c gputypes.Color) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass == nil {
		b.logger.Warn("gpu: blend constant outside pass")
		return
	}
	b.pass.SetBlendConstant(&c)
}

func (b *Backend) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.bindLocked(nil) {
		return
	}
	b.pass.Draw(vertexCount, max(instanceCount, 1), firstVertex, firstInstance)
	b.stats.Draws++
}

func (b *Backend) DrawMesh(id rhi.ResourceID, firstIndex, indexCount, instanceCount uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meshes[id]
	switch {
	case !ok:
		b.logger.Warn("gpu: unknown mesh", "mesh", id)
		return
	case uint64(firstIndex)+uint64(indexCount) > uint64(m.indices):
		b.logger.Warn("gpu: index range out of bounds", "mesh", id, "first", firstIndex, "count", indexCount)
		return
	}
	if !b.bindLocked(m) {
		return
	}
	b.pass.SetVertexBuffer(0, m.vb, 0)
	b.pass.SetIndexBuffer(m.ib, m.format, 0)
	b.pass.DrawIndexed(indexCount, max(instanceCount, 1), firstIndex, 0, 0)
	b.stats.Draws++
}

// bindLocked sets the pipeline matching the bound state, creating it on
// first use.
func (b *Backend) bindLocked(m *mesh) bool {
	if b.pass == nil {
		b.logger.Warn("gpu: draw outside pass")
		return false
	}
	if b.program == 0 {
		b.logger.Warn("gpu: draw without program")
		return false
	}
	key := b.pipelineKey(m)
	if b.hasBound && b.bound == key {
		return true
	}
	p, ok := b.pipelines.Get(key)
	if !ok {
		var err error
		p, err = b.createPipelineLocked(m)
		if err != nil {
			b.logger.Warn("gpu: create pipeline failed", "program", b.program, "error", err)
			return false
		}
		b.pipelines.Add(key, p)
		b.stats.Pipelines++
	}
	b.pass.SetPipeline(p)
	b.bound, b.hasBound = key, true
	return true
}

func (b *Backend) pipelineKey(m *mesh) uint64 {
	var buf [64]byte
	k := buf[:0]
	k = binary.LittleEndian.AppendUint32(k, uint32(b.program))
	k = binary.LittleEndian.AppendUint32(k, uint32(b.raster))
	k = binary.LittleEndian.AppendUint32(k, uint32(b.blend))
	k = binary.LittleEndian.AppendUint32(k, uint32(b.depth))
	k = binary.LittleEndian.AppendUint32(k, uint32(b.target.format))
	k = binary.LittleEndian.AppendUint32(k, uint32(b.target.depthFormat))
	k = binary.LittleEndian.AppendUint32(k, b.target.samples)
	if m != nil {
		k = binary.LittleEndian.AppendUint32(k, m.stride)
		for _, a := range m.attrs {
			k = binary.LittleEndian.AppendUint32(k, uint32(a.Format))
			k = binary.LittleEndian.AppendUint64(k, a.Offset)
			k = binary.LittleEndian.AppendUint32(k, a.ShaderLocation)
		}
	}
	return xxhash.Sum64(k)
}

func (b *Backend) layoutLocked() (hal.PipelineLayout, error) {
	if b.layout != nil {
		return b.layout, nil
	}
	layout, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: "rhi-layout"})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	b.layout = layout
	return layout, nil
}

func (b *Backend) createPipelineLocked(m *mesh) (hal.RenderPipeline, error) {
	layout, err := b.layoutLocked()
	if err != nil {
		return nil, err
	}
	p := b.programs[b.program]
	t := b.target

	target := gputypes.ColorTargetState{Format: t.format, WriteMask: gputypes.ColorWriteMaskAll}
	if bd, ok := b.blends[b.blend]; ok {
		if bd.Enabled {
			state := bd.State
			target.Blend = &state
		}
		if bd.WriteMask != 0 {
			target.WriteMask = bd.WriteMask
		}
	}

	desc := &hal.RenderPipelineDescriptor{
		Label:  fmt.Sprintf("rhi-pipeline-%d", b.program),
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     p.module,
			EntryPoint: p.vs,
		},
		Primitive: b.rasters[b.raster],
		Multisample: gputypes.MultisampleState{
			Count: t.samples,
			Mask:  ^uint64(0),
		},
		Fragment: &hal.FragmentState{
			Module:     p.module,
			EntryPoint: p.fs,
			Targets:    []gputypes.ColorTargetState{target},
		},
	}
	if m != nil {
		desc.Vertex.Buffers = []gputypes.VertexBufferLayout{{
			ArrayStride: uint64(m.stride),
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes:  m.attrs,
		}}
	}
	if t.depthView != nil {
		ds, ok := b.depths[b.depth]
		if !ok {
			ds = gputypes.DefaultDepthStencilState(t.depthFormat)
		}
		ds.Format = t.depthFormat
		desc.DepthStencil = halDepthStencil(ds)
	}
	return b.device.CreateRenderPipeline(desc)
}

func halStencilOp(op gputypes.StencilOperation) hal.StencilOperation {
	if op == gputypes.StencilOperationUndefined {
		return hal.StencilOperationKeep
	}
	return hal.StencilOperation(op - 1)
}

func halStencilFace(f gputypes.StencilFaceState) hal.StencilFaceState {
	return hal.StencilFaceState{
		Compare:     f.Compare,
		FailOp:      halStencilOp(f.FailOp),
		DepthFailOp: halStencilOp(f.DepthFailOp),
		PassOp:      halStencilOp(f.PassOp),
	}
}

func halDepthStencil(ds gputypes.DepthStencilState) *hal.DepthStencilState {
	return &hal.DepthStencilState{
		Format:              ds.Format,
		DepthWriteEnabled:   ds.DepthWriteEnabled,
		DepthCompare:        ds.DepthCompare,
		StencilFront:        halStencilFace(ds.StencilFront),
		StencilBack:         halStencilFace(ds.StencilBack),
		StencilReadMask:     ds.StencilReadMask,
		StencilWriteMask:    ds.StencilWriteMask,
		DepthBias:           ds.DepthBias,
		DepthBiasSlopeScale: ds.DepthBiasSlopeScale,
		DepthBiasClamp:      ds.DepthBiasClamp,
	}
}

// Blit copies a rectangle between textures. Scaled blits need a sampling
// pass and are copied unscaled from the top-left of srcRect.
func (b *Backend) Blit(src, dst rhi.ResourceID, srcRect, dstRect image.Rectangle, filter rhi.Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, sok := b.textures[src]
	d, dok := b.textures[dst]
	if !sok || !dok {
		b.logger.Warn("gpu: blit with unknown texture", "src", src, "dst", dst)
		return
	}
	if srcRect.Size() != dstRect.Size() {
		b.logger.Warn("gpu: scaled blit copied unscaled", "src", srcRect, "dst", dstRect, "filter", filter)
	}
	srcRect = srcRect.Intersect(image.Rect(0, 0, int(s.width), int(s.height)))
	dstRect = dstRect.Intersect(image.Rect(0, 0, int(d.width), int(d.height)))
	w := min(srcRect.Dx(), dstRect.Dx())
	h := min(srcRect.Dy(), dstRect.Dy())
	if w <= 0 || h <= 0 {
		return
	}

	enc, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "rhi-blit"})
	if err != nil {
		b.logger.Warn("gpu: create command encoder failed", "error", err)
		return
	}
	if err := enc.BeginEncoding("rhi-blit"); err != nil {
		enc.Destroy()
		b.logger.Warn("gpu: begin encoding failed", "error", err)
		return
	}
	enc.CopyTextureToTexture(s.tex, d.tex, []hal.TextureCopy{{
		SrcBase: hal.ImageCopyTexture{
			Texture: s.tex,
			Origin:  hal.Origin3D{X: uint32(srcRect.Min.X), Y: uint32(srcRect.Min.Y)},
			Aspect:  gputypes.TextureAspectAll,
		},
		DstBase: hal.ImageCopyTexture{
			Texture: d.tex,
			Origin:  hal.Origin3D{X: uint32(dstRect.Min.X), Y: uint32(dstRect.Min.Y)},
			Aspect:  gputypes.TextureAspectAll,
		},
		Size: hal.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
	}})
	b.stats.Blits++
	b.submitLocked(enc)
}

// Close waits for the GPU and frees every object. Devices passed to New or
// NewFromProvider are left open.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass != nil {
		b.endPassLocked()
	}
	err := b.device.WaitIdle()
	b.pipelines.Purge()
	b.reapLocked(^uint64(0))

	for id, buf := range b.buffers {
		b.device.DestroyBuffer(buf)
		delete(b.buffers, id)
	}
	for id, m := range b.meshes {
		b.device.DestroyBuffer(m.vb)
		b.device.DestroyBuffer(m.ib)
		delete(b.meshes, id)
	}
	for id, t := range b.textures {
		b.destroyTexture(t)
		delete(b.textures, id)
	}
	for id, p := range b.programs {
		b.device.DestroyShaderModule(p.module)
		delete(b.programs, id)
	}
	clear(b.rasters)
	clear(b.blends)
	clear(b.depths)
	if b.layout != nil {
		b.device.DestroyPipelineLayout(b.layout)
		b.layout = nil
	}

	if b.owned {
		b.device.Destroy()
		if b.instance != nil {
			b.instance.Destroy()
		}
		b.owned = false
	}
	if err != nil {
		return fmt.Errorf("gpu: wait idle: %w", err)
	}
	return nil
}
