package rhi

import (
	"image"

	"github.com/gogpu/gputypes"
)

// ResourceID identifies a backend resource inside encoded commands.
// IDs are allocated by the device, start at 1 and are never reused while
// the device is open. Zero means "no resource".
type ResourceID uint32

// ResourceKind classifies a resource.
type ResourceKind uint8

// Resource kinds.
const (
	KindBuffer ResourceKind = iota
	KindMesh
	KindTexture
	KindRenderTarget
	KindProgram
	KindRasterizerState
	KindBlendState
	KindDepthStencilState
)

var resourceKindNames = [...]string{
	KindBuffer:            "Buffer",
	KindMesh:              "Mesh",
	KindTexture:           "Texture",
	KindRenderTarget:      "RenderTarget",
	KindProgram:           "Program",
	KindRasterizerState:   "RasterizerState",
	KindBlendState:        "BlendState",
	KindDepthStencilState: "DepthStencilState",
}

// String returns the name of the resource kind.
func (k ResourceKind) String() string {
	if int(k) < len(resourceKindNames) {
		return resourceKindNames[k]
	}
	return "Unknown"
}

// BufferDesc describes a GPU buffer.
type BufferDesc struct {
	Size  uint64
	Usage gputypes.BufferUsage
}

// MeshDesc describes an indexed mesh with inline vertex and index data.
// The vertices form a single interleaved buffer described by Attributes.
type MeshDesc struct {
	Vertices    []byte
	Stride      uint32
	Attributes  []gputypes.VertexAttribute
	Indices     []byte
	IndexFormat gputypes.IndexFormat
}

// TextureDesc describes a sampled texture.
type TextureDesc struct {
	Width     uint32
	Height    uint32
	Format    gputypes.TextureFormat
	Usage     gputypes.TextureUsage
	MipLevels uint32
}

// RenderTargetDesc describes a render target with optional depth.
// DepthFormat zero means no depth attachment.
type RenderTargetDesc struct {
	Width       uint32
	Height      uint32
	ColorFormat gputypes.TextureFormat
	DepthFormat gputypes.TextureFormat
	Samples     uint32
}

// ProgramDesc describes a shader program given as WGSL source.
type ProgramDesc struct {
	Source        string
	VertexEntry   string
	FragmentEntry string
}

// BlendDesc describes color blending for the single color attachment.
// Blending is off when Enabled is false. A zero WriteMask writes all
// channels.
type BlendDesc struct {
	Enabled   bool
	State     gputypes.BlendState
	WriteMask gputypes.ColorWriteMask
}

// TextureRegion selects a rectangle of one mip level.
type TextureRegion struct {
	X, Y          uint32
	Width, Height uint32
	MipLevel      uint32
}

// Filter selects the sampling filter of a blit.
type Filter uint8

// Blit filters.
const (
	FilterNearest Filter = iota
	FilterLinear
	FilterCatmullRom
)

// Capabilities describes what a backend supports.
type Capabilities struct {
	// MaxWorkers is the largest number of goroutines that may execute
	// command buffers against this backend concurrently. Zero forces
	// execution on the goroutines that flush or wait.
	MaxWorkers int

	// MaxTextureSize is the largest width or height of a texture or render
	// target. Zero means unlimited.
	MaxTextureSize uint32
}

// Backend executes decoded commands. The device calls it from worker
// goroutines, at most Capabilities().MaxWorkers of them at once. Ordered
// work is executed by a single goroutine at a time.
//
// Byte slices passed to a Backend alias command buffer memory and are only
// valid for the duration of the call. Implementations must copy what they
// keep.
//
// Creation and update methods return errors; the device attaches them to
// the resource they concern instead of failing the command buffer.
type Backend interface {
	// Name returns the backend identifier.
	Name() string

	// Capabilities reports backend limits.
	Capabilities() Capabilities

	CreateBuffer(id ResourceID, desc BufferDesc) error
	CreateMesh(id ResourceID, desc MeshDesc) error
	CreateTexture(id ResourceID, desc TextureDesc) error
	CreateRenderTarget(id ResourceID, desc RenderTargetDesc) error
	CreateProgram(id ResourceID, desc ProgramDesc) error
	CreateRasterizerState(id ResourceID, state gputypes.PrimitiveState) error
	CreateBlendState(id ResourceID, desc BlendDesc) error
	CreateDepthStencilState(id ResourceID, state gputypes.DepthStencilState) error

	// Destroy frees a resource. Unknown ids are ignored.
	Destroy(id ResourceID, kind ResourceKind)

	UpdateBuffer(id ResourceID, offset uint64, data []byte) error
	UpdateTexture(id ResourceID, region TextureRegion, bytesPerRow uint32, data []byte) error

	BeginPass(target ResourceID, load gputypes.LoadOp, clear gputypes.Color)
	EndPass()
	SetViewport(x, y, width, height, minDepth, maxDepth float32)
	SetScissor(x, y, width, height uint32)
	SetProgram(id ResourceID)
	SetRasterizerState(id ResourceID)
	SetBlendState(id ResourceID)
	SetDepthStencilState(id ResourceID)
	SetBlendConstant(c gputypes.Color)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawMesh(mesh ResourceID, firstIndex, indexCount, instanceCount uint32)
	Blit(src, dst ResourceID, srcRect, dstRect image.Rectangle, filter Filter)

	// Close releases all backend objects. Called once, after the device
	// has drained its queues.
	Close() error
}
