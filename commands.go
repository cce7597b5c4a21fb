package rhi

import (
	"image"

	"github.com/gogpu/gputypes"
)

// Command is an encodable device command. The exported command types below
// are appended through Stream.Append; resource creation and destruction go
// through the Stream.Create* helpers and Resource.Release.
type Command interface {
	// Opcode returns the command's opcode.
	Opcode() Opcode

	argSize() int
	encode(w *argWriter)
	// resources calls fn for every resource the command refers to.
	resources(fn func(*Resource))
}

// ---- pass, state and draw commands ----

// BeginPass starts a render pass on Target.
type BeginPass struct {
	Target *Resource
	Load   gputypes.LoadOp
	Clear  gputypes.Color
}

func (BeginPass) Opcode() Opcode { return OpBeginPass }
func (BeginPass) argSize() int   { return 8 + 32 }
func (c BeginPass) encode(w *argWriter) {
	w.id(c.Target)
	w.u32(uint32(c.Load))
	w.color(c.Clear)
}
func (c BeginPass) resources(fn func(*Resource)) { touch(fn, c.Target) }

// EndPass ends the current render pass.
type EndPass struct{}

func (EndPass) Opcode() Opcode            { return OpEndPass }
func (EndPass) argSize() int              { return 0 }
func (EndPass) encode(*argWriter)         {}
func (EndPass) resources(func(*Resource)) {}

// SetViewport sets the viewport transform.
type SetViewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

func (SetViewport) Opcode() Opcode { return OpSetViewport }
func (SetViewport) argSize() int   { return 24 }
func (c SetViewport) encode(w *argWriter) {
	w.f32(c.X)
	w.f32(c.Y)
	w.f32(c.Width)
	w.f32(c.Height)
	w.f32(c.MinDepth)
	w.f32(c.MaxDepth)
}
func (SetViewport) resources(func(*Resource)) {}

// SetScissor sets the scissor rectangle.
type SetScissor struct {
	X, Y, Width, Height uint32
}

func (SetScissor) Opcode() Opcode { return OpSetScissor }
func (SetScissor) argSize() int   { return 16 }
func (c SetScissor) encode(w *argWriter) {
	w.u32(c.X)
	w.u32(c.Y)
	w.u32(c.Width)
	w.u32(c.Height)
}
func (SetScissor) resources(func(*Resource)) {}

// SetProgram binds a program.
type SetProgram struct{ Program *Resource }

func (SetProgram) Opcode() Opcode                 { return OpSetProgram }
func (SetProgram) argSize() int                   { return 4 }
func (c SetProgram) encode(w *argWriter)          { w.id(c.Program) }
func (c SetProgram) resources(fn func(*Resource)) { touch(fn, c.Program) }

// SetRasterizerState binds a rasterizer state object.
type SetRasterizerState struct{ State *Resource }

func (SetRasterizerState) Opcode() Opcode                 { return OpSetRasterizerState }
func (SetRasterizerState) argSize() int                   { return 4 }
func (c SetRasterizerState) encode(w *argWriter)          { w.id(c.State) }
func (c SetRasterizerState) resources(fn func(*Resource)) { touch(fn, c.State) }

// SetBlendState binds a blend state object.
type SetBlendState struct{ State *Resource }

func (SetBlendState) Opcode() Opcode                 { return OpSetBlendState }
func (SetBlendState) argSize() int                   { return 4 }
func (c SetBlendState) encode(w *argWriter)          { w.id(c.State) }
func (c SetBlendState) resources(fn func(*Resource)) { touch(fn, c.State) }

// SetDepthStencilState binds a depth-stencil state object.
type SetDepthStencilState struct{ State *Resource }

func (SetDepthStencilState) Opcode() Opcode                 { return OpSetDepthStencilState }
func (SetDepthStencilState) argSize() int                   { return 4 }
func (c SetDepthStencilState) encode(w *argWriter)          { w.id(c.State) }
func (c SetDepthStencilState) resources(fn func(*Resource)) { touch(fn, c.State) }

// SetBlendConstant sets the blend constant color.
type SetBlendConstant struct{ Color gputypes.Color }

func (SetBlendConstant) Opcode() Opcode            { return OpSetBlendConstant }
func (SetBlendConstant) argSize() int              { return 32 }
func (c SetBlendConstant) encode(w *argWriter)     { w.color(c.Color) }
func (SetBlendConstant) resources(func(*Resource)) {}

// Draw issues a non-indexed draw.
type Draw struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

func (Draw) Opcode() Opcode { return OpDraw }
func (Draw) argSize() int   { return 16 }
func (c Draw) encode(w *argWriter) {
	w.u32(c.VertexCount)
	w.u32(c.InstanceCount)
	w.u32(c.FirstVertex)
	w.u32(c.FirstInstance)
}
func (Draw) resources(func(*Resource)) {}

// DrawMesh draws a range of a mesh's indices.
type DrawMesh struct {
	Mesh          *Resource
	FirstIndex    uint32
	IndexCount    uint32
	InstanceCount uint32
}

func (DrawMesh) Opcode() Opcode { return OpDrawMesh }
func (DrawMesh) argSize() int   { return 16 }
func (c DrawMesh) encode(w *argWriter) {
	w.id(c.Mesh)
	w.u32(c.FirstIndex)
	w.u32(c.IndexCount)
	w.u32(c.InstanceCount)
}
func (c DrawMesh) resources(fn func(*Resource)) { touch(fn, c.Mesh) }

// Blit copies a rectangle between textures or render targets, scaling with
// Filter when the rectangles differ in size.
type Blit struct {
	Src, Dst         *Resource
	SrcRect, DstRect image.Rectangle
	Filter           Filter
}

func (Blit) Opcode() Opcode { return OpBlit }
func (Blit) argSize() int   { return 44 }
func (c Blit) encode(w *argWriter) {
	w.id(c.Src)
	w.id(c.Dst)
	putRect(w, c.SrcRect)
	putRect(w, c.DstRect)
	w.u32(uint32(c.Filter))
}
func (c Blit) resources(fn func(*Resource)) { touch(fn, c.Src, c.Dst) }

// ---- uploads ----

// UpdateBuffer writes Data into Buffer at Offset.
type UpdateBuffer struct {
	Buffer *Resource
	Offset uint64
	Data   []byte
}

func (UpdateBuffer) Opcode() Opcode { return OpUpdateBuffer }
func (c UpdateBuffer) argSize() int { return 12 + bytesSize(len(c.Data)) }
func (c UpdateBuffer) encode(w *argWriter) {
	w.id(c.Buffer)
	w.u64(c.Offset)
	w.bytes(c.Data)
}
func (c UpdateBuffer) resources(fn func(*Resource)) { touch(fn, c.Buffer) }

// UpdateTexture writes pixel rows into a region of Texture.
type UpdateTexture struct {
	Texture     *Resource
	Region      TextureRegion
	BytesPerRow uint32
	Data        []byte
}

func (UpdateTexture) Opcode() Opcode { return OpUpdateTexture }

// The pixel run starts at payload offset 32 so 16-byte payload alignment
// carries over to the rows.
func (c UpdateTexture) argSize() int { return 28 + bytesSize(len(c.Data)) }
func (c UpdateTexture) encode(w *argWriter) {
	w.id(c.Texture)
	w.u32(c.Region.X)
	w.u32(c.Region.Y)
	w.u32(c.Region.Width)
	w.u32(c.Region.Height)
	w.u32(c.Region.MipLevel)
	w.u32(c.BytesPerRow)
	w.bytes(c.Data)
}
func (c UpdateTexture) resources(fn func(*Resource)) { touch(fn, c.Texture) }

// ---- creation and destruction ----

type createBufferCmd struct {
	res  *Resource
	desc BufferDesc
}

func (createBufferCmd) Opcode() Opcode { return OpCreateBuffer }
func (createBufferCmd) argSize() int   { return 4 + 8 + 8 }
func (c createBufferCmd) encode(w *argWriter) {
	w.id(c.res)
	w.u64(c.desc.Size)
	w.u64(uint64(c.desc.Usage))
}
func (c createBufferCmd) resources(fn func(*Resource)) { fn(c.res) }

type createMeshCmd struct {
	res  *Resource
	desc MeshDesc
}

func (createMeshCmd) Opcode() Opcode { return OpCreateMesh }
func (c createMeshCmd) argSize() int {
	return 16 + 16*len(c.desc.Attributes) + bytesSize(len(c.desc.Vertices)) + bytesSize(len(c.desc.Indices))
}
func (c createMeshCmd) encode(w *argWriter) {
	w.id(c.res)
	w.u32(c.desc.Stride)
	w.u32(uint32(c.desc.IndexFormat))
	w.u32(uint32(len(c.desc.Attributes)))
	for _, a := range c.desc.Attributes {
		w.u32(uint32(a.Format))
		w.u64(a.Offset)
		w.u32(a.ShaderLocation)
	}
	w.bytes(c.desc.Vertices)
	w.bytes(c.desc.Indices)
}
func (c createMeshCmd) resources(fn func(*Resource)) { fn(c.res) }

type createTextureCmd struct {
	res  *Resource
	desc TextureDesc
}

func (createTextureCmd) Opcode() Opcode { return OpCreateTexture }
func (createTextureCmd) argSize() int   { return 4*4 + 8 + 4 }
func (c createTextureCmd) encode(w *argWriter) {
	w.id(c.res)
	w.u32(c.desc.Width)
	w.u32(c.desc.Height)
	w.u32(uint32(c.desc.Format))
	w.u64(uint64(c.desc.Usage))
	w.u32(c.desc.MipLevels)
}
func (c createTextureCmd) resources(fn func(*Resource)) { fn(c.res) }

type createRenderTargetCmd struct {
	res  *Resource
	desc RenderTargetDesc
}

func (createRenderTargetCmd) Opcode() Opcode { return OpCreateRenderTarget }
func (createRenderTargetCmd) argSize() int   { return 6 * 4 }
func (c createRenderTargetCmd) encode(w *argWriter) {
	w.id(c.res)
	w.u32(c.desc.Width)
	w.u32(c.desc.Height)
	w.u32(uint32(c.desc.ColorFormat))
	w.u32(uint32(c.desc.DepthFormat))
	w.u32(c.desc.Samples)
}
func (c createRenderTargetCmd) resources(fn func(*Resource)) { fn(c.res) }

type createProgramCmd struct {
	res  *Resource
	desc ProgramDesc
}

func (createProgramCmd) Opcode() Opcode { return OpCreateProgram }
func (c createProgramCmd) argSize() int {
	return 4 + bytesSize(len(c.desc.Source)) + bytesSize(len(c.desc.VertexEntry)) + bytesSize(len(c.desc.FragmentEntry))
}
func (c createProgramCmd) encode(w *argWriter) {
	w.id(c.res)
	w.str(c.desc.Source)
	w.str(c.desc.VertexEntry)
	w.str(c.desc.FragmentEntry)
}
func (c createProgramCmd) resources(fn func(*Resource)) { fn(c.res) }

type createRasterizerCmd struct {
	res   *Resource
	state gputypes.PrimitiveState
}

func (createRasterizerCmd) Opcode() Opcode { return OpCreateRasterizerState }
func (createRasterizerCmd) argSize() int   { return 7 * 4 }
func (c createRasterizerCmd) encode(w *argWriter) {
	w.id(c.res)
	w.u32(uint32(c.state.Topology))
	w.bool(c.state.StripIndexFormat != nil)
	if c.state.StripIndexFormat != nil {
		w.u32(uint32(*c.state.StripIndexFormat))
	} else {
		w.u32(0)
	}
	w.u32(uint32(c.state.FrontFace))
	w.u32(uint32(c.state.CullMode))
	w.bool(c.state.UnclippedDepth)
}
func (c createRasterizerCmd) resources(fn func(*Resource)) { fn(c.res) }

type createBlendCmd struct {
	res  *Resource
	desc BlendDesc
}

func (createBlendCmd) Opcode() Opcode { return OpCreateBlendState }
func (createBlendCmd) argSize() int   { return 9 * 4 }
func (c createBlendCmd) encode(w *argWriter) {
	w.id(c.res)
	w.bool(c.desc.Enabled)
	putBlendComponent(w, c.desc.State.Color)
	putBlendComponent(w, c.desc.State.Alpha)
	w.u32(uint32(c.desc.WriteMask))
}
func (c createBlendCmd) resources(fn func(*Resource)) { fn(c.res) }

type createDepthStencilCmd struct {
	res   *Resource
	state gputypes.DepthStencilState
}

func (createDepthStencilCmd) Opcode() Opcode { return OpCreateDepthStencilState }
func (createDepthStencilCmd) argSize() int   { return 17 * 4 }
func (c createDepthStencilCmd) encode(w *argWriter) {
	s := c.state
	w.id(c.res)
	w.u32(uint32(s.Format))
	w.bool(s.DepthWriteEnabled)
	w.u32(uint32(s.DepthCompare))
	putStencilFace(w, s.StencilFront)
	putStencilFace(w, s.StencilBack)
	w.u32(s.StencilReadMask)
	w.u32(s.StencilWriteMask)
	w.i32(s.DepthBias)
	w.f32(s.DepthBiasSlopeScale)
	w.f32(s.DepthBiasClamp)
}
func (c createDepthStencilCmd) resources(fn func(*Resource)) { fn(c.res) }

type destroyCmd struct {
	id   ResourceID
	kind ResourceKind
}

func (destroyCmd) Opcode() Opcode { return OpDestroyResource }
func (destroyCmd) argSize() int   { return 8 }
func (c destroyCmd) encode(w *argWriter) {
	w.u32(uint32(c.id))
	w.u32(uint32(c.kind))
}
func (destroyCmd) resources(func(*Resource)) {}

// ---- field helpers ----

func touch(fn func(*Resource), rs ...*Resource) {
	for _, r := range rs {
		if r != nil {
			fn(r)
		}
	}
}

func putRect(w *argWriter, r image.Rectangle) {
	w.i32(int32(r.Min.X))
	w.i32(int32(r.Min.Y))
	w.i32(int32(r.Max.X))
	w.i32(int32(r.Max.Y))
}

func getRect(r *argReader) image.Rectangle {
	x0, y0 := int(r.i32()), int(r.i32())
	x1, y1 := int(r.i32()), int(r.i32())
	return image.Rect(x0, y0, x1, y1)
}

func putBlendComponent(w *argWriter, c gputypes.BlendComponent) {
	w.u32(uint32(c.SrcFactor))
	w.u32(uint32(c.DstFactor))
	w.u32(uint32(c.Operation))
}

func getBlendComponent(r *argReader) gputypes.BlendComponent {
	var c gputypes.BlendComponent
	c.SrcFactor = gputypes.BlendFactor(r.u32())
	c.DstFactor = gputypes.BlendFactor(r.u32())
	c.Operation = gputypes.BlendOperation(r.u32())
	return c
}

func putStencilFace(w *argWriter, f gputypes.StencilFaceState) {
	w.u32(uint32(f.Compare))
	w.u32(uint32(f.FailOp))
	w.u32(uint32(f.DepthFailOp))
	w.u32(uint32(f.PassOp))
}

func getStencilFace(r *argReader) gputypes.StencilFaceState {
	var f gputypes.StencilFaceState
	f.Compare = gputypes.CompareFunction(r.u32())
	f.FailOp = gputypes.StencilOperation(r.u32())
	f.DepthFailOp = gputypes.StencilOperation(r.u32())
	f.PassOp = gputypes.StencilOperation(r.u32())
	return f
}
