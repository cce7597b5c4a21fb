package rhi

import (
	"github.com/gogpu/gputypes"
)

// executor dispatches decoded commands to a backend.
type executor struct {
	d  *Device
	be Backend
}

func (x *executor) run(op Opcode, payload []byte) {
	r := argReader{b: payload}
	opTable[op].exec(x, &r)
}

// fail records a backend error against the resource it concerns.
func (x *executor) fail(id ResourceID, op Opcode, err error) {
	x.d.attachError(id, op, err)
}

func execCreateBuffer(x *executor, r *argReader) {
	id := r.id()
	var desc BufferDesc
	desc.Size = r.u64()
	desc.Usage = gputypes.BufferUsage(r.u64())
	if err := x.be.CreateBuffer(id, desc); err != nil {
		x.fail(id, OpCreateBuffer, err)
	}
}

func execCreateMesh(x *executor, r *argReader) {
	id := r.id()
	var desc MeshDesc
	desc.Stride = r.u32()
	desc.IndexFormat = gputypes.IndexFormat(r.u32())
	if n := int(r.u32()); n > 0 {
		desc.Attributes = make([]gputypes.VertexAttribute, n)
		for i := range desc.Attributes {
			a := &desc.Attributes[i]
			a.Format = gputypes.VertexFormat(r.u32())
			a.Offset = r.u64()
			a.ShaderLocation = r.u32()
		}
	}
	desc.Vertices = r.bytes()
	desc.Indices = r.bytes()
	if err := x.be.CreateMesh(id, desc); err != nil {
		x.fail(id, OpCreateMesh, err)
	}
}

func execCreateTexture(x *executor, r *argReader) {
	id := r.id()
	var desc TextureDesc
	desc.Width = r.u32()
	desc.Height = r.u32()
	desc.Format = gputypes.TextureFormat(r.u32())
	desc.Usage = gputypes.TextureUsage(r.u64())
	desc.MipLevels = r.u32()
	if err := x.be.CreateTexture(id, desc); err != nil {
		x.fail(id, OpCreateTexture, err)
	}
}

func execCreateRenderTarget(x *executor, r *argReader) {
	id := r.id()
	var desc RenderTargetDesc
	desc.Width = r.u32()
	desc.Height = r.u32()
	desc.ColorFormat = gputypes.TextureFormat(r.u32())
	desc.DepthFormat = gputypes.TextureFormat(r.u32())
	desc.Samples = r.u32()
	if err := x.be.CreateRenderTarget(id, desc); err != nil {
		x.fail(id, OpCreateRenderTarget, err)
	}
}

func execCreateProgram(x *executor, r *argReader) {
	id := r.id()
	var desc ProgramDesc
	desc.Source = r.str()
	desc.VertexEntry = r.str()
	desc.FragmentEntry = r.str()
	if err := x.be.CreateProgram(id, desc); err != nil {
		x.fail(id, OpCreateProgram, err)
	}
}

func execCreateRasterizerState(x *executor, r *argReader) {
	id := r.id()
	var s gputypes.PrimitiveState
	s.Topology = gputypes.PrimitiveTopology(r.u32())
	hasStrip := r.bool()
	strip := gputypes.IndexFormat(r.u32())
	if hasStrip {
		s.StripIndexFormat = &strip
	}
	s.FrontFace = gputypes.FrontFace(r.u32())
	s.CullMode = gputypes.CullMode(r.u32())
	s.UnclippedDepth = r.bool()
	if err := x.be.CreateRasterizerState(id, s); err != nil {
		x.fail(id, OpCreateRasterizerState, err)
	}
}

func execCreateBlendState(x *executor, r *argReader) {
	id := r.id()
	var desc BlendDesc
	desc.Enabled = r.bool()
	desc.State.Color = getBlendComponent(r)
	desc.State.Alpha = getBlendComponent(r)
	desc.WriteMask = gputypes.ColorWriteMask(r.u32())
	if err := x.be.CreateBlendState(id, desc); err != nil {
		x.fail(id, OpCreateBlendState, err)
	}
}

func execCreateDepthStencilState(x *executor, r *argReader) {
	id := r.id()
	var s gputypes.DepthStencilState
	s.Format = gputypes.TextureFormat(r.u32())
	s.DepthWriteEnabled = r.bool()
	s.DepthCompare = gputypes.CompareFunction(r.u32())
	s.StencilFront = getStencilFace(r)
	s.StencilBack = getStencilFace(r)
	s.StencilReadMask = r.u32()
	s.StencilWriteMask = r.u32()
	s.DepthBias = r.i32()
	s.DepthBiasSlopeScale = r.f32()
	s.DepthBiasClamp = r.f32()
	if err := x.be.CreateDepthStencilState(id, s); err != nil {
		x.fail(id, OpCreateDepthStencilState, err)
	}
}

func execDestroyResource(x *executor, r *argReader) {
	id := r.id()
	kind := ResourceKind(r.u32())
	x.be.Destroy(id, kind)
}

func execUpdateBuffer(x *executor, r *argReader) {
	id := r.id()
	offset := r.u64()
	data := r.bytes()
	if err := x.be.UpdateBuffer(id, offset, data); err != nil {
		x.fail(id, OpUpdateBuffer, err)
	}
}

func execUpdateTexture(x *executor, r *argReader) {
	id := r.id()
	var region TextureRegion
	region.X = r.u32()
	region.Y = r.u32()
	region.Width = r.u32()
	region.Height = r.u32()
	region.MipLevel = r.u32()
	bpr := r.u32()
	data := r.bytes()
	if err := x.be.UpdateTexture(id, region, bpr, data); err != nil {
		x.fail(id, OpUpdateTexture, err)
	}
}

func execBeginPass(x *executor, r *argReader) {
	target := r.id()
	load := gputypes.LoadOp(r.u32())
	x.be.BeginPass(target, load, r.color())
}

func execEndPass(x *executor, _ *argReader) { x.be.EndPass() }

func execSetViewport(x *executor, r *argReader) {
	vx, vy := r.f32(), r.f32()
	w, h := r.f32(), r.f32()
	minD, maxD := r.f32(), r.f32()
	x.be.SetViewport(vx, vy, w, h, minD, maxD)
}

func execSetScissor(x *executor, r *argReader) {
	sx, sy := r.u32(), r.u32()
	w, h := r.u32(), r.u32()
	x.be.SetScissor(sx, sy, w, h)
}

func execSetProgram(x *executor, r *argReader)         { x.be.SetProgram(r.id()) }
func execSetRasterizerState(x *executor, r *argReader) { x.be.SetRasterizerState(r.id()) }
func execSetBlendState(x *executor, r *argReader)      { x.be.SetBlendState(r.id()) }
func execSetDepthStencilState(x *executor, r *argReader) {
	x.be.SetDepthStencilState(r.id())
}
func execSetBlendConstant(x *executor, r *argReader) { x.be.SetBlendConstant(r.color()) }

func execDraw(x *executor, r *argReader) {
	vc, ic := r.u32(), r.u32()
	fv, fi := r.u32(), r.u32()
	x.be.Draw(vc, ic, fv, fi)
}

func execDrawMesh(x *executor, r *argReader) {
	mesh := r.id()
	first, count := r.u32(), r.u32()
	x.be.DrawMesh(mesh, first, count, r.u32())
}

func execBlit(x *executor, r *argReader) {
	src, dst := r.id(), r.id()
	srcRect := getRect(r)
	dstRect := getRect(r)
	x.be.Blit(src, dst, srcRect, dstRect, Filter(r.u32()))
}
