package rhi

import (
	"github.com/gogpu/rhi/internal/chain"
)

// Opcode identifies an encoded command.
type Opcode uint8

// Resource lifetime and upload commands.
const (
	OpCreateBuffer Opcode = iota
	OpCreateMesh
	OpCreateTexture
	OpCreateRenderTarget
	OpCreateProgram
	OpCreateRasterizerState
	OpCreateBlendState
	OpCreateDepthStencilState
	OpDestroyResource
	OpUpdateBuffer
	OpUpdateTexture
)

// Pass, state and draw commands.
const (
	OpBeginPass Opcode = iota + OpUpdateTexture + 1
	OpEndPass
	OpSetViewport
	OpSetScissor
	OpSetProgram
	OpSetRasterizerState
	OpSetBlendState
	OpSetDepthStencilState
	OpSetBlendConstant
	OpDraw
	OpDrawMesh
	OpBlit

	opCount
)

// The header id field bounds the opcode set.
var _ [chain.MaxOpcodes - int(opCount)]struct{}

// opInfo is one row of the opcode table.
type opInfo struct {
	// align is the payload alignment, a power of two.
	align int
	// volatile commands change backend state outside the command stream
	// itself, so a buffer containing one is never skipped by diffing.
	volatile bool
	exec     func(x *executor, r *argReader)
}

var opNames = [opCount]string{
	OpCreateBuffer:            "CreateBuffer",
	OpCreateMesh:              "CreateMesh",
	OpCreateTexture:           "CreateTexture",
	OpCreateRenderTarget:      "CreateRenderTarget",
	OpCreateProgram:           "CreateProgram",
	OpCreateRasterizerState:   "CreateRasterizerState",
	OpCreateBlendState:        "CreateBlendState",
	OpCreateDepthStencilState: "CreateDepthStencilState",
	OpDestroyResource:         "DestroyResource",
	OpUpdateBuffer:            "UpdateBuffer",
	OpUpdateTexture:           "UpdateTexture",
	OpBeginPass:               "BeginPass",
	OpEndPass:                 "EndPass",
	OpSetViewport:             "SetViewport",
	OpSetScissor:              "SetScissor",
	OpSetProgram:              "SetProgram",
	OpSetRasterizerState:      "SetRasterizerState",
	OpSetBlendState:           "SetBlendState",
	OpSetDepthStencilState:    "SetDepthStencilState",
	OpSetBlendConstant:        "SetBlendConstant",
	OpDraw:                    "Draw",
	OpDrawMesh:                "DrawMesh",
	OpBlit:                    "Blit",
}

var opTable = [opCount]opInfo{
	OpCreateBuffer:            {align: 8, volatile: true, exec: execCreateBuffer},
	OpCreateMesh:              {align: 4, volatile: true, exec: execCreateMesh},
	OpCreateTexture:           {align: 8, volatile: true, exec: execCreateTexture},
	OpCreateRenderTarget:      {align: 4, volatile: true, exec: execCreateRenderTarget},
	OpCreateProgram:           {align: 4, volatile: true, exec: execCreateProgram},
	OpCreateRasterizerState:   {align: 4, volatile: true, exec: execCreateRasterizerState},
	OpCreateBlendState:        {align: 4, volatile: true, exec: execCreateBlendState},
	OpCreateDepthStencilState: {align: 4, volatile: true, exec: execCreateDepthStencilState},
	OpDestroyResource:         {align: 4, volatile: true, exec: execDestroyResource},
	OpUpdateBuffer:            {align: 8, volatile: true, exec: execUpdateBuffer},
	OpUpdateTexture:           {align: 16, volatile: true, exec: execUpdateTexture},
	OpBeginPass:               {align: 8, exec: execBeginPass},
	OpEndPass:                 {align: 4, exec: execEndPass},
	OpSetViewport:             {align: 4, exec: execSetViewport},
	OpSetScissor:              {align: 4, exec: execSetScissor},
	OpSetProgram:              {align: 4, exec: execSetProgram},
	OpSetRasterizerState:      {align: 4, exec: execSetRasterizerState},
	OpSetBlendState:           {align: 4, exec: execSetBlendState},
	OpSetDepthStencilState:    {align: 4, exec: execSetDepthStencilState},
	OpSetBlendConstant:        {align: 8, exec: execSetBlendConstant},
	OpDraw:                    {align: 4, exec: execDraw},
	OpDrawMesh:                {align: 4, exec: execDrawMesh},
	OpBlit:                    {align: 4, exec: execBlit},
}

// String returns the opcode name.
func (op Opcode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return "Unknown"
}

// Volatile reports whether buffers containing op always execute, even when
// diffing finds them unchanged.
func (op Opcode) Volatile() bool {
	return op < opCount && opTable[op].volatile
}

// opLayout resolves payload alignment for the chain decoder.
func opLayout(id uint8) (int, bool) {
	if Opcode(id) >= opCount {
		return 0, false
	}
	return opTable[id].align, true
}
