// Package soft implements an rhi backend that renders into in-memory RGBA
// images. It clears, uploads and blits for real; draws are validated and
// counted but not rasterized.
//
// Importing the package registers it as "soft":
//
//	import _ "github.com/gogpu/rhi/backends/soft"
package soft

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"

	"golang.org/x/image/draw"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/internal/shader"
)

// Backend limits.
const (
	MaxWorkers     = 4
	MaxTextureSize = 16384
)

// Backend errors.
var (
	ErrUnknownResource = errors.New("soft: unknown resource")
	ErrOutOfBounds     = errors.New("soft: write out of bounds")
	ErrInvalidDesc     = errors.New("soft: invalid descriptor")
)

func init() {
	rhi.Register("soft", func() (rhi.Backend, error) {
		return New()
	})
}

// Stats counts executed work.
type Stats struct {
	Passes   int
	Draws    int
	Vertices uint64
	Blits    int
	Uploads  int
	Live     int
}

type mesh struct {
	vertices []byte
	stride   uint32
	indices  int
}

// Backend is the software backend.
//
// Thread safety: all methods serialize on one mutex. Pass state is shared,
// so passes should be recorded on ordered streams.
type Backend struct {
	mu       sync.Mutex
	images   map[rhi.ResourceID]*image.RGBA
	buffers  map[rhi.ResourceID][]byte
	meshes   map[rhi.ResourceID]mesh
	programs map[rhi.ResourceID][]uint32
	states   map[rhi.ResourceID]rhi.ResourceKind
	shaders  *shader.Cache
	logger   *slog.Logger

	pass    *image.RGBA
	scissor image.Rectangle
	program rhi.ResourceID
	stats   Stats
}

// New creates a software backend.
func New() (*Backend, error) {
	sc, err := shader.NewCache(0)
	if err != nil {
		return nil, err
	}
	return &Backend{
		images:   make(map[rhi.ResourceID]*image.RGBA),
		buffers:  make(map[rhi.ResourceID][]byte),
		meshes:   make(map[rhi.ResourceID]mesh),
		programs: make(map[rhi.ResourceID][]uint32),
		states:   make(map[rhi.ResourceID]rhi.ResourceKind),
		shaders:  sc,
		logger:   rhi.Logger(),
	}, nil
}

// SetLogger sets the backend logger.
func (b *Backend) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Name returns "soft".
func (b *Backend) Name() string { return "soft" }

// Capabilities reports MaxWorkers.
func (b *Backend) Capabilities() rhi.Capabilities {
	return rhi.Capabilities{MaxWorkers: MaxWorkers, MaxTextureSize: MaxTextureSize}
}

// Target returns a copy of a texture or render target.
func (b *Backend) Target(id rhi.ResourceID) (*image.RGBA, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[id]
	if !ok {
		return nil, false
	}
	out := image.NewRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	return out, true
}

// Buffer returns a copy of a buffer's contents.
func (b *Backend) Buffer(id rhi.ResourceID) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[id]
	return append([]byte(nil), buf...), ok
}

// Stats returns execution counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.Live = len(b.images) + len(b.buffers) + len(b.meshes) + len(b.programs) + len(b.states)
	return st
}

func (b *Backend) CreateBuffer(id rhi.ResourceID, desc rhi.BufferDesc) error {
	if desc.Size == 0 {
		return fmt.Errorf("%w: zero-size buffer", ErrInvalidDesc)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers[id] = make([]byte, desc.Size)
	return nil
}

func (b *Backend) CreateMesh(id rhi.ResourceID, desc rhi.MeshDesc) error {
	if desc.Stride == 0 || len(desc.Vertices)%int(desc.Stride) != 0 {
		return fmt.Errorf("%w: %d vertex bytes with stride %d", ErrInvalidDesc, len(desc.Vertices), desc.Stride)
	}
	indexSize := 2
	if desc.IndexFormat == gputypes.IndexFormatUint32 {
		indexSize = 4
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meshes[id] = mesh{
		vertices: append([]byte(nil), desc.Vertices...),
		stride:   desc.Stride,
		indices:  len(desc.Indices) / indexSize,
	}
	return nil
}

func (b *Backend) CreateTexture(id rhi.ResourceID, desc rhi.TextureDesc) error {
	return b.createImage(id, desc.Width, desc.Height)
}

func (b *Backend) CreateRenderTarget(id rhi.ResourceID, desc rhi.RenderTargetDesc) error {
	return b.createImage(id, desc.Width, desc.Height)
}

func (b *Backend) createImage(id rhi.ResourceID, w, h uint32) error {
	if w == 0 || h == 0 {
		return fmt.Errorf("%w: %dx%d image", ErrInvalidDesc, w, h)
	}
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[id] = img
	return nil
}

// CreateProgram validates the WGSL source by compiling it.
func (b *Backend) CreateProgram(id rhi.ResourceID, desc rhi.ProgramDesc) error {
	words, err := b.shaders.Compile(desc.Source)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.programs[id] = words
	return nil
}

func (b *Backend) CreateRasterizerState(id rhi.ResourceID, _ gputypes.PrimitiveState) error {
	return b.createState(id, rhi.KindRasterizerState)
}

func (b *Backend) CreateBlendState(id rhi.ResourceID, _ rhi.BlendDesc) error {
	return b.createState(id, rhi.KindBlendState)
}

func (b *Backend) CreateDepthStencilState(id rhi.ResourceID, _ gputypes.DepthStencilState) error {
	return b.createState(id, rhi.KindDepthStencilState)
}

func (b *Backend) createState(id rhi.ResourceID, kind rhi.ResourceKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[id] = kind
	return nil
}

func (b *Backend) Destroy(id rhi.ResourceID, kind rhi.ResourceKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case rhi.KindBuffer:
		delete(b.buffers, id)
	case rhi.KindMesh:
		delete(b.meshes, id)
	case rhi.KindTexture, rhi.KindRenderTarget:
		delete(b.images, id)
	case rhi.KindProgram:
		delete(b.programs, id)
	default:
		delete(b.states, id)
	}
}

func (b *Backend) UpdateBuffer(id rhi.ResourceID, offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[id]
	if !ok {
		return fmt.Errorf("%w: buffer %d", ErrUnknownResource, id)
	}
	if offset > uint64(len(buf)) || uint64(len(data)) > uint64(len(buf))-offset {
		return fmt.Errorf("%w: %d bytes at %d into %d", ErrOutOfBounds, len(data), offset, len(buf))
	}
	copy(buf[offset:], data)
	b.stats.Uploads++
	return nil
}

// UpdateTexture copies RGBA8 rows into a region.
func (b *Backend) UpdateTexture(id rhi.ResourceID, rg rhi.TextureRegion, bytesPerRow uint32, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrUnknownResource, id)
	}
	r := image.Rect(int(rg.X), int(rg.Y), int(rg.X+rg.Width), int(rg.Y+rg.Height))
	if !r.In(img.Rect) {
		return fmt.Errorf("%w: region %v outside %v", ErrOutOfBounds, r, img.Rect)
	}
	rowBytes := int(rg.Width) * 4
	if int(bytesPerRow) < rowBytes || len(data) < (int(rg.Height)-1)*int(bytesPerRow)+rowBytes {
		return fmt.Errorf("%w: %d bytes for %dx%d rows of %d", ErrOutOfBounds, len(data), rg.Width, rg.Height, bytesPerRow)
	}
	for y := 0; y < int(rg.Height); y++ {
		src := data[y*int(bytesPerRow):]
		copy(img.Pix[img.PixOffset(r.Min.X, r.Min.Y+y):], src[:rowBytes])
	}
	b.stats.Uploads++
	return nil
}

func (b *Backend) BeginPass(target rhi.ResourceID, load gputypes.LoadOp, clear gputypes.Color) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[target]
	if !ok {
		b.logger.Warn("soft: pass on unknown target", "target", target)
		return
	}
	b.pass = img
	b.scissor = img.Rect
	b.stats.Passes++
	if load == gputypes.LoadOpClear {
		draw.Draw(img, img.Rect, image.NewUniform(toRGBA(clear)), image.Point{}, draw.Src)
	}
}

func (b *Backend) EndPass() {
	b.mu.Lock()
	b.pass = nil
	b.program = 0
	b.mu.Unlock()
}

func (b *Backend) SetViewport(_, _, _, _, _, _ float32) {}

func (b *Backend) SetScissor(x, y, w, h uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass != nil {
		b.scissor = image.Rect(int(x), int(y), int(x+w), int(y+h)).Intersect(b.pass.Rect)
	}
}

func (b *Backend) SetProgram(id rhi.ResourceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.programs[id]; !ok {
		b.logger.Warn("soft: unknown program", "program", id)
		return
	}
	b.program = id
}

func (b *Backend) SetRasterizerState(rhi.ResourceID)   {}
func (b *Backend) SetBlendState(rhi.ResourceID)        {}
func (b *Backend) SetDepthStencilState(rhi.ResourceID) {}
func (b *Backend) SetBlendConstant(gputypes.Color)     {}

func (b *Backend) Draw(vertexCount, instanceCount, _, _ uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pass == nil {
		b.logger.Warn("soft: draw outside pass")
		return
	}
	b.stats.Draws++
	b.stats.Vertices += uint64(vertexCount) * uint64(max(instanceCount, 1))
}

func (b *Backend) DrawMesh(id rhi.ResourceID, firstIndex, indexCount, instanceCount uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meshes[id]
	switch {
	case b.pass == nil:
		b.logger.Warn("soft: draw outside pass")
	case !ok:
		b.logger.Warn("soft: unknown mesh", "mesh", id)
	case int(firstIndex)+int(indexCount) > m.indices:
		b.logger.Warn("soft: index range out of bounds", "mesh", id, "first", firstIndex, "count", indexCount)
	default:
		b.stats.Draws++
		b.stats.Vertices += uint64(indexCount) * uint64(max(instanceCount, 1))
	}
}

// Blit copies or scales between images.
func (b *Backend) Blit(src, dst rhi.ResourceID, srcRect, dstRect image.Rectangle, filter rhi.Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, sok := b.images[src]
	d, dok := b.images[dst]
	if !sok || !dok {
		b.logger.Warn("soft: blit with unknown image", "src", src, "dst", dst)
		return
	}
	if srcRect.Size() == dstRect.Size() {
		draw.Draw(d, dstRect, s, srcRect.Min, draw.Src)
	} else {
		scaler(filter).Scale(d, dstRect, s, srcRect, draw.Src, nil)
	}
	b.stats.Blits++
}

// Close drops all images.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.images)
	clear(b.buffers)
	clear(b.meshes)
	clear(b.programs)
	clear(b.states)
	return nil
}

func scaler(f rhi.Filter) draw.Scaler {
	switch f {
	case rhi.FilterLinear:
		return draw.BiLinear
	case rhi.FilterCatmullRom:
		return draw.CatmullRom
	default:
		return draw.NearestNeighbor
	}
}

func toRGBA(c gputypes.Color) color.RGBA {
	return color.RGBA{R: unit(c.R), G: unit(c.G), B: unit(c.B), A: unit(c.A)}
}

func unit(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
