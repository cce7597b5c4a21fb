// Command rhidemo drives an rhi device through a number of frames and
// prints the device statistics.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"image/png"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/backends/soft"
)

const shaderSource = `
@vertex
fn vs_main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.5, 0.0, 1.0);
}
`

func main() {
	var (
		backend   = flag.String("backend", "soft", "backend name (soft, gpu)")
		workers   = flag.Int("workers", rhi.DefaultWorkers, "worker goroutines (0 runs work on the caller)")
		frames    = flag.Int("frames", 60, "frames to render")
		size      = flag.Int("size", 256, "render target width and height")
		diffing   = flag.Bool("diff", false, "skip command buffers identical to the previous frame")
		producers = flag.Int("producers", 4, "goroutines uploading on unordered streams each frame")
		output    = flag.String("output", "", "write the final frame as PNG (soft backend only)")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	d, err := rhi.Open(*backend, rhi.WithWorkers(*workers), rhi.WithDiffing(*diffing))
	if err != nil {
		log.Fatalf("open %s: %v", *backend, err)
	}

	start := time.Now()
	rt, err := run(d, *frames, uint32(*size), *producers)
	if err != nil {
		_ = d.Close()
		log.Fatal(err)
	}
	elapsed := time.Since(start)

	if *output != "" {
		if err := save(d, rt, *output); err != nil {
			log.Printf("save: %v", err)
		}
	}
	st := d.Stats()
	if err := d.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}

	fmt.Printf("backend:          %s (%d workers)\n", *backend, d.Workers())
	fmt.Printf("frames:           %d in %v\n", *frames, elapsed.Round(time.Microsecond))
	fmt.Printf("submitted:        %d\n", st.Submitted)
	fmt.Printf("executed:         %d\n", st.Executed)
	fmt.Printf("skipped:          %d\n", st.Skipped)
	fmt.Printf("diff mismatches:  %d\n", st.DiffMismatches)
	fmt.Printf("capacity flushes: %d\n", st.CapacityFlushes)
	fmt.Printf("fence waits:      %d\n", st.FenceWaits)
	fmt.Printf("pumped:           %d\n", st.Pumped)
}

type scene struct {
	target  *rhi.Resource
	program *rhi.Resource
	quad    *rhi.Resource
	blend   *rhi.Resource
	uploads []*rhi.Resource
}

func setup(s *rhi.Stream, size uint32, producers int) (*scene, error) {
	var (
		sc  scene
		err error
	)
	if sc.target, err = s.CreateRenderTarget(rhi.RenderTargetDesc{Width: size, Height: size, ColorFormat: gputypes.TextureFormatRGBA8Unorm}); err != nil {
		return nil, err
	}
	if sc.program, err = s.CreateProgram(rhi.ProgramDesc{Source: shaderSource}); err != nil {
		return nil, err
	}

	vertices := make([]byte, 0, 4*8)
	for _, v := range []float32{-0.5, -0.5, 0.5, -0.5, 0.5, 0.5, -0.5, 0.5} {
		vertices = binary.LittleEndian.AppendUint32(vertices, math.Float32bits(v))
	}
	indices := make([]byte, 0, 12)
	for _, i := range []uint16{0, 1, 2, 0, 2, 3} {
		indices = binary.LittleEndian.AppendUint16(indices, i)
	}
	sc.quad, err = s.CreateMesh(rhi.MeshDesc{
		Vertices:    vertices,
		Stride:      8,
		Attributes:  []gputypes.VertexAttribute{{Format: gputypes.VertexFormatFloat32x2}},
		Indices:     indices,
		IndexFormat: gputypes.IndexFormatUint16,
	})
	if err != nil {
		return nil, err
	}
	over := gputypes.BlendComponent{
		SrcFactor: gputypes.BlendFactorOne,
		DstFactor: gputypes.BlendFactorOneMinusSrcAlpha,
		Operation: gputypes.BlendOperationAdd,
	}
	if sc.blend, err = s.CreateBlendState(rhi.BlendDesc{Enabled: true, State: gputypes.BlendState{Color: over, Alpha: over}}); err != nil {
		return nil, err
	}
	for range producers {
		buf, err := s.CreateBuffer(rhi.BufferDesc{Size: 256, Usage: gputypes.BufferUsageUniform})
		if err != nil {
			return nil, err
		}
		sc.uploads = append(sc.uploads, buf)
	}
	return &sc, nil
}

func run(d *rhi.Device, frames int, size uint32, producers int) (*rhi.Resource, error) {
	s := d.DefaultStream()
	sc, err := setup(s, size, producers)
	if err != nil {
		return nil, err
	}

	for frame := range frames {
		if err := d.BeginFrame(); err != nil {
			return nil, err
		}

		// The scene changes every 16 frames: producers refresh their
		// buffers and the clear color moves. With diffing on, the frames in
		// between are skipped.
		epoch := frame / 16
		var g errgroup.Group
		for p, buf := range sc.uploads {
			if frame%16 != 0 {
				break
			}
			g.Go(func() error {
				us := d.NewStream(rhi.Unordered)
				data := make([]byte, 16)
				binary.LittleEndian.PutUint32(data, uint32(epoch))
				binary.LittleEndian.PutUint32(data[4:], uint32(p))
				if err := us.Append(rhi.UpdateBuffer{Buffer: buf, Data: data}); err != nil {
					return fmt.Errorf("producer %d: %w", p, err)
				}
				us.Flush(rhi.NoWait)
				return nil
			})
		}

		shade := float64(epoch%8) / 8
		err := s.AppendGroup(
			rhi.BeginPass{Target: sc.target, Load: gputypes.LoadOpClear, Clear: gputypes.Color{R: shade, G: 0.2, B: 1 - shade, A: 1}},
			rhi.SetViewport{Width: float32(size), Height: float32(size), MaxDepth: 1},
			rhi.SetProgram{Program: sc.program},
			rhi.SetBlendState{State: sc.blend},
			rhi.DrawMesh{Mesh: sc.quad, IndexCount: 6, InstanceCount: 1},
			rhi.EndPass{},
		)
		if err != nil {
			return nil, err
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		d.EndFrame()
	}
	s.Flush(rhi.Wait)

	for _, r := range []*rhi.Resource{sc.program, sc.quad, sc.blend} {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%v: %w", r.Kind(), err)
		}
		r.Release()
	}
	for _, buf := range sc.uploads {
		buf.Release()
	}
	return sc.target, nil
}

func save(d *rhi.Device, rt *rhi.Resource, path string) error {
	be, ok := d.Backend().(*soft.Backend)
	if !ok {
		return fmt.Errorf("backend %s cannot read back pixels", d.Backend().Name())
	}
	img, ok := be.Target(rt.ID())
	if !ok {
		return fmt.Errorf("render target %d missing", rt.ID())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
