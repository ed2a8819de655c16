package renderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/config"
	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/shader"
)

var (
	// ErrClosed is returned by a Renderer after Close.
	ErrClosed = errors.New("renderer: closed")

	// ErrNoDevice is returned while a Renderer has no device because
	// recreation after a device loss failed. Frame retries the recreation.
	ErrNoDevice = fmt.Errorf("renderer: no device: %w", rt.ErrDeviceLost)
)

// Options configure a Renderer.
type Options struct {
	Config config.Config

	// NewDevice creates the device, initially and after device loss.
	NewDevice func() (device.Device, error)

	// Library is the shader library. Zero selects Config.Shaders.Library
	// or, if that is empty, the embedded scene library.
	Library shader.Source

	// Compiler compiles Library. Nil creates one.
	Compiler *shader.Compiler
}

// loggerSetter is implemented by devices that log, such as the soft device.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// Renderer renders the configured scene frame by frame.
//
// A Renderer is not safe for concurrent use, except that Rebuild may be
// called from a watcher goroutine: it is serialized with Frame.
type Renderer struct {
	cfg      config.Config
	factory  func() (device.Device, error)
	compiler *shader.Compiler
	library  shader.Source

	frameMu chan struct{}

	dev      device.Device
	builder  *rt.Builder
	scene    *scene
	pipeline *rt.PipelineObject
	layout   rt.TableLayout
	tableRaw []byte
	table    *rt.ShaderTable

	heap     device.DescriptorHeapID
	output   device.TextureID
	readback device.BufferID
	cl       device.CommandList

	// present is the ordinal of the last frame's submission.
	present uint64
	angle   float32
	stats   Stats
	started time.Time
	closed  bool
}

// New creates the device and builds every resource of the scene.
func New(ctx context.Context, opts Options) (*Renderer, error) {
	if opts.NewDevice == nil {
		return nil, errors.New("renderer: nil device factory")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	r := &Renderer{
		cfg:      opts.Config,
		factory:  opts.NewDevice,
		compiler: opts.Compiler,
		library:  opts.Library,
		frameMu:  make(chan struct{}, 1),
	}
	if r.compiler == nil {
		r.compiler = shader.NewCompiler(0, 0)
	}
	if r.library.Code == "" {
		if path := r.cfg.Shaders.Library; path != "" {
			src, err := shader.Load(path)
			if err != nil {
				return nil, err
			}
			r.library = src
		} else {
			r.library = shader.Scene()
		}
	}
	if err := r.setup(ctx); err != nil {
		r.teardown()
		return nil, err
	}
	return r, nil
}

func (r *Renderer) lock(ctx context.Context) error {
	select {
	case r.frameMu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Renderer) unlock() { <-r.frameMu }

// setup creates a device and everything rendered on it.
func (r *Renderer) setup(ctx context.Context) error {
	dev, err := r.factory()
	if err != nil {
		return fmt.Errorf("renderer: create device: %w", err)
	}
	if ls, ok := dev.(loggerSetter); ok {
		ls.SetLogger(rt.Logger())
	}
	r.dev = dev
	r.builder = rt.NewBuilder(dev, rt.DefaultBuilderOptions())
	if !r.builder.Supported() {
		return fmt.Errorf("renderer: device does not support ray tracing: %w", rt.ErrUnsupportedGeometryLayout)
	}

	w, h := r.cfg.Output.Width, r.cfg.Output.Height
	r.output, err = dev.CreateTexture(&device.TextureDesc{
		Label:        "output",
		Width:        w,
		Height:       h,
		Format:       gputypes.TextureFormatRGBA8Unorm,
		InitialState: device.StateUnorderedAccess,
	})
	if err != nil {
		return fmt.Errorf("renderer: create output: %w", err)
	}
	r.readback, err = dev.CreateBuffer(&device.BufferDesc{
		Label:        "output-readback",
		Size:         uint64(w) * uint64(h) * 4,
		Heap:         device.HeapReadback,
		InitialState: device.StateCopyDest,
	})
	if err != nil {
		return fmt.Errorf("renderer: create readback: %w", err)
	}

	cl, err := dev.CreateCommandList("scene-build")
	if err != nil {
		return fmt.Errorf("renderer: %w", err)
	}
	r.scene = &scene{dev: dev}
	if err := r.scene.build(r.builder, cl, &r.cfg); err != nil {
		return err
	}
	if _, err := rt.SubmitAndWait(ctx, dev.Queue(), cl); err != nil {
		return fmt.Errorf("renderer: build scene: %w", err)
	}
	r.scene.releaseScratch()

	r.heap, err = dev.CreateDescriptorHeap(heapSlots)
	if err != nil {
		return fmt.Errorf("renderer: create descriptor heap: %w", err)
	}
	if err := dev.WriteDescriptor(r.heap, slotOutput, device.Descriptor{Kind: device.DescriptorTextureUAV, Texture: r.output}); err != nil {
		return fmt.Errorf("renderer: %w", err)
	}
	if err := dev.WriteDescriptor(r.heap, slotScene, device.Descriptor{Kind: device.DescriptorAccelerationStructure, Location: r.scene.tlas.Address()}); err != nil {
		return fmt.Errorf("renderer: %w", err)
	}

	if err := r.buildPipeline(r.library); err != nil {
		return err
	}

	r.cl, err = dev.CreateCommandList("frame")
	if err != nil {
		return fmt.Errorf("renderer: %w", err)
	}
	r.present = 0
	rt.Logger().Info("renderer: ready",
		"width", w, "height", h,
		"instances", len(r.scene.instances), "hitRecords", r.scene.hitRecords)
	return nil
}

// buildPipeline compiles lib and replaces the pipeline and shader table.
// On failure the current pipeline and table are kept.
func (r *Renderer) buildPipeline(lib shader.Source) error {
	mod, err := r.compiler.Compile(lib)
	if err != nil {
		return err
	}
	p, err := buildPipeline(r.dev, mod, &r.cfg)
	if err != nil {
		return err
	}
	raygen, miss, hit, err := tableRecords(p, r.scene, &r.cfg,
		r.dev.DescriptorHandle(r.heap, slotOutput), r.dev.DescriptorHandle(r.heap, slotScene))
	if err != nil {
		p.Destroy()
		return err
	}
	layout, data, err := rt.ShaderTableLayoutFor(r.dev.Capabilities()).Build(raygen, miss, hit)
	if err != nil {
		p.Destroy()
		return err
	}
	table, err := rt.UploadShaderTable(r.dev, layout, data)
	if err != nil {
		p.Destroy()
		return err
	}

	if r.table != nil {
		r.table.Destroy()
	}
	if r.pipeline != nil {
		r.pipeline.Destroy()
	}
	r.pipeline, r.layout, r.tableRaw, r.table = p, layout, data, table
	r.library = lib
	return nil
}

// teardown destroys every resource on the current device and the device
// itself.
func (r *Renderer) teardown() {
	if r.dev == nil {
		return
	}
	if r.table != nil {
		r.table.Destroy()
		r.table = nil
	}
	if r.pipeline != nil {
		r.pipeline.Destroy()
		r.pipeline = nil
	}
	if r.scene != nil {
		r.scene.destroy()
		r.scene = nil
	}
	if r.heap != device.InvalidID {
		r.dev.DestroyDescriptorHeap(r.heap)
		r.heap = device.InvalidID
	}
	if r.output != device.InvalidID {
		r.dev.DestroyTexture(r.output)
		r.output = device.InvalidID
	}
	if r.readback != device.InvalidID {
		r.dev.DestroyBuffer(r.readback)
		r.readback = device.InvalidID
	}
	r.cl = nil
	r.dev.Destroy()
	r.dev = nil
}

// Frame advances the animation by dt and renders one frame: it waits for
// the previous frame, refits the top-level structure, traces and copies the
// output into the readback buffer.
//
// If the device is lost, Frame recreates everything and reports the frame
// as dropped; it returns an error only if recreation fails. That error
// matches rt.ErrDeviceLost, and the next Frame retries the recreation.
func (r *Renderer) Frame(ctx context.Context, dt time.Duration) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	if r.dev == nil {
		if err := r.recreate(ctx); err != nil {
			r.stats.Dropped++
			return err
		}
	}
	if r.started.IsZero() {
		r.started = time.Now()
	}

	err := r.frame(ctx, dt)
	if errors.Is(err, rt.ErrDeviceLost) || errors.Is(err, device.ErrDeviceRemoved) {
		rt.Logger().Warn("renderer: device lost, recreating", "err", err)
		r.stats.Dropped++
		return r.recreate(ctx)
	}
	return err
}

func (r *Renderer) frame(ctx context.Context, dt time.Duration) error {
	q := r.dev.Queue()
	if r.present != 0 {
		if err := rt.Wait(ctx, q, r.present); err != nil {
			return err
		}
	}
	if err := r.cl.Reset(); err != nil {
		return fmt.Errorf("renderer: reset frame list: %w", err)
	}

	r.angle += r.cfg.Scene.RotationSpeed * float32(dt.Seconds())
	if err := r.builder.RefitTopLevel(r.cl, r.scene.tlas, r.scene.animate(r.angle)); err != nil {
		return err
	}

	r.cl.SetDescriptorHeap(r.heap)
	r.cl.SetGlobalRootSignature(r.pipeline.GlobalRootSignature())
	r.cl.SetPipeline(r.pipeline.ID())
	w, h := r.cfg.Output.Width, r.cfg.Output.Height
	dispatch := r.table.DispatchDesc(w, h)
	r.cl.DispatchRays(&dispatch)
	r.cl.TransitionTexture(r.output, device.StateUnorderedAccess, device.StateCopySource)
	r.cl.CopyTextureToBuffer(r.output, r.readback)
	r.cl.TransitionTexture(r.output, device.StateCopySource, device.StateUnorderedAccess)

	if err := r.cl.Close(); err != nil {
		return fmt.Errorf("renderer: record frame: %w", err)
	}
	ordinal, err := q.Submit(r.cl)
	if err != nil {
		return fmt.Errorf("renderer: submit frame: %w", err)
	}
	r.present = ordinal
	r.stats.Frames++
	r.stats.PrimaryRays += uint64(w) * uint64(h)
	r.stats.Elapsed = time.Since(r.started)
	return nil
}

// Recreate tears down every structure, table and pipeline, creates a new
// device and rebuilds them.
func (r *Renderer) Recreate(ctx context.Context) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	return r.recreate(ctx)
}

func (r *Renderer) recreate(ctx context.Context) error {
	r.teardown()
	if err := r.setup(ctx); err != nil {
		r.teardown()
		return fmt.Errorf("renderer: recreate: %w: %w", rt.ErrDeviceLost, err)
	}
	r.stats.Recreations++
	rt.Logger().Info("renderer: device recreated", "recreations", r.stats.Recreations)
	return nil
}

// Rebuild recompiles lib and replaces the pipeline and shader table after
// the current frame completes. The previous pipeline stays in use if the
// new one fails to build.
func (r *Renderer) Rebuild(ctx context.Context, lib shader.Source) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	if r.dev == nil {
		return ErrNoDevice
	}
	if r.present != 0 {
		if err := rt.Wait(ctx, r.dev.Queue(), r.present); err != nil {
			return err
		}
	}
	r.compiler.Forget(lib)
	if err := r.buildPipeline(lib); err != nil {
		rt.Logger().Warn("renderer: rebuild failed, keeping previous pipeline", "library", lib.Name, "err", err)
		return err
	}
	r.stats.Rebuilds++
	rt.Logger().Info("renderer: pipeline rebuilt", "library", lib.Name)
	return nil
}

// Image waits for the last frame and returns its output.
func (r *Renderer) Image(ctx context.Context) (*image.RGBA, error) {
	if err := r.lock(ctx); err != nil {
		return nil, err
	}
	defer r.unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.dev == nil {
		return nil, ErrNoDevice
	}
	if r.present != 0 {
		if err := rt.Wait(ctx, r.dev.Queue(), r.present); err != nil {
			return nil, err
		}
	}
	w, h := int(r.cfg.Output.Width), int(r.cfg.Output.Height)
	pix, err := r.dev.ReadBuffer(r.readback, 0, uint64(w*h*4))
	if err != nil {
		return nil, fmt.Errorf("renderer: read output: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, pix)
	return img, nil
}

// Describe writes the pipeline graph summary and the shader table dump.
func (r *Renderer) Describe(w io.Writer) error {
	if r.pipeline == nil {
		return ErrNoDevice
	}
	if _, err := fmt.Fprintf(w, "pipeline %q: exports=%v payload=%d attributes=%d recursion=%d\n",
		r.pipeline.Label(), r.pipeline.Exports(), r.pipeline.MaxPayloadSize(),
		r.pipeline.MaxAttributeSize(), r.pipeline.MaxRecursionDepth()); err != nil {
		return err
	}
	return r.layout.Describe(w, r.tableRaw)
}

// Layout returns the shader table layout.
func (r *Renderer) Layout() rt.TableLayout { return r.layout }

// Device returns the current device. It changes after Recreate and is nil
// while recreation has failed.
func (r *Renderer) Device() device.Device { return r.dev }

// Stats returns the frame statistics.
func (r *Renderer) Stats() Stats { return r.stats }

// Close waits for the last frame and releases everything.
func (r *Renderer) Close() {
	r.frameMu <- struct{}{}
	defer r.unlock()
	if r.closed {
		return
	}
	if r.present != 0 && r.dev != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.Wait(ctx, r.dev.Queue(), r.present); err != nil {
			rt.Logger().Warn("renderer: close without waiting for the last frame", "err", err)
		}
		cancel()
	}
	r.teardown()
	r.closed = true
}
