package renderer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/config"
	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/device/soft"
	"github.com/gogpu/rt/shader"
)

const frameTime = 16 * time.Millisecond

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Output.Width, cfg.Output.Height = 64, 48
	return cfg
}

// softFactory returns a device factory and the devices it created.
func softFactory(opts soft.Options) (func() (device.Device, error), *[]*soft.Device) {
	var devices []*soft.Device
	return func() (device.Device, error) {
		d := soft.New(opts)
		devices = append(devices, d)
		return d, nil
	}, &devices
}

func newRenderer(t *testing.T, cfg config.Config, opts soft.Options) (*Renderer, *[]*soft.Device) {
	t.Helper()
	factory, devices := softFactory(opts)
	r, err := New(context.Background(), Options{Config: cfg, NewDevice: factory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r, devices
}

func TestRendererLayout(t *testing.T) {
	r, _ := newRenderer(t, testConfig(), soft.Options{})

	layout := r.Layout()
	if layout.RayGen.Count != 1 || layout.Miss.Count != 2 || layout.HitGroup.Count != 8 {
		t.Errorf("record counts %d/%d/%d, want 1/2/8", layout.RayGen.Count, layout.Miss.Count, layout.HitGroup.Count)
	}
	if layout.HitGroup.Stride != 64 || layout.HitGroup.Size != 8*64 {
		t.Errorf("hit group stride %d size %d", layout.HitGroup.Stride, layout.HitGroup.Size)
	}

	descs, err := r.scene.tlas.ReadInstances()
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []uint32{0, 4, 6} {
		if descs[i].HitGroupOffset != want {
			t.Errorf("instance %d hit group offset %d, want %d", i, descs[i].HitGroupOffset, want)
		}
	}
	if descs[1].BLASAddress != descs[2].BLASAddress || descs[0].BLASAddress == descs[1].BLASAddress {
		t.Error("instances 1 and 2 should share a bottom-level structure distinct from instance 0's")
	}

	var buf bytes.Buffer
	if err := r.Describe(&buf); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`pipeline "scene"`, "HitGroup", "records=8"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Describe output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRendererFrames(t *testing.T) {
	ctx := context.Background()
	r, devices := newRenderer(t, testConfig(), soft.Options{Latency: 2 * time.Millisecond})

	for i := 0; i < 3; i++ {
		if err := r.Frame(ctx, frameTime); err != nil {
			t.Fatalf("Frame %d: %v", i, err)
		}
	}
	img, err := r.Image(ctx)
	if err != nil {
		t.Fatal(err)
	}

	center := img.RGBAAt(32, 24)
	corner := img.RGBAAt(0, 0)
	if center == corner {
		t.Errorf("center %v equals corner %v; expected a hit in the center and a miss in the corner", center, corner)
	}
	if corner.A != 255 {
		t.Errorf("corner alpha = %d", corner.A)
	}

	stats := (*devices)[0].Dispatches()
	if len(stats) != 3 {
		t.Fatalf("%d dispatches", len(stats))
	}
	last := stats[2]
	for _, idx := range []int{0, 4, 6} {
		if last.HitRecords[idx] == 0 {
			t.Errorf("hit record %d never selected", idx)
		}
	}
	if last.ShadowRays == 0 {
		t.Error("no shadow rays traced")
	}

	s := r.Stats()
	if s.Frames != 3 || s.PrimaryRays != 3*64*48 || s.Dropped != 0 {
		t.Errorf("Stats = %+v", s)
	}
	if r.scene.tlas.Refits() != 3 {
		t.Errorf("Refits = %d, want 3", r.scene.tlas.Refits())
	}
}

func TestRendererRecreatesLostDevice(t *testing.T) {
	ctx := context.Background()
	r, devices := newRenderer(t, testConfig(), soft.Options{})

	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatal(err)
	}
	first := r.Device()
	(*devices)[0].Lose()

	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatalf("Frame after device loss: %v", err)
	}
	if len(*devices) != 2 || r.Device() == first {
		t.Fatalf("device not recreated: %d devices", len(*devices))
	}
	s := r.Stats()
	if s.Recreations != 1 || s.Dropped != 1 || s.Frames != 1 {
		t.Errorf("Stats = %+v", s)
	}

	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatalf("Frame on the new device: %v", err)
	}
	if got := len((*devices)[1].Dispatches()); got != 1 {
		t.Errorf("new device executed %d dispatches, want 1", got)
	}
	if (*devices)[0].LiveBuffers() != 0 {
		t.Errorf("lost device still holds %d buffers", (*devices)[0].LiveBuffers())
	}
}

func TestRendererLostDuringSubmit(t *testing.T) {
	ctx := context.Background()
	r, devices := newRenderer(t, testConfig(), soft.Options{})
	(*devices)[0].LoseAfter(1)

	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if s := r.Stats(); s.Recreations != 1 {
		t.Errorf("Recreations = %d, want 1", s.Recreations)
	}
}

func TestRendererRebuild(t *testing.T) {
	ctx := context.Background()
	r, _ := newRenderer(t, testConfig(), soft.Options{})
	before := r.pipeline

	err := r.Rebuild(ctx, shader.Source{Name: "broken.wgsl", Code: "fn ("})
	if !errors.Is(err, shader.ErrCompile) {
		t.Errorf("Rebuild(broken) = %v, want ErrCompile", err)
	}
	if r.pipeline != before {
		t.Error("failed rebuild replaced the pipeline")
	}
	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatalf("Frame after failed rebuild: %v", err)
	}

	if err := r.Rebuild(ctx, shader.Scene()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if r.pipeline == before || r.Stats().Rebuilds != 1 {
		t.Error("pipeline not replaced")
	}
	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatalf("Frame after rebuild: %v", err)
	}
}

func TestNewErrors(t *testing.T) {
	factory, _ := softFactory(soft.Options{})

	cfg := testConfig()
	cfg.Shaders.RayGen = "missing_raygen"
	if _, err := New(context.Background(), Options{Config: cfg, NewDevice: factory}); err == nil {
		t.Error("New with an unknown export succeeded")
	}

	cfg = testConfig()
	cfg.Pipeline.MaxPayloadSize = 0
	if _, err := New(context.Background(), Options{Config: cfg, NewDevice: factory}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("New with invalid config = %v", err)
	}

	noRT, _ := softFactory(soft.Options{DisableRaytracing: true})
	if _, err := New(context.Background(), Options{Config: testConfig(), NewDevice: noRT}); !errors.Is(err, rt.ErrUnsupportedGeometryLayout) {
		t.Errorf("New without ray tracing = %v", err)
	}
}

func TestRendererClosed(t *testing.T) {
	r, _ := newRenderer(t, testConfig(), soft.Options{})
	r.Close()
	if err := r.Frame(context.Background(), frameTime); !errors.Is(err, ErrClosed) {
		t.Errorf("Frame after Close = %v", err)
	}
	if _, err := r.Image(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Image after Close = %v", err)
	}
}

func TestStatsFormat(t *testing.T) {
	s := Stats{Frames: 1234, Dropped: 1, PrimaryRays: 3_000_000, Elapsed: 2 * time.Second}
	if got := s.FPS(); got != 617 {
		t.Errorf("FPS = %v", got)
	}
	if got := s.MRaysPerSecond(); got != 1.5 {
		t.Errorf("MRaysPerSecond = %v", got)
	}
	out := s.String()
	for _, want := range []string{"1,234 frames", "617.0 fps", "3,000,000 primary rays", "1.50 Mrays/s"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() = %q, missing %q", out, want)
		}
	}
	if de := s.Format(language.German); !strings.Contains(de, "1.234") {
		t.Errorf("German format = %q", de)
	}
	if (Stats{}).FPS() != 0 {
		t.Error("FPS of empty stats")
	}
}

func TestRendererRetriesFailedRecreation(t *testing.T) {
	ctx := context.Background()
	var (
		calls   int
		devices []*soft.Device
	)
	errNoAdapter := errors.New("no adapter")
	factory := func() (device.Device, error) {
		calls++
		if calls == 2 {
			return nil, errNoAdapter
		}
		d := soft.New(soft.Options{})
		devices = append(devices, d)
		return d, nil
	}
	r, err := New(ctx, Options{Config: testConfig(), NewDevice: factory})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)

	devices[0].Lose()
	err = r.Frame(ctx, frameTime)
	if !errors.Is(err, rt.ErrDeviceLost) || !errors.Is(err, errNoAdapter) {
		t.Fatalf("Frame with a failing factory = %v, want ErrDeviceLost wrapping the factory error", err)
	}
	if r.Device() != nil {
		t.Error("Device is not nil after failed recreation")
	}

	if _, err := r.Image(ctx); !errors.Is(err, ErrNoDevice) || !errors.Is(err, rt.ErrDeviceLost) {
		t.Errorf("Image without a device = %v", err)
	}
	if err := r.Rebuild(ctx, shader.Scene()); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Rebuild without a device = %v", err)
	}
	var buf bytes.Buffer
	if err := r.Describe(&buf); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Describe without a device = %v", err)
	}

	if err := r.Frame(ctx, frameTime); err != nil {
		t.Fatalf("Frame retrying recreation: %v", err)
	}
	if calls != 3 || r.Device() != devices[1] {
		t.Fatalf("factory called %d times, want 3", calls)
	}
	s := r.Stats()
	if s.Frames != 1 || s.Dropped != 1 || s.Recreations != 1 {
		t.Errorf("Stats = %+v", s)
	}
	if _, err := r.Image(ctx); err != nil {
		t.Errorf("Image after recovery: %v", err)
	}
}
