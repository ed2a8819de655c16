package fence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rt"
)

var _ rt.FrameSynchronizer = (*Timeline)(nil)

// createNoopDevice creates a noop device and queue for testing.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return openDev.Device, openDev.Queue
}

func newTimeline(t *testing.T) *Timeline {
	t.Helper()
	dev, queue := createNoopDevice(t)
	tl, err := New(dev, queue)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(tl.Destroy)
	return tl
}

func TestTimelineOrdinalsIncrease(t *testing.T) {
	tl := newTimeline(t)

	if got := tl.CompletedOrdinal(); got != 0 {
		t.Errorf("CompletedOrdinal before submit = %d, want 0", got)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ord, err := tl.Signal()
		if err != nil {
			t.Fatalf("Signal %d: %v", i, err)
		}
		if ord != last+1 {
			t.Errorf("ordinal %d = %d, want %d", i, ord, last+1)
		}
		last = ord
	}
	if got := tl.SubmittedOrdinal(); got != last {
		t.Errorf("SubmittedOrdinal = %d, want %d", got, last)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tl.WaitUntilCompleted(ctx, last); err != nil {
		t.Fatalf("WaitUntilCompleted: %v", err)
	}
	if got := tl.CompletedOrdinal(); got != last {
		t.Errorf("CompletedOrdinal = %d, want %d", got, last)
	}
	if err := rt.Wait(ctx, tl, last); err != nil {
		t.Errorf("rt.Wait: %v", err)
	}
}

func TestTimelineWaitErrors(t *testing.T) {
	tl := newTimeline(t)
	ctx := context.Background()

	if err := tl.WaitUntilCompleted(ctx, 1); !errors.Is(err, ErrNotSubmitted) {
		t.Errorf("wait on unsubmitted ordinal = %v, want ErrNotSubmitted", err)
	}

	ord, err := tl.Signal()
	if err != nil {
		t.Fatal(err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	// A completed ordinal does not consult the context.
	if err := tl.WaitUntilCompleted(ctx, ord); err != nil {
		t.Fatal(err)
	}
	if err := tl.WaitUntilCompleted(cancelled, ord); err != nil {
		t.Errorf("completed ordinal with cancelled ctx = %v", err)
	}

	tl.Destroy()
	tl.Destroy()
	if _, err := tl.Signal(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Signal after Destroy = %v", err)
	}
	if err := tl.WaitUntilCompleted(ctx, ord); !errors.Is(err, ErrDestroyed) {
		t.Errorf("wait after Destroy = %v", err)
	}
}

func TestTimelinePollInterval(t *testing.T) {
	tl := newTimeline(t)
	tl.SetPollInterval(-1)
	if tl.poll != DefaultPollInterval {
		t.Errorf("poll = %v, want default", tl.poll)
	}
	tl.SetPollInterval(time.Millisecond)
	if tl.poll != time.Millisecond {
		t.Errorf("poll = %v", tl.poll)
	}
}

// halProvider implements gpucontext.DeviceProvider and exposes HAL objects.
type halProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p *halProvider) Device() gpucontext.Device             { return nil }
func (p *halProvider) Queue() gpucontext.Queue               { return nil }
func (p *halProvider) Adapter() gpucontext.Adapter           { return nil }
func (p *halProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatRGBA8Unorm }
func (p *halProvider) HalDevice() any                        { return p.device }
func (p *halProvider) HalQueue() any                         { return p.queue }

// plainProvider implements gpucontext.DeviceProvider only.
type plainProvider struct{}

func (plainProvider) Device() gpucontext.Device             { return nil }
func (plainProvider) Queue() gpucontext.Queue               { return nil }
func (plainProvider) Adapter() gpucontext.Adapter           { return nil }
func (plainProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatRGBA8Unorm }

func TestFromProvider(t *testing.T) {
	dev, queue := createNoopDevice(t)

	tl, err := FromProvider(&halProvider{device: dev, queue: queue})
	if err != nil {
		t.Fatalf("FromProvider: %v", err)
	}
	defer tl.Destroy()
	if _, err := tl.Signal(); err != nil {
		t.Errorf("Signal: %v", err)
	}

	if _, err := FromProvider(plainProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("provider without HAL = %v, want ErrNoHAL", err)
	}
	if _, err := FromHAL("device", queue); !errors.Is(err, ErrNoHAL) {
		t.Errorf("FromHAL(string) = %v, want ErrNoHAL", err)
	}
	if _, err := FromHAL(dev, nil); !errors.Is(err, ErrNoHAL) {
		t.Errorf("FromHAL(nil queue) = %v, want ErrNoHAL", err)
	}
}
