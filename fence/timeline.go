package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rt/device"
)

// DefaultPollInterval is the slice a blocking wait spends inside
// hal.Device.Wait before checking its context again.
const DefaultPollInterval = 2 * time.Millisecond

var (
	// ErrNotSubmitted is returned when waiting on an ordinal that was never
	// handed out by Submit or Signal.
	ErrNotSubmitted = errors.New("fence: ordinal not submitted")

	// ErrDestroyed is returned by a Timeline after Destroy.
	ErrDestroyed = errors.New("fence: timeline destroyed")

	// ErrNoHAL is returned when a provider does not expose HAL objects.
	ErrNoHAL = errors.New("fence: provider does not expose HAL device and queue")
)

// Timeline hands out monotonically increasing ordinals for queue
// submissions and reports their completion.
//
// Timeline is safe for concurrent use.
type Timeline struct {
	device hal.Device
	queue  hal.Queue
	fence  hal.Fence
	poll   time.Duration

	mu        sync.Mutex
	submitted uint64
	destroyed bool

	completed atomic.Uint64
}

// New creates a Timeline with its own fence on dev.
func New(dev hal.Device, queue hal.Queue) (*Timeline, error) {
	if dev == nil || queue == nil {
		return nil, ErrNoHAL
	}
	f, err := dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("fence: create: %w", err)
	}
	return &Timeline{device: dev, queue: queue, fence: f, poll: DefaultPollInterval}, nil
}

// FromHAL creates a Timeline from untyped HAL objects, as handed out by
// providers that do not want to import the hal package.
func FromHAL(dev, queue any) (*Timeline, error) {
	d, ok := dev.(hal.Device)
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: device is %T", ErrNoHAL, dev)
	}
	q, ok := queue.(hal.Queue)
	if !ok || q == nil {
		return nil, fmt.Errorf("%w: queue is %T", ErrNoHAL, queue)
	}
	return New(d, q)
}

// FromProvider creates a Timeline on the device shared by provider. The
// provider must also implement HalDevice() any and HalQueue() any.
func FromProvider(provider gpucontext.DeviceProvider) (*Timeline, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	return FromHAL(hp.HalDevice(), hp.HalQueue())
}

// SetPollInterval changes the wait slice. Non-positive values restore
// DefaultPollInterval.
func (t *Timeline) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	t.mu.Lock()
	t.poll = d
	t.mu.Unlock()
}

// Submit submits buffers and signals the fence with the next ordinal,
// which is returned.
func (t *Timeline) Submit(buffers ...hal.CommandBuffer) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return 0, ErrDestroyed
	}
	next := t.submitted + 1
	if err := t.queue.Submit(buffers, t.fence, next); err != nil {
		return 0, fmt.Errorf("fence: submit ordinal %d: %w", next, err)
	}
	t.submitted = next
	return next, nil
}

// Signal submits no work and returns an ordinal that completes once all
// earlier submissions have.
func (t *Timeline) Signal() (uint64, error) {
	return t.Submit()
}

// SubmittedOrdinal returns the last ordinal handed out.
func (t *Timeline) SubmittedOrdinal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitted
}

// CompletedOrdinal returns the highest ordinal the GPU has finished. It
// never blocks.
func (t *Timeline) CompletedOrdinal() uint64 {
	t.mu.Lock()
	submitted, destroyed := t.submitted, t.destroyed
	t.mu.Unlock()

	done := t.completed.Load()
	if destroyed || done >= submitted {
		return done
	}
	if ok, err := t.device.Wait(t.fence, submitted, 0); err == nil && ok {
		t.advance(submitted)
		return submitted
	}
	for v := done + 1; v < submitted; v++ {
		ok, err := t.device.Wait(t.fence, v, 0)
		if err != nil || !ok {
			break
		}
		t.advance(v)
	}
	return t.completed.Load()
}

// WaitUntilCompleted blocks until ordinal completes or ctx is done.
// HAL wait failures wrap device.ErrDeviceRemoved.
func (t *Timeline) WaitUntilCompleted(ctx context.Context, ordinal uint64) error {
	t.mu.Lock()
	submitted, destroyed, poll := t.submitted, t.destroyed, t.poll
	t.mu.Unlock()

	switch {
	case destroyed:
		return ErrDestroyed
	case ordinal > submitted:
		return fmt.Errorf("%w: %d > %d", ErrNotSubmitted, ordinal, submitted)
	case t.completed.Load() >= ordinal:
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := t.device.Wait(t.fence, ordinal, poll)
		if err != nil {
			return fmt.Errorf("fence: wait ordinal %d: %w: %w", ordinal, device.ErrDeviceRemoved, err)
		}
		if ok {
			t.advance(ordinal)
			return nil
		}
	}
}

// advance raises the completed ordinal to v if it is lower.
func (t *Timeline) advance(v uint64) {
	for {
		cur := t.completed.Load()
		if cur >= v || t.completed.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Destroy releases the fence. The Timeline must not be used afterwards.
func (t *Timeline) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.device.DestroyFence(t.fence)
}
