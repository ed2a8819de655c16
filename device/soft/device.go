package soft

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/internal/align"
	"github.com/gogpu/rt/internal/cache"
)

const (
	// addressBase is the first GPU virtual address handed out.
	addressBase = 0x1_0000_0000

	// placementAlignment is the alignment of every buffer address.
	placementAlignment = 64 * 1024

	// handleBase is the first descriptor handle handed out.
	handleBase = 0xD000_0000_0000

	// DescriptorIncrement is the distance between two descriptor handles.
	DescriptorIncrement = 32
)

// Options configure a soft device.
type Options struct {
	// RayTypes is the number of ray types the built-in trace uses as the
	// geometry multiplier of hit group indexing. Zero means 2.
	RayTypes uint32

	// Latency delays completion of each submission by this long.
	Latency time.Duration

	// MemoryBudget limits the total bytes of live buffers. Zero is unlimited.
	MemoryBudget uint64

	// DisableRaytracing reports a device without ray tracing support.
	DisableRaytracing bool
}

type buffer struct {
	id   device.BufferID
	desc device.BufferDesc
	addr device.Address
	data []byte
}

type texture struct {
	desc  device.TextureDesc
	data  []byte
	state device.ResourceState
}

type heap struct {
	base  device.Handle
	slots []device.Descriptor
	set   []bool
}

// Device is a CPU implementation of device.Device.
type Device struct {
	mu   sync.Mutex
	opts Options
	log  atomic.Pointer[slog.Logger]

	nextID   uint64
	nextAddr device.Address
	used     uint64

	buffers  map[device.BufferID]*buffer
	byAddr   []*buffer // sorted by addr
	textures map[device.TextureID]*texture
	heaps    map[device.DescriptorHeapID]*heap
	roots    map[device.RootSignatureID]*rootSignature
	objects  map[device.StateObjectID]*stateObject
	accels   map[device.Address]*accel

	prebuild *cache.Cache[string, device.PrebuildInfo]

	queue *Queue

	lost       atomic.Bool
	loseAfter  int
	dispatches []DispatchStats
}

// New creates a soft device.
func New(opts Options) *Device {
	if opts.RayTypes == 0 {
		opts.RayTypes = 2
	}
	d := &Device{
		opts:     opts,
		nextAddr: addressBase,
		buffers:  make(map[device.BufferID]*buffer),
		textures: make(map[device.TextureID]*texture),
		heaps:    make(map[device.DescriptorHeapID]*heap),
		roots:    make(map[device.RootSignatureID]*rootSignature),
		objects:  make(map[device.StateObjectID]*stateObject),
		accels:   make(map[device.Address]*accel),
		prebuild: cache.New[string, device.PrebuildInfo](256),
	}
	d.log.Store(slog.New(discardHandler{}))
	d.queue = &Queue{dev: d}
	return d
}

// SetLogger routes device diagnostics to l. Pass nil to silence them.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(discardHandler{})
	}
	d.log.Store(l)
}

func (d *Device) logger() *slog.Logger { return d.log.Load() }

// discardHandler drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// Lose marks the device as removed. Every later call fails with
// device.ErrDeviceRemoved.
func (d *Device) Lose() {
	if !d.lost.Swap(true) {
		d.logger().Warn("soft: device removed")
	}
}

// LoseAfter removes the device once n more submissions have executed.
func (d *Device) LoseAfter(n int) {
	d.mu.Lock()
	d.loseAfter = n
	d.mu.Unlock()
}

// Lost reports whether the device was removed.
func (d *Device) Lost() bool { return d.lost.Load() }

func (d *Device) checkLost() error {
	if d.lost.Load() {
		return device.ErrDeviceRemoved
	}
	return nil
}

func (d *Device) newID() uint64 {
	d.nextID++
	return d.nextID
}

// Capabilities implements device.Device.
func (d *Device) Capabilities() device.Capabilities {
	c := device.Capabilities{
		RaytracingTier:       10,
		ShaderIdentifierSize: device.ShaderIdentifierSize,
		RecordAlignment:      32,
		TableAlignment:       64,
		MaxRecursionDepth:    31,
		MaxRecordStride:      4096,
	}
	if d.opts.DisableRaytracing {
		c.RaytracingTier = 0
	}
	return c
}

// CreateBuffer implements device.Device.
func (d *Device) CreateBuffer(desc *device.BufferDesc) (device.BufferID, error) {
	if err := d.checkLost(); err != nil {
		return device.InvalidID, err
	}
	if desc.Size == 0 {
		return device.InvalidID, fmt.Errorf("soft: buffer %q: zero size", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.MemoryBudget != 0 && d.used+desc.Size > d.opts.MemoryBudget {
		return device.InvalidID, fmt.Errorf("soft: buffer %q (%d bytes, %d in use of %d): %w",
			desc.Label, desc.Size, d.used, d.opts.MemoryBudget, device.ErrOutOfMemory)
	}
	b := &buffer{
		id:   device.BufferID(d.newID()),
		desc: *desc,
		addr: d.nextAddr,
		data: make([]byte, desc.Size),
	}
	d.nextAddr += device.Address(align.Up(desc.Size, placementAlignment))
	d.used += desc.Size
	d.buffers[b.id] = b
	d.byAddr = append(d.byAddr, b)

	d.logger().Debug("soft: buffer created", "label", desc.Label, "size", desc.Size, "heap", desc.Heap, "addr", fmt.Sprintf("%#x", b.addr))
	return b.id, nil
}

// DestroyBuffer implements device.Device.
func (d *Device) DestroyBuffer(id device.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	delete(d.accels, b.addr)
	d.used -= b.desc.Size
	if i := slices.Index(d.byAddr, b); i >= 0 {
		d.byAddr = slices.Delete(d.byAddr, i, i+1)
	}
}

// BufferAddress implements device.Device.
func (d *Device) BufferAddress(id device.BufferID) device.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		return b.addr
	}
	return 0
}

// BufferSize implements device.Device.
func (d *Device) BufferSize(id device.BufferID) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		return b.desc.Size
	}
	return 0
}

// WriteBuffer implements device.Device.
func (d *Device) WriteBuffer(id device.BufferID, offset uint64, data []byte) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("soft: write buffer %d: %w", id, device.ErrInvalidResource)
	}
	if b.desc.Heap != device.HeapUpload {
		return fmt.Errorf("soft: write buffer %q in %s heap: %w", b.desc.Label, b.desc.Heap, device.ErrNotMappable)
	}
	if offset+uint64(len(data)) > b.desc.Size {
		return fmt.Errorf("soft: write buffer %q: [%d, %d) exceeds size %d", b.desc.Label, offset, offset+uint64(len(data)), b.desc.Size)
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer implements device.Device.
func (d *Device) ReadBuffer(id device.BufferID, offset, size uint64) ([]byte, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("soft: read buffer %d: %w", id, device.ErrInvalidResource)
	}
	if b.desc.Heap == device.HeapDefault {
		return nil, fmt.Errorf("soft: read buffer %q in %s heap: %w", b.desc.Label, b.desc.Heap, device.ErrNotMappable)
	}
	if offset+size > b.desc.Size {
		return nil, fmt.Errorf("soft: read buffer %q: [%d, %d) exceeds size %d", b.desc.Label, offset, offset+size, b.desc.Size)
	}
	return slices.Clone(b.data[offset : offset+size]), nil
}

// resolve finds the buffer containing addr and the offset within it.
// Caller must hold d.mu.
func (d *Device) resolve(addr device.Address) (*buffer, uint64, bool) {
	i := sort.Search(len(d.byAddr), func(i int) bool { return d.byAddr[i].addr > addr }) - 1
	if i < 0 {
		return nil, 0, false
	}
	b := d.byAddr[i]
	off := uint64(addr - b.addr)
	if off >= b.desc.Size {
		return nil, 0, false
	}
	return b, off, true
}

// bytesAt returns n bytes starting at addr. Caller must hold d.mu.
func (d *Device) bytesAt(addr device.Address, n uint64) ([]byte, error) {
	b, off, ok := d.resolve(addr)
	if !ok {
		return nil, fmt.Errorf("address %#x is not inside any buffer", uint64(addr))
	}
	if off+n > b.desc.Size {
		return nil, fmt.Errorf("range [%#x, +%d) overruns buffer %q of %d bytes", uint64(addr), n, b.desc.Label, b.desc.Size)
	}
	return b.data[off : off+n], nil
}

// CreateTexture implements device.Device.
func (d *Device) CreateTexture(desc *device.TextureDesc) (device.TextureID, error) {
	if err := d.checkLost(); err != nil {
		return device.InvalidID, err
	}
	if desc.Width == 0 || desc.Height == 0 {
		return device.InvalidID, fmt.Errorf("soft: texture %q: zero extent %dx%d", desc.Label, desc.Width, desc.Height)
	}
	if desc.Format != gputypes.TextureFormatRGBA8Unorm {
		return device.InvalidID, fmt.Errorf("soft: texture %q: unsupported format %v", desc.Label, desc.Format)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := device.TextureID(d.newID())
	d.textures[id] = &texture{
		desc:  *desc,
		data:  make([]byte, int(desc.Width)*int(desc.Height)*4),
		state: desc.InitialState,
	}
	return id, nil
}

// DestroyTexture implements device.Device.
func (d *Device) DestroyTexture(id device.TextureID) {
	d.mu.Lock()
	delete(d.textures, id)
	d.mu.Unlock()
}

// CreateDescriptorHeap implements device.Device.
func (d *Device) CreateDescriptorHeap(count uint32) (device.DescriptorHeapID, error) {
	if err := d.checkLost(); err != nil {
		return device.InvalidID, err
	}
	if count == 0 {
		return device.InvalidID, fmt.Errorf("soft: descriptor heap with zero slots")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := device.DescriptorHeapID(d.newID())
	d.heaps[id] = &heap{
		base:  device.Handle(handleBase + uint64(id)<<24),
		slots: make([]device.Descriptor, count),
		set:   make([]bool, count),
	}
	return id, nil
}

// DestroyDescriptorHeap implements device.Device.
func (d *Device) DestroyDescriptorHeap(id device.DescriptorHeapID) {
	d.mu.Lock()
	delete(d.heaps, id)
	d.mu.Unlock()
}

// DescriptorHandle implements device.Device.
func (d *Device) DescriptorHandle(id device.DescriptorHeapID, index uint32) device.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.heaps[id]
	if !ok || int(index) >= len(h.slots) {
		return 0
	}
	return h.base + device.Handle(index)*DescriptorIncrement
}

// WriteDescriptor implements device.Device.
func (d *Device) WriteDescriptor(id device.DescriptorHeapID, index uint32, desc device.Descriptor) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.heaps[id]
	if !ok {
		return fmt.Errorf("soft: descriptor heap %d: %w", id, device.ErrInvalidResource)
	}
	if int(index) >= len(h.slots) {
		return fmt.Errorf("soft: descriptor slot %d outside heap of %d", index, len(h.slots))
	}
	if desc.Kind == device.DescriptorTextureUAV {
		if _, ok := d.textures[desc.Texture]; !ok {
			return fmt.Errorf("soft: UAV descriptor for texture %d: %w", desc.Texture, device.ErrInvalidResource)
		}
	}
	h.slots[index] = desc
	h.set[index] = true
	return nil
}

// ReadTexture returns a copy of a texture's RGBA8 texels. It is a test and
// debugging aid; applications read output through CopyTextureToBuffer.
func (d *Device) ReadTexture(id device.TextureID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[id]
	if !ok {
		return nil, fmt.Errorf("soft: texture %d: %w", id, device.ErrInvalidResource)
	}
	return slices.Clone(t.data), nil
}

// LiveBuffers returns the number of live buffers.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// Dispatches returns statistics of every executed dispatch.
func (d *Device) Dispatches() []DispatchStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.dispatches)
}

// Queue implements device.Device.
func (d *Device) Queue() device.Queue { return d.queue }

// Destroy implements device.Device.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.buffers)
	d.byAddr = nil
	clear(d.textures)
	clear(d.heaps)
	clear(d.roots)
	clear(d.objects)
	clear(d.accels)
	d.prebuild.Clear()
	d.used = 0
}
