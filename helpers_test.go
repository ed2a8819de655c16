package rt

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/device/soft"
)

func newSoftDevice(t *testing.T, opts soft.Options) *soft.Device {
	t.Helper()
	d := soft.New(opts)
	t.Cleanup(d.Destroy)
	return d
}

// uploadFloats writes vs into a new upload-heap buffer and returns its address.
func uploadFloats(t *testing.T, dev device.Device, label string, vs ...float32) device.Address {
	t.Helper()
	data := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	id, err := dev.CreateBuffer(&device.BufferDesc{
		Label:        label,
		Size:         uint64(len(data)),
		Heap:         device.HeapUpload,
		InitialState: device.StateGenericRead,
	})
	if err != nil {
		t.Fatalf("CreateBuffer(%s): %v", label, err)
	}
	if err := dev.WriteBuffer(id, 0, data); err != nil {
		t.Fatalf("WriteBuffer(%s): %v", label, err)
	}
	return dev.BufferAddress(id)
}

// triangle uploads the unit triangle used across tests.
func triangle(t *testing.T, dev device.Device) GeometryDescriptor {
	t.Helper()
	addr := uploadFloats(t, dev, "triangle",
		0, 1, 0,
		0.866, -0.5, 0,
		-0.866, -0.5, 0)
	return Triangles(addr, 12, 3, gputypes.VertexFormatFloat32x3, true)
}

// plane uploads an indexed quad at y = -1.
func plane(t *testing.T, dev device.Device) GeometryDescriptor {
	t.Helper()
	addr := uploadFloats(t, dev, "plane",
		-10, -1, -10,
		10, -1, -10,
		10, -1, 10,
		-10, -1, 10)
	idx, err := dev.CreateBuffer(&device.BufferDesc{Label: "plane-indices", Size: 12, Heap: device.HeapUpload})
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteBuffer(idx, 0, []byte{0, 0, 1, 0, 2, 0, 0, 0, 2, 0, 3, 0}); err != nil {
		t.Fatal(err)
	}
	return Triangles(addr, 12, 4, gputypes.VertexFormatFloat32x3, true).
		WithIndices(dev.BufferAddress(idx), 6, gputypes.IndexFormatUint16)
}

func commandList(t *testing.T, dev device.Device, label string) device.CommandList {
	t.Helper()
	cl, err := dev.CreateCommandList(label)
	if err != nil {
		t.Fatalf("CreateCommandList: %v", err)
	}
	return cl
}

func submitAndWait(t *testing.T, dev device.Device, cl device.CommandList) {
	t.Helper()
	if _, err := SubmitAndWait(context.Background(), dev.Queue(), cl); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
}
