package rt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/device/soft"
)

// testIdentifier returns a distinct, recognizable identifier.
func testIdentifier(seed int) ShaderIdentifier {
	var id ShaderIdentifier
	for i := range id {
		id[i] = byte(seed*31 + i + 1)
	}
	return id
}

// testRecords returns n records whose argument sizes vary from 0 to 16 bytes.
func testRecords(seed, n int) []ShaderRecord {
	records := make([]ShaderRecord, n)
	for i := range records {
		w := new(ArgWriter)
		switch i % 3 {
		case 1:
			w.Address(device.Address(0x1000 * (i + 1)))
		case 2:
			w.Uint32(uint32(i)).Address(device.Address(0x2000 * (i + 1)))
		}
		records[i] = w.Record(testIdentifier(seed + i))
	}
	return records
}

func TestMaterializeRoundTrip(t *testing.T) {
	l := DefaultShaderTableLayout()
	for _, cat := range []RecordCategory{RecordRayGen, RecordMiss, RecordHitGroup} {
		for _, n := range []int{1, 2, 11} {
			t.Run(fmt.Sprintf("%s/%d", cat, n), func(t *testing.T) {
				records := testRecords(int(cat)*100, n)
				stride, err := l.ComputeStride(cat, records)
				if err != nil {
					t.Fatal(err)
				}
				if stride%l.RecordAlignment != 0 {
					t.Errorf("stride %d not a multiple of %d", stride, l.RecordAlignment)
				}
				const base = 128
				buf := make([]byte, base+int(stride)*n)
				if err := l.Materialize(cat, records, buf, base); err != nil {
					t.Fatalf("Materialize: %v", err)
				}
				for i, r := range records {
					off := base + i*int(stride)
					var got ShaderIdentifier
					copy(got[:], buf[off:off+device.ShaderIdentifierSize])
					if got != r.Identifier {
						t.Errorf("record %d identifier mismatch:\n%s", i, cmp.Diff(r.Identifier, got))
					}
					args := buf[off+device.ShaderIdentifierSize : off+device.ShaderIdentifierSize+len(r.Args)]
					if !bytes.Equal(args, r.Args) {
						t.Errorf("record %d args = %x, want %x", i, args, r.Args)
					}
				}
				if !bytes.Equal(buf[:base], make([]byte, base)) {
					t.Error("Materialize wrote before byteOffset")
				}
			})
		}
	}
}

func TestComputeStride(t *testing.T) {
	l := DefaultShaderTableLayout()
	tests := []struct {
		name    string
		args    []int
		want    uint32
		wantErr bool
	}{
		{"identifier only", []int{0}, 32, false},
		{"one pointer", []int{8}, 64, false},
		{"mixed sizes pad to largest", []int{0, 8, 40}, 96, false},
		{"exactly aligned", []int{32}, 64, false},
		{"beyond device maximum", []int{4096}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := make([]ShaderRecord, len(tt.args))
			for i, n := range tt.args {
				records[i].Args = make([]byte, n)
			}
			got, err := l.ComputeStride(RecordHitGroup, records)
			if tt.wantErr {
				if !errors.Is(err, ErrValidationFailure) {
					t.Errorf("err = %v, want ErrValidationFailure", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ComputeStride = %d, %v; want %d", got, err, tt.want)
			}
		})
	}
}

func TestMaterializeChecks(t *testing.T) {
	l := DefaultShaderTableLayout()
	records := testRecords(0, 2)
	if err := l.Materialize(RecordMiss, records, make([]byte, 64), 32); !errors.Is(err, ErrValidationFailure) {
		t.Errorf("short buffer: err = %v", err)
	}

	bad := []ShaderRecord{{Identifier: testIdentifier(1), Args: make([]byte, 4), Pointers: []uint32{0}}}
	if err := l.Materialize(RecordHitGroup, bad, make([]byte, 64), 0); !errors.Is(err, ErrValidationFailure) {
		t.Errorf("pointer overrun: err = %v", err)
	}
}

func TestArgWriterAlignment(t *testing.T) {
	r := new(ArgWriter).
		Uint32(7).
		Address(0x1122334455667788).
		Float32(1).
		Handle(0xABCD).
		Record(testIdentifier(0))

	if diff := cmp.Diff([]uint32{8, 24}, r.Pointers); diff != "" {
		t.Errorf("pointer offsets (-want +got):\n%s", diff)
	}
	if len(r.Args) != 32 {
		t.Fatalf("len(Args) = %d, want 32", len(r.Args))
	}
	if got := binary.LittleEndian.Uint64(r.Args[8:]); got != 0x1122334455667788 {
		t.Errorf("address = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(r.Args[24:]); got != 0xABCD {
		t.Errorf("handle = %#x", got)
	}
}

func TestPlan(t *testing.T) {
	l := DefaultShaderTableLayout()
	raygen := testRecords(0, 2)[1:] // one record with a pointer
	miss := testRecords(10, 2)
	hit := testRecords(20, 11)

	layout, err := l.Plan(raygen, miss, hit)
	if err != nil {
		t.Fatal(err)
	}
	for _, cat := range []RecordCategory{RecordRayGen, RecordMiss, RecordHitGroup} {
		r := layout.Region(cat)
		if r.Offset%uint64(l.TableAlignment) != 0 {
			t.Errorf("%s offset %d not %d-aligned", cat, r.Offset, l.TableAlignment)
		}
		if r.Size != r.Stride*uint64(r.Count) {
			t.Errorf("%s size %d != stride %d x %d", cat, r.Size, r.Stride, r.Count)
		}
	}
	if layout.Miss.Offset < layout.RayGen.Offset+layout.RayGen.Size ||
		layout.HitGroup.Offset < layout.Miss.Offset+layout.Miss.Size {
		t.Errorf("regions overlap: %+v", layout)
	}
	if layout.Size != layout.HitGroup.Offset+layout.HitGroup.Size {
		t.Errorf("Size = %d", layout.Size)
	}

	if _, err := l.Plan(nil, miss, hit); !errors.Is(err, ErrValidationFailure) {
		t.Errorf("no raygen: err = %v", err)
	}
	if _, err := l.Plan(testRecords(0, 2), miss, hit); !errors.Is(err, ErrValidationFailure) {
		t.Errorf("two raygen: err = %v", err)
	}
}

func TestHitGroupRecordIndex(t *testing.T) {
	tests := []struct {
		offset, geometry, rayType, rayTypes uint32
		want                                uint32
	}{
		{0, 0, 0, 2, 0},
		{0, 0, 1, 2, 1},
		{0, 1, 0, 2, 2},
		{0, 1, 1, 2, 3},
		{4, 0, 0, 2, 4},
		{6, 0, 1, 2, 7},
		{6, 0, 2, 3, 8},
	}
	for _, tt := range tests {
		if got := HitGroupRecordIndex(tt.offset, tt.geometry, tt.rayType, tt.rayTypes); got != tt.want {
			t.Errorf("HitGroupRecordIndex(%d, %d, %d, %d) = %d, want %d",
				tt.offset, tt.geometry, tt.rayType, tt.rayTypes, got, tt.want)
		}
	}
}

func TestUploadShaderTable(t *testing.T) {
	dev := newSoftDevice(t, soft.Options{})
	l := ShaderTableLayoutFor(dev.Capabilities())
	layout, data, err := l.Build(testRecords(0, 1), testRecords(1, 2), testRecords(3, 8))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UploadShaderTable(dev, layout, data[:len(data)-1]); !errors.Is(err, ErrValidationFailure) {
		t.Errorf("short data: err = %v", err)
	}
	table, err := UploadShaderTable(dev, layout, data)
	if err != nil {
		t.Fatal(err)
	}
	back, err := dev.ReadBuffer(table.Buffer(), 0, layout.Size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, data) {
		t.Error("uploaded table differs from built table")
	}

	d := table.DispatchDesc(8, 4)
	base := dev.BufferAddress(table.Buffer())
	if d.HitGroup.Address != base+device.Address(layout.HitGroup.Offset) ||
		d.HitGroup.Stride != layout.HitGroup.Stride || d.HitGroup.Size != layout.HitGroup.Size {
		t.Errorf("hit group region %+v does not match layout %+v", d.HitGroup, layout.HitGroup)
	}
	if d.Width != 8 || d.Height != 4 || d.Depth != 1 {
		t.Errorf("grid %dx%dx%d", d.Width, d.Height, d.Depth)
	}

	var sb strings.Builder
	if err := layout.Describe(&sb, data); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"RayGen", "Miss", "HitGroup", "records=8"} {
		if !strings.Contains(sb.String(), want) {
			t.Errorf("Describe output lacks %q:\n%s", want, sb.String())
		}
	}

	table.Destroy()
	table.Destroy()
}

func TestLayoutConstantsValidated(t *testing.T) {
	withLayout := func(edit func(*ShaderTableLayout)) ShaderTableLayout {
		l := DefaultShaderTableLayout()
		edit(&l)
		return l
	}
	tests := []struct {
		name   string
		layout ShaderTableLayout
	}{
		{"device identifier larger than ShaderIdentifier",
			ShaderTableLayoutFor(device.Capabilities{ShaderIdentifierSize: 2 * device.ShaderIdentifierSize})},
		{"zero identifier size", withLayout(func(l *ShaderTableLayout) { l.IdentifierSize = 0 })},
		{"record alignment not a power of two", withLayout(func(l *ShaderTableLayout) { l.RecordAlignment = 24 })},
		{"zero table alignment", withLayout(func(l *ShaderTableLayout) { l.TableAlignment = 0 })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raygen := []ShaderRecord{Record(testIdentifier(1))}
			if _, _, err := tt.layout.Build(raygen, nil, nil); !errors.Is(err, ErrValidationFailure) {
				t.Errorf("Build: err = %v, want ErrValidationFailure", err)
			}
			if _, err := tt.layout.ComputeStride(RecordRayGen, raygen); !errors.Is(err, ErrValidationFailure) {
				t.Errorf("ComputeStride: err = %v, want ErrValidationFailure", err)
			}
			if err := tt.layout.Materialize(RecordRayGen, raygen, make([]byte, 256), 0); !errors.Is(err, ErrValidationFailure) {
				t.Errorf("Materialize: err = %v, want ErrValidationFailure", err)
			}
		})
	}
}

func TestShortIdentifierLayout(t *testing.T) {
	l := DefaultShaderTableLayout()
	l.IdentifierSize = 4
	raygen := []ShaderRecord{new(ArgWriter).Uint32(0xAABBCCDD).Record(testIdentifier(1))}
	layout, data, err := l.Build(raygen, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if layout.RayGen.Stride != 32 {
		t.Errorf("stride = %d, want 32", layout.RayGen.Stride)
	}
	if diff := cmp.Diff([]byte{0x20, 0x21, 0x22, 0x23, 0xDD, 0xCC, 0xBB, 0xAA}, data[:8]); diff != "" {
		t.Errorf("record bytes (-want +got):\n%s", diff)
	}

	var sb strings.Builder
	if err := layout.Describe(&sb, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "id=20212223 args=ddccbbaa") {
		t.Errorf("Describe output:\n%s", sb.String())
	}
}
