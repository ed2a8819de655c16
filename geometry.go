package rt

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/mokiat/gog/opt"

	"github.com/gogpu/rt/device"
)

// VertexBuffer locates the vertex positions of a geometry.
type VertexBuffer struct {
	Address device.Address
	Stride  uint64
	Count   uint32
	Format  gputypes.VertexFormat
}

// IndexBuffer locates the triangle indices of a geometry.
type IndexBuffer struct {
	Address device.Address
	Count   uint32
	Format  gputypes.IndexFormat
}

// GeometryDescriptor describes one piece of triangle geometry to build into
// a bottom-level structure. It is plain data and must not change once built.
type GeometryDescriptor struct {
	Vertices VertexBuffer

	// Indices is unspecified for non-indexed geometry.
	Indices opt.T[IndexBuffer]

	// Opaque disables any-hit shaders for this geometry.
	Opaque bool
}

// Triangles returns a non-indexed descriptor over count vertices of the
// given stride and format.
func Triangles(addr device.Address, stride uint64, count uint32, format gputypes.VertexFormat, opaque bool) GeometryDescriptor {
	return GeometryDescriptor{
		Vertices: VertexBuffer{Address: addr, Stride: stride, Count: count, Format: format},
		Indices:  opt.Unspecified[IndexBuffer](),
		Opaque:   opaque,
	}
}

// WithIndices returns a copy of g using the given index buffer.
func (g GeometryDescriptor) WithIndices(addr device.Address, count uint32, format gputypes.IndexFormat) GeometryDescriptor {
	g.Indices = opt.V(IndexBuffer{Address: addr, Count: count, Format: format})
	return g
}

// TriangleCount returns the number of triangles the descriptor encodes.
func (g GeometryDescriptor) TriangleCount() uint32 {
	if g.Indices.Specified {
		return g.Indices.Value.Count / 3
	}
	return g.Vertices.Count / 3
}

// String returns a compact description for logs.
func (g GeometryDescriptor) String() string {
	s := fmt.Sprintf("vertices=%d stride=%d format=%v", g.Vertices.Count, g.Vertices.Stride, g.Vertices.Format)
	if g.Indices.Specified {
		s += fmt.Sprintf(" indices=%d format=%v", g.Indices.Value.Count, g.Indices.Value.Format)
	}
	if g.Opaque {
		s += " opaque"
	}
	return s
}

// deviceTriangles converts the descriptor into its device form.
func (g GeometryDescriptor) deviceTriangles() device.Triangles {
	t := device.Triangles{
		VertexAddress: g.Vertices.Address,
		VertexStride:  g.Vertices.Stride,
		VertexCount:   g.Vertices.Count,
		VertexFormat:  g.Vertices.Format,
	}
	if g.Indices.Specified {
		t.IndexAddress = g.Indices.Value.Address
		t.IndexCount = g.Indices.Value.Count
		t.IndexFormat = g.Indices.Value.Format
	}
	if g.Opaque {
		t.Flags |= device.GeometryFlagOpaque
	}
	return t
}
