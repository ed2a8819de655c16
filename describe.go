package rt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/gogpu/rt/device"
)

// Describe writes a human-readable listing of the graph's subobjects in
// emission order, one block per subobject.
func (g *PipelineDescriptorGraph) Describe(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline %q: %d subobjects\n", g.label, len(g.arena))
	for i, s := range g.arena {
		fmt.Fprintf(&b, "[%d] %s", i, s.kind)
		switch s.kind {
		case device.SubobjectLibrary:
			fmt.Fprintf(&b, ": %d bytes, %d exports\n", len(s.bytecode), len(s.exports))
			for _, e := range s.exports {
				fmt.Fprintf(&b, "      %s\n", e)
			}
		case device.SubobjectHitGroup:
			fmt.Fprintf(&b, ": %s\n", s.name)
			if s.anyHit.Specified {
				fmt.Fprintf(&b, "      any hit: %s\n", s.anyHit.Value)
			}
			if s.closestHit.Specified {
				fmt.Fprintf(&b, "      closest hit: %s\n", s.closestHit.Value)
			}
			if s.intersection.Specified {
				fmt.Fprintf(&b, "      intersection: %s\n", s.intersection.Value)
			}
		case device.SubobjectLocalRootSignature, device.SubobjectGlobalRootSignature:
			if len(s.bindings) == 0 {
				b.WriteString(": empty\n")
				break
			}
			parts := make([]string, len(s.bindings))
			for j, p := range s.bindings {
				parts[j] = p.String()
			}
			fmt.Fprintf(&b, ": %s\n", strings.Join(parts, ", "))
		case device.SubobjectShaderConfig:
			fmt.Fprintf(&b, ": payload %d bytes, attributes %d bytes\n", s.maxPayload, s.maxAttributes)
		case device.SubobjectPipelineConfig:
			fmt.Fprintf(&b, ": max recursion depth %d\n", s.maxRecursion)
		case device.SubobjectExportAssociation:
			fmt.Fprintf(&b, ": [%d] -> %s\n", s.target, strings.Join(s.names, ", "))
		default:
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Describe writes the table layout and, when table is non-nil, a dump of
// every record: its identifier bytes and argument bytes.
func (t TableLayout) Describe(w io.Writer, table []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "shader table: %d bytes\n", t.Size)
	for _, c := range []RecordCategory{RecordRayGen, RecordMiss, RecordHitGroup} {
		r := t.Region(c)
		fmt.Fprintf(&b, "%-8s offset=%-5d stride=%-4d size=%-5d records=%d\n", c, r.Offset, r.Stride, r.Size, r.Count)
		if table == nil {
			continue
		}
		for i := 0; i < r.Count; i++ {
			off := r.RecordOffset(i)
			end := off + r.Stride
			if end > uint64(len(table)) {
				return &ValidationError{
					Category: CategoryShaderRecord,
					Reason:   fmt.Sprintf("table dump: record %s[%d] ends at %d, table holds %d", c, i, end, len(table)),
				}
			}
			rec := table[off:end]
			id := rec[:t.IdentifierSize]
			fmt.Fprintf(&b, "  [%d] @%d id=%s", i, off, hex.EncodeToString(id[:min(8, len(id))]))
			if args := bytes.TrimRight(rec[t.IdentifierSize:], "\x00"); len(args) > 0 {
				fmt.Fprintf(&b, " args=%s", hex.EncodeToString(args))
			}
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
