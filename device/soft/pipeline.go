package soft

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/rt/device"
)

// Limits checked while compiling state objects.
const (
	maxAttributeSize  = 32
	maxPayloadSize    = 4096
	maxRecursionDepth = 31
	maxLocalRootSize  = 4096
)

type rootSignature struct {
	desc device.RootSignatureDesc
}

type stateObject struct {
	label       string
	identifiers map[string][]byte
	byIdent     map[string]string // identifier bytes to export name
	hitGroups   map[string]bool
	global      device.RootSignatureID
	maxDepth    uint32
}

type registerKey struct {
	class    string
	space    uint32
	register uint32
}

// CreateRootSignature implements device.Device.
func (d *Device) CreateRootSignature(desc *device.RootSignatureDesc) (device.RootSignatureID, error) {
	if err := d.checkLost(); err != nil {
		return device.InvalidID, err
	}
	if err := serializeRootSignature(desc); err != nil {
		return device.InvalidID, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := device.RootSignatureID(d.newID())
	d.roots[id] = &rootSignature{desc: cloneRootSignature(desc)}
	return id, nil
}

func cloneRootSignature(desc *device.RootSignatureDesc) device.RootSignatureDesc {
	c := *desc
	c.Parameters = slices.Clone(desc.Parameters)
	for i := range c.Parameters {
		c.Parameters[i].Ranges = slices.Clone(c.Parameters[i].Ranges)
	}
	return c
}

// serializeRootSignature checks a root signature the way a serializer would
// and reports problems as *device.SerializeError.
func serializeRootSignature(desc *device.RootSignatureDesc) error {
	fail := func(format string, args ...any) error {
		return &device.SerializeError{Op: "root signature", Text: fmt.Sprintf(format, args...)}
	}

	owner := make(map[registerKey]int)
	claim := func(param int, k registerKey) error {
		if prev, ok := owner[k]; ok {
			return fail("Shader register range of type %s (root parameter [%d], register %d, space %d) overlaps with another shader register range (root parameter[%d]).",
				strings.ToUpper(k.class), param, k.register, k.space, prev)
		}
		owner[k] = param
		return nil
	}

	var size uint32
	for i, p := range desc.Parameters {
		size += p.ArgumentSize()
		switch p.Kind {
		case device.ParameterDescriptorTable:
			if len(p.Ranges) == 0 {
				return fail("Root parameter [%d] is a descriptor table with no ranges.", i)
			}
			for ri, r := range p.Ranges {
				if r.Count == 0 {
					return fail("Descriptor range [%d] of root parameter [%d] has zero descriptors.", ri, i)
				}
				for n := range r.Count {
					if err := claim(i, registerKey{r.Kind.RegisterClass(), r.Space, r.BaseRegister + n}); err != nil {
						return err
					}
				}
			}
		case device.ParameterConstants:
			if p.Num32BitValues == 0 {
				return fail("Root constants at root parameter [%d] declare zero 32-bit values.", i)
			}
			if err := claim(i, registerKey{"b", p.Space, p.Register}); err != nil {
				return err
			}
		case device.ParameterCBV:
			if err := claim(i, registerKey{"b", p.Space, p.Register}); err != nil {
				return err
			}
		case device.ParameterSRV:
			if err := claim(i, registerKey{"t", p.Space, p.Register}); err != nil {
				return err
			}
		case device.ParameterUAV:
			if err := claim(i, registerKey{"u", p.Space, p.Register}); err != nil {
				return err
			}
		default:
			return fail("Root parameter [%d] has unknown type %d.", i, p.Kind)
		}
	}
	if desc.Local && size > maxLocalRootSize {
		return fail("Local root signature arguments need %d bytes, maximum is %d.", size, maxLocalRootSize)
	}
	return nil
}

// DestroyRootSignature implements device.Device.
func (d *Device) DestroyRootSignature(id device.RootSignatureID) {
	d.mu.Lock()
	delete(d.roots, id)
	d.mu.Unlock()
}

// CreateStateObject implements device.Device.
func (d *Device) CreateStateObject(desc *device.StateObjectDesc) (device.StateObjectID, error) {
	if err := d.checkLost(); err != nil {
		return device.InvalidID, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	so, err := d.compileStateObject(desc)
	if err != nil {
		return device.InvalidID, err
	}
	id := device.StateObjectID(d.newID())
	d.objects[id] = so
	d.logger().Debug("soft: state object compiled", "label", desc.Label,
		"subobjects", len(desc.Subobjects), "identifiers", len(so.identifiers))
	return id, nil
}

// compileStateObject validates desc and derives identifiers. Caller must hold
// d.mu.
func (d *Device) compileStateObject(desc *device.StateObjectDesc) (*stateObject, error) {
	fail := func(format string, args ...any) error {
		return &device.SerializeError{Op: "state object", Text: fmt.Sprintf(format, args...)}
	}

	so := &stateObject{
		label:       desc.Label,
		identifiers: make(map[string][]byte),
		byIdent:     make(map[string]string),
		hitGroups:   make(map[string]bool),
	}
	exports := make(map[string][]byte) // export name to library digest
	var pipelineConfigs int

	for i, sub := range desc.Subobjects {
		switch sub.Kind {
		case device.SubobjectLibrary:
			if len(sub.Bytecode) == 0 {
				return nil, fail("Subobject [%d]: DXIL library has no bytecode.", i)
			}
			digest := sha256.Sum256(sub.Bytecode)
			for _, name := range sub.Exports {
				if _, dup := exports[name]; dup {
					return nil, fail("Subobject [%d]: export %q is defined more than once.", i, name)
				}
				exports[name] = digest[:]
			}
		case device.SubobjectHitGroup, device.SubobjectShaderConfig, device.SubobjectExportAssociation:
			// checked below, after all exports are known
		case device.SubobjectLocalRootSignature, device.SubobjectGlobalRootSignature:
			rs, ok := d.roots[sub.RootSignature]
			if !ok {
				return nil, fail("Subobject [%d]: root signature %d does not exist.", i, sub.RootSignature)
			}
			local := sub.Kind == device.SubobjectLocalRootSignature
			if rs.desc.Local != local {
				return nil, fail("Subobject [%d]: %s subobject references root signature %q serialized with local=%t.",
					i, sub.Kind, rs.desc.Label, rs.desc.Local)
			}
			if !local && so.global == device.InvalidID {
				so.global = sub.RootSignature
			}
		case device.SubobjectPipelineConfig:
			pipelineConfigs++
			if sub.MaxRecursionDepth > maxRecursionDepth {
				return nil, fail("Subobject [%d]: MaxTraceRecursionDepth %d exceeds %d.", i, sub.MaxRecursionDepth, maxRecursionDepth)
			}
			so.maxDepth = sub.MaxRecursionDepth
		default:
			return nil, fail("Subobject [%d]: unknown subobject type %d.", i, sub.Kind)
		}
	}
	if len(exports) == 0 {
		return nil, fail("No DXIL library exports any shader.")
	}
	if pipelineConfigs != 1 {
		return nil, fail("Expected exactly one raytracing pipeline config subobject, found %d.", pipelineConfigs)
	}

	for i, sub := range desc.Subobjects {
		switch sub.Kind {
		case device.SubobjectHitGroup:
			hg := sub.HitGroup
			if _, dup := exports[hg.Name]; dup || so.hitGroups[hg.Name] {
				return nil, fail("Subobject [%d]: hit group name %q collides with another export.", i, hg.Name)
			}
			for _, m := range []string{hg.AnyHit, hg.ClosestHit, hg.Intersection} {
				if m == "" {
					continue
				}
				if _, ok := exports[m]; !ok {
					return nil, fail("Subobject [%d]: hit group %q references unknown export %q.", i, hg.Name, m)
				}
			}
			so.hitGroups[hg.Name] = true
		case device.SubobjectShaderConfig:
			if sub.MaxAttributeSize > maxAttributeSize {
				return nil, fail("Subobject [%d]: MaxAttributeSizeInBytes %d exceeds %d.", i, sub.MaxAttributeSize, maxAttributeSize)
			}
			if sub.MaxPayloadSize > maxPayloadSize {
				return nil, fail("Subobject [%d]: MaxPayloadSizeInBytes %d exceeds %d.", i, sub.MaxPayloadSize, maxPayloadSize)
			}
		}
	}

	for i, sub := range desc.Subobjects {
		if sub.Kind != device.SubobjectExportAssociation {
			continue
		}
		if sub.Target < 0 || sub.Target >= len(desc.Subobjects) || sub.Target == i {
			return nil, fail("Subobject [%d]: association target [%d] is out of range.", i, sub.Target)
		}
		switch desc.Subobjects[sub.Target].Kind {
		case device.SubobjectLocalRootSignature, device.SubobjectGlobalRootSignature, device.SubobjectShaderConfig:
		default:
			return nil, fail("Subobject [%d]: cannot associate exports with a %s subobject.", i, desc.Subobjects[sub.Target].Kind)
		}
		for _, name := range sub.Exports {
			if _, ok := exports[name]; !ok && !so.hitGroups[name] {
				return nil, fail("Subobject [%d]: association names unknown export %q.", i, name)
			}
		}
	}

	for name, digest := range exports {
		so.addIdentifier(name, shaderIdentifier("shader", digest, name))
	}
	for _, sub := range desc.Subobjects {
		if sub.Kind == device.SubobjectHitGroup {
			hg := sub.HitGroup
			key := []byte(hg.AnyHit + "|" + hg.ClosestHit + "|" + hg.Intersection)
			so.addIdentifier(hg.Name, shaderIdentifier("hitgroup", key, hg.Name))
		}
	}
	return so, nil
}

func (so *stateObject) addIdentifier(name string, id []byte) {
	so.identifiers[name] = id
	so.byIdent[string(id)] = name
}

// shaderIdentifier derives a stable identifier. The all-zero identifier is
// reserved for null records and never produced.
func shaderIdentifier(kind string, key []byte, name string) []byte {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(key)
	h.Write([]byte{0})
	h.Write([]byte(name))
	id := h.Sum(nil)[:device.ShaderIdentifierSize]
	id[device.ShaderIdentifierSize-1] |= 1
	return id
}

// DestroyStateObject implements device.Device.
func (d *Device) DestroyStateObject(id device.StateObjectID) {
	d.mu.Lock()
	delete(d.objects, id)
	d.mu.Unlock()
}

// ShaderIdentifier implements device.Device.
func (d *Device) ShaderIdentifier(id device.StateObjectID, name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	so, ok := d.objects[id]
	if !ok {
		return nil, false
	}
	ident, ok := so.identifiers[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(ident), true
}
