package soft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/rt/device"
)

// ErrHazard is wrapped by execution errors caused by a missing UAV barrier.
var ErrHazard = errors.New("soft: read of an unordered write")

// ExecError reports a command that failed while a submission executed.
type ExecError struct {
	List    string
	Index   int
	Command string
	Err     error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	return fmt.Sprintf("soft: command list %q, command %d (%s): %v", e.List, e.Index, e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error { return e.Err }

type opcode uint8

const (
	opBuild opcode = iota
	opBarrier
	opTransition
	opSetHeap
	opSetGlobalRoot
	opSetPipeline
	opDispatch
	opCopy
)

var opNames = [...]string{
	opBuild:         "BuildRaytracingAccelerationStructure",
	opBarrier:       "ResourceBarrier(UAV)",
	opTransition:    "ResourceBarrier(Transition)",
	opSetHeap:       "SetDescriptorHeaps",
	opSetGlobalRoot: "SetComputeRootSignature",
	opSetPipeline:   "SetPipelineState1",
	opDispatch:      "DispatchRays",
	opCopy:          "CopyTextureRegion",
}

func (o opcode) String() string { return opNames[o] }

type command struct {
	op       opcode
	build    device.BuildDesc
	buffer   device.BufferID
	texture  device.TextureID
	before   device.ResourceState
	after    device.ResourceState
	heap     device.DescriptorHeapID
	root     device.RootSignatureID
	pipeline device.StateObjectID
	dispatch device.DispatchDesc
}

// CommandList records commands for the soft queue.
type CommandList struct {
	dev    *Device
	label  string
	cmds   []command
	closed bool
	err    error
}

// CreateCommandList implements device.Device.
func (d *Device) CreateCommandList(label string) (device.CommandList, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	return &CommandList{dev: d, label: label}, nil
}

func (cl *CommandList) record(c command) {
	if cl.closed {
		if cl.err == nil {
			cl.err = fmt.Errorf("soft: %s recorded into %q: %w", c.op, cl.label, device.ErrCommandListClosed)
		}
		return
	}
	cl.cmds = append(cl.cmds, c)
}

// BuildAccelerationStructure implements device.CommandList.
func (cl *CommandList) BuildAccelerationStructure(desc *device.BuildDesc) {
	b := *desc
	b.Inputs.Geometries = append([]device.Triangles(nil), desc.Inputs.Geometries...)
	if b.Inputs.Flags.Has(device.BuildFlagPerformUpdate) && b.Source == 0 && cl.err == nil {
		cl.err = fmt.Errorf("soft: %q: update build without a source structure", cl.label)
	}
	cl.record(command{op: opBuild, build: b})
}

// UAVBarrier implements device.CommandList. A zero buffer orders all
// unordered writes.
func (cl *CommandList) UAVBarrier(buf device.BufferID) {
	cl.record(command{op: opBarrier, buffer: buf})
}

// TransitionTexture implements device.CommandList.
func (cl *CommandList) TransitionTexture(tex device.TextureID, before, after device.ResourceState) {
	if before == after && cl.err == nil {
		cl.err = fmt.Errorf("soft: %q: transition of texture %d to its current state %s", cl.label, tex, before)
	}
	cl.record(command{op: opTransition, texture: tex, before: before, after: after})
}

// SetDescriptorHeap implements device.CommandList.
func (cl *CommandList) SetDescriptorHeap(heap device.DescriptorHeapID) {
	cl.record(command{op: opSetHeap, heap: heap})
}

// SetGlobalRootSignature implements device.CommandList.
func (cl *CommandList) SetGlobalRootSignature(rs device.RootSignatureID) {
	cl.record(command{op: opSetGlobalRoot, root: rs})
}

// SetPipeline implements device.CommandList.
func (cl *CommandList) SetPipeline(so device.StateObjectID) {
	cl.record(command{op: opSetPipeline, pipeline: so})
}

// DispatchRays implements device.CommandList.
func (cl *CommandList) DispatchRays(desc *device.DispatchDesc) {
	if (desc.Width == 0 || desc.Height == 0 || desc.Depth == 0) && cl.err == nil {
		cl.err = fmt.Errorf("soft: %q: dispatch of empty grid %dx%dx%d", cl.label, desc.Width, desc.Height, desc.Depth)
	}
	cl.record(command{op: opDispatch, dispatch: *desc})
}

// CopyTextureToBuffer implements device.CommandList.
func (cl *CommandList) CopyTextureToBuffer(tex device.TextureID, buf device.BufferID) {
	cl.record(command{op: opCopy, texture: tex, buffer: buf})
}

// Close implements device.CommandList.
func (cl *CommandList) Close() error {
	if cl.closed {
		return fmt.Errorf("soft: close %q: %w", cl.label, device.ErrCommandListClosed)
	}
	cl.closed = true
	return cl.err
}

// Reset implements device.CommandList.
func (cl *CommandList) Reset() error {
	if err := cl.dev.checkLost(); err != nil {
		return err
	}
	cl.cmds = cl.cmds[:0]
	cl.closed = false
	cl.err = nil
	return nil
}

// Len implements device.CommandList.
func (cl *CommandList) Len() int { return len(cl.cmds) }

// execState is the queue-timeline state of one submission.
type execState struct {
	dirty    map[device.BufferID]string
	heap     device.DescriptorHeapID
	root     device.RootSignatureID
	pipeline device.StateObjectID
}

// read fails if b has an unordered write.
func (x *execState) read(b *buffer, what string) error {
	if _, ok := x.dirty[b.id]; ok {
		return fmt.Errorf("%s %q read before a UAV barrier: %w", what, b.desc.Label, ErrHazard)
	}
	return nil
}

func (x *execState) write(b *buffer) { x.dirty[b.id] = b.desc.Label }

// Queue executes soft command lists.
type Queue struct {
	dev *Device

	mu        sync.Mutex
	submitted uint64
	completed uint64
	ready     map[uint64]time.Time
}

// Submit implements device.Queue. Commands execute before Submit returns;
// the returned ordinal completes after the configured latency.
func (q *Queue) Submit(lists ...device.CommandList) (uint64, error) {
	d := q.dev
	if err := d.checkLost(); err != nil {
		return 0, err
	}
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != d {
			return 0, fmt.Errorf("soft: submit: foreign command list %T", l)
		}
		if !cl.closed {
			return 0, fmt.Errorf("soft: submit: command list %q is still open", cl.label)
		}
	}

	d.mu.Lock()
	x := &execState{dirty: make(map[device.BufferID]string)}
	var execErr error
	for _, l := range lists {
		cl := l.(*CommandList)
		for i := range cl.cmds {
			if err := d.execute(x, &cl.cmds[i]); err != nil {
				execErr = &ExecError{List: cl.label, Index: i, Command: cl.cmds[i].op.String(), Err: err}
				break
			}
		}
		if execErr != nil {
			break
		}
	}
	lose := false
	if d.loseAfter > 0 {
		d.loseAfter--
		lose = d.loseAfter == 0
	}
	d.mu.Unlock()

	if execErr != nil {
		d.logger().Error("soft: execution failed", "err", execErr)
		return 0, execErr
	}

	q.mu.Lock()
	q.submitted++
	ordinal := q.submitted
	if d.opts.Latency > 0 {
		if q.ready == nil {
			q.ready = make(map[uint64]time.Time)
		}
		q.ready[ordinal] = time.Now().Add(d.opts.Latency)
	} else {
		q.completed = ordinal
	}
	q.mu.Unlock()

	if lose {
		d.Lose()
	}
	return ordinal, nil
}

// retire completes every ordinal whose latency elapsed. Caller must hold q.mu.
func (q *Queue) retire(now time.Time) {
	for q.completed < q.submitted {
		at, ok := q.ready[q.completed+1]
		if ok && now.Before(at) {
			return
		}
		delete(q.ready, q.completed+1)
		q.completed++
	}
}

// CompletedOrdinal implements device.Queue.
func (q *Queue) CompletedOrdinal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retire(time.Now())
	return q.completed
}

// WaitUntilCompleted implements device.Queue.
func (q *Queue) WaitUntilCompleted(ctx context.Context, ordinal uint64) error {
	for {
		if err := q.dev.checkLost(); err != nil {
			return err
		}
		q.mu.Lock()
		if ordinal > q.submitted {
			q.mu.Unlock()
			return fmt.Errorf("soft: wait for ordinal %d, only %d submitted", ordinal, q.submitted)
		}
		q.retire(time.Now())
		if q.completed >= ordinal {
			q.mu.Unlock()
			return nil
		}
		at := q.ready[q.completed+1]
		q.mu.Unlock()

		t := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// execute runs one command. Caller must hold d.mu.
func (d *Device) execute(x *execState, c *command) error {
	switch c.op {
	case opBuild:
		return d.executeBuild(x, &c.build)
	case opBarrier:
		if c.buffer == device.InvalidID {
			clear(x.dirty)
		} else {
			delete(x.dirty, c.buffer)
		}
	case opTransition:
		t, ok := d.textures[c.texture]
		if !ok {
			return fmt.Errorf("texture %d: %w", c.texture, device.ErrInvalidResource)
		}
		if t.state != c.before {
			return fmt.Errorf("texture %q: transition from %s, but it is in %s", t.desc.Label, c.before, t.state)
		}
		t.state = c.after
	case opSetHeap:
		if _, ok := d.heaps[c.heap]; !ok {
			return fmt.Errorf("descriptor heap %d: %w", c.heap, device.ErrInvalidResource)
		}
		x.heap = c.heap
	case opSetGlobalRoot:
		rs, ok := d.roots[c.root]
		if !ok {
			return fmt.Errorf("root signature %d: %w", c.root, device.ErrInvalidResource)
		}
		if rs.desc.Local {
			return fmt.Errorf("root signature %q is local and cannot be bound globally", rs.desc.Label)
		}
		x.root = c.root
	case opSetPipeline:
		if _, ok := d.objects[c.pipeline]; !ok {
			return fmt.Errorf("state object %d: %w", c.pipeline, device.ErrInvalidResource)
		}
		x.pipeline = c.pipeline
	case opDispatch:
		return d.executeDispatch(x, &c.dispatch)
	case opCopy:
		return d.executeCopy(c.texture, c.buffer)
	}
	return nil
}

// executeCopy copies texels row by row. Caller must hold d.mu.
func (d *Device) executeCopy(tex device.TextureID, buf device.BufferID) error {
	t, ok := d.textures[tex]
	if !ok {
		return fmt.Errorf("texture %d: %w", tex, device.ErrInvalidResource)
	}
	b, ok := d.buffers[buf]
	if !ok {
		return fmt.Errorf("buffer %d: %w", buf, device.ErrInvalidResource)
	}
	if t.state != device.StateCopySource {
		return fmt.Errorf("texture %q is in %s, copy needs %s", t.desc.Label, t.state, device.StateCopySource)
	}
	row := int(t.desc.Width) * 4
	if uint64(row*int(t.desc.Height)) > b.desc.Size {
		return fmt.Errorf("buffer %q holds %d bytes, copy of %dx%d needs %d", b.desc.Label, b.desc.Size, t.desc.Width, t.desc.Height, row*int(t.desc.Height))
	}
	for y := range int(t.desc.Height) {
		copy(b.data[y*row:(y+1)*row], t.data[y*row:(y+1)*row])
	}
	return nil
}
