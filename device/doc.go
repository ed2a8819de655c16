// Package device defines the collaborator contract between the ray tracing
// core and a GPU backend.
//
// The core never talks to a graphics API directly. It creates buffers,
// queries acceleration structure sizes, records build and dispatch commands
// and compiles pipeline state objects through the [Device] interface, using
// opaque uint64 IDs in the same way gpucore abstracts compute backends.
//
// # Resource Model
//
// Buffers live in one of three heaps:
//   - [HeapDefault]: device-local memory. Acceleration structure results and
//     scratch memory live here.
//   - [HeapUpload]: CPU-writable, GPU-readable. Instance descriptors, shader
//     tables and constant buffers live here.
//   - [HeapReadback]: GPU-writable, CPU-readable. Used to copy the output
//     image back to the host.
//
// Every buffer has a GPU virtual [Address]. Commands reference memory by
// address, not by ID, matching how ray tracing APIs consume inputs.
//
// # Synchronization
//
// A [Queue] executes submitted command lists in order and returns a
// monotonically increasing completion ordinal for each submission. Callers
// block on an ordinal with WaitUntilCompleted. Within one command list, a
// [CommandList.UAVBarrier] is required between a build that writes a buffer
// and any command that reads it.
//
// # Implementations
//
// The soft subpackage provides a deterministic CPU implementation used by
// tests and the headless demo.
package device
