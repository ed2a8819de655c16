// Package soft implements device.Device on the CPU.
//
// The soft device is deterministic: buffer addresses, prebuild sizes and
// shader identifiers depend only on the sequence of calls and their inputs.
// It executes command lists at submission time and checks the rules a
// hardware debug layer would check:
//
//   - a build result must be separated from later readers by a UAV barrier
//   - a refit must keep the instance count and bottom-level references
//   - scratch and result buffers must be at least the prebuild size
//   - shader table regions must be aligned and hold known identifiers
//   - textures must be in the expected state for dispatch and copy
//
// DispatchRays traces primary and shadow rays against triangle geometry and
// colors each pixel from the identifier of the selected shader record, so
// the effect of a shader table layout can be inspected in the output image.
//
// Device loss can be simulated with Lose and LoseAfter.
package soft
