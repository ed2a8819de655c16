// Package fence implements a completion timeline on top of a HAL fence.
//
// A Timeline owns one hal.Fence. Every submission signals the fence with the
// next ordinal, so CompletedOrdinal and WaitUntilCompleted can be used as a
// frame synchronizer by code that records work through the HAL directly.
//
//	tl, err := fence.New(device, queue)
//	if err != nil {
//		return err
//	}
//	defer tl.Destroy()
//
//	ordinal, err := tl.Submit(cmdBuf)
//	...
//	err = tl.WaitUntilCompleted(ctx, ordinal)
package fence
