package rt

import (
	"context"
	"fmt"

	"github.com/gogpu/rt/device"
)

// FrameSynchronizer exposes the completion ordinal of a single execution
// queue. The core consumes it but never waits internally; callers use it to
// decide when transient buffers may be released or rewritten.
//
// device.Queue satisfies FrameSynchronizer, as does the HAL fence timeline
// in the fence package.
type FrameSynchronizer interface {
	// CompletedOrdinal returns the highest ordinal the GPU has finished.
	CompletedOrdinal() uint64

	// WaitUntilCompleted blocks until ordinal is complete or ctx is done.
	// It is the only blocking operation in the core's resource model.
	WaitUntilCompleted(ctx context.Context, ordinal uint64) error
}

// SubmitAndWait closes and submits lists on q, then blocks on the returned
// ordinal. This is the one-shot path used for initial structure builds:
// correct, but it serializes CPU and GPU.
//
// A rejected submission is reported as ErrValidationFailure unless the
// device was removed. Returns the ordinal that was waited on.
func SubmitAndWait(ctx context.Context, q device.Queue, lists ...device.CommandList) (uint64, error) {
	for _, cl := range lists {
		if err := cl.Close(); err != nil {
			return 0, fmt.Errorf("close command list: %w", classify(err, ErrValidationFailure))
		}
	}
	ordinal, err := q.Submit(lists...)
	if err != nil {
		return 0, fmt.Errorf("submit: %w", classify(err, ErrValidationFailure))
	}
	if err := Wait(ctx, q, ordinal); err != nil {
		return ordinal, err
	}
	return ordinal, nil
}

// Wait blocks on sync until ordinal completes, mapping device removal to
// ErrDeviceLost.
func Wait(ctx context.Context, sync FrameSynchronizer, ordinal uint64) error {
	if sync.CompletedOrdinal() >= ordinal {
		return nil
	}
	if err := sync.WaitUntilCompleted(ctx, ordinal); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("wait for ordinal %d: %w", ordinal, err)
		}
		return fmt.Errorf("wait for ordinal %d: %w", ordinal, classify(err, ErrDeviceLost))
	}
	return nil
}
