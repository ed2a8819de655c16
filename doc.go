// Package rt builds and manages the GPU data structures a hardware ray
// tracing pipeline needs: two-level acceleration structures, shader binding
// tables and pipeline state objects.
//
// # Overview
//
// The package sits between an application's frame loop and a ray tracing
// capable device (see package device). Data flows in one direction:
//
//	GeometryDescriptor -> Builder.BuildBottomLevel -> BottomLevel
//	Instance(BottomLevel, Transform3x4) -> Builder.BuildTopLevel -> TopLevel
//	PipelineDescriptorGraph -> Finalize -> PipelineObject
//	PipelineObject.Identifier + arguments -> ShaderTableLayout.Build -> ShaderTable
//	TopLevel + ShaderTable -> DispatchRays
//
// # Acceleration Structures
//
// Builder records builds into a caller-owned command list and never waits.
// Each build is followed by a UAV barrier on its result buffer, which is
// enough for later commands in the same list. Scratch buffers may be
// released once the submission's completion ordinal has been reached:
//
//	b := rt.NewBuilder(dev, rt.DefaultBuilderOptions())
//	blas, err := b.BuildBottomLevel(cl, []rt.GeometryDescriptor{tri})
//	tlas, err := b.BuildTopLevel(cl, instances)
//	_, err = rt.SubmitAndWait(ctx, dev.Queue(), cl)
//	blas.ReleaseScratch()
//
// A top-level structure can be refit once per frame with RefitTopLevel as
// long as the instance count and referenced bottom-level structures do not
// change.
//
// # Pipelines
//
// PipelineDescriptorGraph is an append-only arena of subobjects. Every
// export must be explicitly associated with exactly one shader config;
// there is no default association.
//
// # Shader Tables
//
// ShaderTableLayout computes a uniform stride per region and writes records
// (identifier first, then local arguments) at computed offsets. Hit-group
// records are indexed by HitGroupRecordIndex.
//
// # Errors
//
// Every build, shader table, pipeline and submission error matches one of
// ErrUnsupportedGeometryLayout, ErrAllocationFailure, ErrValidationFailure
// or ErrDeviceLost. Context cancellation passes through Wait unclassified.
// After ErrDeviceLost every structure, table and pipeline must be recreated.
//
// # Logging
//
// rt is silent by default. Use SetLogger to route diagnostics to a
// log/slog handler.
package rt
