// Package shader compiles WGSL shader libraries for ray tracing pipelines.
//
// A library is compiled to SPIR-V with naga. The names of the module's entry
// points are the library's exports: they are what a pipeline descriptor
// graph associates root signatures and shader configs with, and what hit
// groups refer to.
//
// Compiler caches modules by a digest of their source, so rebuilding a
// pipeline after an unrelated change does not recompile unchanged
// libraries. CompileAll compiles independent sources concurrently.
//
// The library of the three-instance scene is embedded and available through
// Scene.
package shader
