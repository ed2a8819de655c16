// Package renderer drives the ray tracing core for one scene: it builds the
// acceleration structures, the pipeline and the shader table, then records
// one refit, one trace dispatch and one output copy per frame.
//
// The scene has two bottom-level structures. One holds a single triangle;
// the other holds the triangle and an indexed ground plane. Each instance
// of the configuration references one of them. Hit group records are laid
// out per instance, per geometry and per ray type, so an instance's
// HitGroupOffset is the number of records of all instances before it.
//
// Frame waits on the ordinal of the previous frame's submission before
// rewriting the instance buffer. This serializes CPU and GPU once per frame
// and keeps a single set of per-frame resources.
//
// When the device is removed the renderer tears everything down, creates a
// new device through Options.NewDevice and rebuilds. The lost frame is
// counted as dropped.
package renderer
