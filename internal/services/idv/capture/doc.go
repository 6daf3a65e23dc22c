// Package capture drives the camera lifecycle for one document field.
//
// Run wraps a callback-style camera SDK as a cancellable task. Field layers
// the per-field state machine on top: one in-flight capture at a time, quality
// evaluation of each crop, and a manual upload fallback when the device has no
// usable camera.
package capture
