// Package pipeline wires the capture stages into a single controller.
//
// Responsibilities: frame admission (inline luma sampling, rate
// throttling, single in-flight detection), serialized state ownership
// over the tracker and content gate, the background OCR worker, status
// text debouncing, the auto-capture timer, optional event persistence,
// and versioned immutable snapshots for UI consumers.
// Key types: Controller, Snapshot, Deps.
//
// Concurrency model: HandleFrame is cheap and non-blocking; heavy work
// runs on a single detection goroutine admitted by the throttler, so
// state mutation is effectively serialized. OCR runs on its own
// goroutine at lower priority and only ever flips gate booleans. All
// reads go through Snapshot copies.
package pipeline
