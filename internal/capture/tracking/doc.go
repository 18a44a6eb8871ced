// Package tracking owns cross-frame document identity and the capture
// phase state machine.
//
// Responsibilities: same-document resolution with hysteresis, ambiguity
// detection, stuck-lock recovery, adaptive corner smoothing, the bounded
// stability score, and the Searching → Tracking → Locked → Capturing
// phase transitions including dropout grace.
// Key types: Tracker, TrackingState, Phase, Result.
//
// The Tracker is owned by a single controller per capture session and is
// not internally synchronised; callers serialise access.
package tracking
