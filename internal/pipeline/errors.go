package pipeline

import "errors"

var (
	// ErrResourceUnavailable is returned when the detector cannot be acquired.
	// The pipeline does not start.
	ErrResourceUnavailable = errors.New("detector resource unavailable")

	// ErrInvalidFrame marks a frame without usable image data. It is handled
	// like any other detection failure.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrStopped is returned by lifecycle calls on a stopped pipeline
	ErrStopped = errors.New("pipeline stopped")

	// ErrNotPaused is returned by Resume when the pipeline is not paused
	ErrNotPaused = errors.New("pipeline not paused")
)
