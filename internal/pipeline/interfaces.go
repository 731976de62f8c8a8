package pipeline

import (
	"context"

	"scanbox/internal/geom"
)

// Detector is the barcode recognition backend.
// A Detector is owned by exactly one pipeline at a time.
type Detector interface {
	// Name returns the detector identifier (e.g., "zxing")
	Name() string

	// Detect decodes every barcode found in the frame. The frame stays valid
	// for the duration of the call only.
	Detect(ctx context.Context, frame *Frame) ([]DetectedBarcode, error)

	// Close releases detector resources
	Close() error
}

// DetectorFactory acquires a fresh detector restricted to the given formats.
// It is called on construction and again on every resume.
type DetectorFactory func(ctx context.Context, formats []Format) (Detector, error)

// FrameSource delivers camera frames until stopped
type FrameSource interface {
	// Start begins capture and calls deliver for each frame.
	// deliver must not block.
	Start(ctx context.Context, deliver func(*Frame)) error

	// Stop halts capture. Frames already delivered are unaffected.
	Stop() error

	// Name returns a human readable source description
	Name() string
}

// RenderSurface displays the overlay
type RenderSurface interface {
	// Size returns the current measured size. Zero means not yet measured.
	Size() (width, height int)

	// Invalidate requests a redraw from the current overlay. Must not block.
	Invalidate()
}

// ScanHandler receives centered barcodes
type ScanHandler interface {
	OnNewBarcodeScanned(displayValue, rawValue string)
}

// ScanHandlerFunc adapts a function to ScanHandler
type ScanHandlerFunc func(displayValue, rawValue string)

// OnNewBarcodeScanned implements ScanHandler
func (f ScanHandlerFunc) OnNewBarcodeScanned(displayValue, rawValue string) {
	f(displayValue, rawValue)
}

// FocusGate decides whether a barcode is centered in the focus box.
// Both rectangles are in surface coordinates.
type FocusGate interface {
	// Name returns the policy identifier
	Name() string

	// IsCentered reports whether box is accepted by the focus box
	IsCentered(focusBox, box geom.Rect) bool
}

type nopSurface struct{}

func (nopSurface) Size() (int, int) { return 0, 0 }
func (nopSurface) Invalidate()      {}

var _ ScanHandler = ScanHandlerFunc(nil)
