package pipeline

import (
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scanbox/internal/geom"
)

// Frame represents one captured camera image plus its metadata.
// A frame must not be modified once it has been handed to the pipeline.
type Frame struct {
	Image           image.Image // Decoded pixels
	Width           int         // Raw frame width
	Height          int         // Raw frame height
	RotationDegrees int         // Clockwise rotation needed to show the frame upright
	SourceFormat    string      // Capture format (mjpeg, png, ...)
	Seq             uint64      // Assigned by the FrameBuffer on submit
	Timestamp       time.Time   // Capture timestamp

	release  func()
	once     sync.Once
	released atomic.Bool
}

// NewFrame wraps a decoded image. release is called exactly once when the
// pipeline is done with the frame and may be nil.
func NewFrame(img image.Image, rotation int, sourceFormat string, release func()) *Frame {
	f := &Frame{
		Image:           img,
		RotationDegrees: geom.NormalizeRotation(rotation),
		SourceFormat:    sourceFormat,
		Timestamp:       time.Now(),
		release:         release,
	}
	if img != nil {
		b := img.Bounds()
		f.Width = b.Dx()
		f.Height = b.Dy()
	}
	return f
}

// Release returns the frame to its producer. Safe to call more than once.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.released.Store(true)
		if f.release != nil {
			f.release()
		}
	})
}

// Released reports whether Release has been called
func (f *Frame) Released() bool {
	return f != nil && f.released.Load()
}

// Validate checks that the frame carries usable pixels
func (f *Frame) Validate() error {
	if f == nil || f.Image == nil {
		return fmt.Errorf("%w: no image data", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: empty dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	return nil
}

// UprightSize returns the frame size after applying its rotation
func (f *Frame) UprightSize() (int, int) {
	return geom.UprightSize(f.Width, f.Height, f.RotationDegrees)
}

// Format identifies a barcode symbology
type Format string

const (
	FormatAll        Format = "all"
	FormatQRCode     Format = "qr_code"
	FormatDataMatrix Format = "data_matrix"
	FormatCode128    Format = "code_128"
	FormatCode39     Format = "code_39"
	FormatEAN13      Format = "ean_13"
	FormatEAN8       Format = "ean_8"
	FormatUPCA       Format = "upc_a"
	FormatUnknown    Format = "unknown"
)

// KnownFormats lists every concrete format, in detection order
var KnownFormats = []Format{
	FormatQRCode,
	FormatDataMatrix,
	FormatCode128,
	FormatCode39,
	FormatEAN13,
	FormatEAN8,
	FormatUPCA,
}

// ParseFormat converts a configuration string into a Format
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == FormatAll {
		return f, nil
	}
	for _, known := range KnownFormats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown barcode format: %q", s)
}

// ExpandFormats resolves a requested format set. Empty or containing
// FormatAll means every known format.
func ExpandFormats(formats []Format) []Format {
	if len(formats) == 0 {
		return append([]Format(nil), KnownFormats...)
	}
	seen := make(map[Format]bool, len(formats))
	out := make([]Format, 0, len(formats))
	for _, f := range formats {
		if f == FormatAll {
			return append([]Format(nil), KnownFormats...)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// DetectedBarcode is a single detector result. Empty strings mean the value
// is absent.
type DetectedBarcode struct {
	BoundingBox  geom.Rect `json:"bounding_box"` // Raw frame coordinates
	DisplayValue string    `json:"display_value"`
	RawValue     string    `json:"raw_value"`
	Format       Format    `json:"format"`
}

// HasValues reports whether both decoded text fields are present
func (b DetectedBarcode) HasValues() bool {
	return b.DisplayValue != "" && b.RawValue != ""
}

// LifecycleState is the externally visible pipeline state
type LifecycleState int32

const (
	StateActive LifecycleState = iota
	StatePaused
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("LifecycleState(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FocusPolicy selects how the focus gate decides a barcode is centered
type FocusPolicy string

const (
	// FocusPolicyCenter - the box center must lie in the focus box grown by the tolerance
	FocusPolicyCenter FocusPolicy = "center"
	// FocusPolicyContain - the box must lie strictly inside the focus box grown by the tolerance
	FocusPolicyContain FocusPolicy = "contain"
	// FocusPolicyOffset - legacy containment loosened by the tolerance and the box's own size
	FocusPolicyOffset FocusPolicy = "offset"
)

// Resolution is a width x height pair
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config contains the construction-time pipeline options
type Config struct {
	FocusBoxSide         float64    // Side of the square focus box, in surface pixels
	DrawOverlayRectangle bool       // Draw a rectangle around each barcode
	DrawValueBanner      bool       // Draw the decoded value above in-focus barcodes
	ShowCameraImage      bool       // Add the frame itself as the first annotation
	Flipped              bool       // Mirror the frame horizontally on the surface
	TargetResolution     Resolution // Requested capture size
	SupportedFormats     []Format   // Empty means all formats
}

// DefaultConfig returns the defaults used when no configuration is given
func DefaultConfig() Config {
	return Config{
		FocusBoxSide:         264,
		DrawOverlayRectangle: true,
		DrawValueBanner:      false,
		ShowCameraImage:      true,
		TargetResolution:     Resolution{Width: 768, Height: 1024},
	}
}

// Stats contains pipeline counters
type Stats struct {
	State     LifecycleState `json:"state"`
	Buffer    BufferStats    `json:"buffer"`
	Cycles    uint64         `json:"cycles"`    // Completed detection cycles, successful or not
	Failures  uint64         `json:"failures"`  // Cycles that ended in a detection failure
	Callbacks uint64         `json:"callbacks"` // Host callbacks delivered
	Ignored   uint64         `json:"ignored"`   // Frames offered while not active
}
