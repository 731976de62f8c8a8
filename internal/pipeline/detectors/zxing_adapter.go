package detectors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/multi"
	multiqr "github.com/makiuchi-d/gozxing/multi/qrcode"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"scanbox/internal/geom"
	"scanbox/internal/pipeline"
)

// ErrDetectorClosed is returned by Detect after Close
var ErrDetectorClosed = errors.New("detector closed")

// ZXingName is the registry name of the gozxing backed detector
const ZXingName = "zxing"

// minLinearHeight is the height given to 1D barcodes, whose result points
// lie on a single scan row
const minLinearHeight = 16

const (
	// finderHalfModules is the distance in modules from a QR finder pattern
	// center to the symbol edge
	finderHalfModules = 3.5

	// Region search around each hit, after ZXing's generic multiple reader
	maxRegionDepth  = 4
	minRegionSide   = 100
	maxRegionDecode = 32
)

// upcEANFormats share one multi-format reader, which reports a UPC-A code
// once instead of once per EAN-13 and UPC-A reader
var upcEANFormats = map[pipeline.Format]gozxing.BarcodeFormat{
	pipeline.FormatEAN13: gozxing.BarcodeFormat_EAN_13,
	pipeline.FormatEAN8:  gozxing.BarcodeFormat_EAN_8,
	pipeline.FormatUPCA:  gozxing.BarcodeFormat_UPC_A,
}

var resultFormats = map[gozxing.BarcodeFormat]pipeline.Format{
	gozxing.BarcodeFormat_QR_CODE:     pipeline.FormatQRCode,
	gozxing.BarcodeFormat_DATA_MATRIX: pipeline.FormatDataMatrix,
	gozxing.BarcodeFormat_CODE_128:    pipeline.FormatCode128,
	gozxing.BarcodeFormat_CODE_39:     pipeline.FormatCode39,
	gozxing.BarcodeFormat_EAN_13:      pipeline.FormatEAN13,
	gozxing.BarcodeFormat_EAN_8:       pipeline.FormatEAN8,
	gozxing.BarcodeFormat_UPC_A:       pipeline.FormatUPCA,
}

// regionReader decodes every barcode one single-result reader can find by
// searching the regions left, above, right and below each hit
type regionReader struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// ZXingAdapter wraps gozxing readers to implement the Detector interface.
// QR codes go through the multi-code detector; the other formats run a
// region search so a frame can yield several codes of one format.
type ZXingAdapter struct {
	formats []pipeline.Format
	qrMulti multi.MultipleBarcodeReader
	qr      gozxing.Reader
	regions []regionReader
	hints   map[gozxing.DecodeHintType]interface{}
	mu      sync.Mutex
	closed  bool
}

// NewZXingAdapter creates a detector for the given formats. An empty list
// means all supported formats.
func NewZXingAdapter(formats []pipeline.Format, tryHarder bool) (*ZXingAdapter, error) {
	a := &ZXingAdapter{
		formats: pipeline.ExpandFormats(formats),
		hints:   make(map[gozxing.DecodeHintType]interface{}),
	}
	if tryHarder {
		a.hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}

	var upcEAN []gozxing.BarcodeFormat
	for _, f := range a.formats {
		switch f {
		case pipeline.FormatQRCode:
			a.qrMulti = multiqr.NewQRCodeMultiReader()
			a.qr = qrcode.NewQRCodeReader()
		case pipeline.FormatDataMatrix:
			a.addRegionReader(datamatrix.NewDataMatrixReader(), a.hints)
		case pipeline.FormatCode128:
			a.addRegionReader(oned.NewCode128Reader(), a.hints)
		case pipeline.FormatCode39:
			a.addRegionReader(oned.NewCode39Reader(), a.hints)
		case pipeline.FormatEAN13, pipeline.FormatEAN8, pipeline.FormatUPCA:
			upcEAN = append(upcEAN, upcEANFormats[f])
		default:
			return nil, fmt.Errorf("format %q not supported by %s", f, ZXingName)
		}
	}
	if len(upcEAN) > 0 {
		hints := make(map[gozxing.DecodeHintType]interface{}, len(a.hints)+1)
		for k, v := range a.hints {
			hints[k] = v
		}
		hints[gozxing.DecodeHintType_POSSIBLE_FORMATS] = upcEAN
		a.addRegionReader(oned.NewMultiFormatUPCEANReader(hints), hints)
	}
	return a, nil
}

func (a *ZXingAdapter) addRegionReader(r gozxing.Reader, hints map[gozxing.DecodeHintType]interface{}) {
	a.regions = append(a.regions, regionReader{reader: r, hints: hints})
}

func (a *ZXingAdapter) Name() string {
	return ZXingName
}

// Formats returns the formats this detector looks for
func (a *ZXingAdapter) Formats() []pipeline.Format {
	return append([]pipeline.Format(nil), a.formats...)
}

func (a *ZXingAdapter) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.DetectedBarcode, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrDetectorClosed
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(frame.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidFrame, err)
	}

	var hits []*gozxing.Result
	if a.qrMulti != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits = append(hits, a.decodeQR(bmp)...)
	}
	for _, rr := range a.regions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		budget := maxRegionDecode
		hits = rr.decode(ctx, bmp, 0, 0, 0, &budget, hits)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]pipeline.DetectedBarcode, 0, len(hits))
	for _, res := range hits {
		format, ok := resultFormats[res.GetBarcodeFormat()]
		if !ok {
			continue
		}
		results = append(results, convertResult(format, res, frame))
	}
	return results, nil
}

// decodeQR returns every QR code in the frame. The single-code reader is the
// fallback for symbols the multi detector cannot pair up.
func (a *ZXingAdapter) decodeQR(bmp *gozxing.BinaryBitmap) []*gozxing.Result {
	results, err := a.qrMulti.DecodeMultiple(bmp, a.hints)
	if err == nil && len(results) > 0 {
		return results
	}
	res, err := a.qr.Decode(bmp, a.hints)
	a.qr.Reset()
	if err != nil {
		// NotFound, Checksum and Format errors all mean "no QR code"
		return nil
	}
	return []*gozxing.Result{res}
}

// decode runs the reader on bmp, whose origin is (dx, dy) in the frame, and
// recurses into the regions around a hit. Hits repeating an earlier value
// are not added again.
func (rr regionReader) decode(ctx context.Context, bmp *gozxing.BinaryBitmap, dx, dy, depth int, budget *int, hits []*gozxing.Result) []*gozxing.Result {
	if depth > maxRegionDepth || *budget <= 0 || ctx.Err() != nil {
		return hits
	}
	*budget--

	res, err := rr.reader.Decode(bmp, rr.hints)
	rr.reader.Reset()
	if err != nil {
		return hits
	}

	points := res.GetResultPoints()
	if !seen(hits, res) {
		moved := make([]gozxing.ResultPoint, 0, len(points))
		for _, p := range points {
			if p != nil {
				moved = append(moved, gozxing.NewResultPoint(p.GetX()+float64(dx), p.GetY()+float64(dy)))
			}
		}
		hits = append(hits, gozxing.NewResult(res.GetText(), res.GetRawBytes(), moved, res.GetBarcodeFormat()))
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		if p == nil {
			continue
		}
		minX, maxX = math.Min(minX, p.GetX()), math.Max(maxX, p.GetX())
		minY, maxY = math.Min(minY, p.GetY()), math.Max(maxY, p.GetY())
	}
	if math.IsInf(minX, 1) {
		return hits
	}

	w, h := bmp.GetWidth(), bmp.GetHeight()
	left, top := int(minX), int(minY)
	right, bottom := int(math.Ceil(maxX)), int(math.Ceil(maxY))
	type region struct{ x, y, w, h int }
	var next []region
	if left > minRegionSide {
		next = append(next, region{0, 0, left, h})
	}
	if top > minRegionSide {
		next = append(next, region{0, 0, w, top})
	}
	if right < w-minRegionSide {
		next = append(next, region{right, 0, w - right, h})
	}
	if bottom < h-minRegionSide {
		next = append(next, region{0, bottom, w, h - bottom})
	}
	for _, r := range next {
		sub, err := bmp.Crop(r.x, r.y, r.w, r.h)
		if err != nil {
			continue
		}
		hits = rr.decode(ctx, sub, dx+r.x, dy+r.y, depth+1, budget, hits)
	}
	return hits
}

func seen(hits []*gozxing.Result, res *gozxing.Result) bool {
	for _, h := range hits {
		if h.GetBarcodeFormat() == res.GetBarcodeFormat() && h.GetText() == res.GetText() {
			return true
		}
	}
	return false
}

func (a *ZXingAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func convertResult(format pipeline.Format, res *gozxing.Result, frame *pipeline.Frame) pipeline.DetectedBarcode {
	text := res.GetText()
	return pipeline.DetectedBarcode{
		BoundingBox:  boundingBox(res.GetResultPoints(), frame.Width, frame.Height),
		DisplayValue: displayValue(text),
		RawValue:     text,
		Format:       format,
	}
}

// moduleSizer is implemented by QR finder and alignment patterns
type moduleSizer interface {
	GetEstimatedModuleSize() float64
}

// boundingBox spans all result points, clamped to the frame. QR result points
// are finder pattern centers, so the box grows by half a finder pattern to
// reach the symbol edge.
func boundingBox(points []gozxing.ResultPoint, width, height int) geom.Rect {
	if len(points) == 0 {
		return geom.Rect{Right: float64(width), Bottom: float64(height)}
	}

	r := geom.Rect{
		Left:   math.Inf(1),
		Top:    math.Inf(1),
		Right:  math.Inf(-1),
		Bottom: math.Inf(-1),
	}
	var module float64
	for _, p := range points {
		if p == nil {
			continue
		}
		r.Left = math.Min(r.Left, p.GetX())
		r.Right = math.Max(r.Right, p.GetX())
		r.Top = math.Min(r.Top, p.GetY())
		r.Bottom = math.Max(r.Bottom, p.GetY())
		if ms, ok := p.(moduleSizer); ok {
			module = math.Max(module, ms.GetEstimatedModuleSize())
		}
	}
	if math.IsInf(r.Left, 1) {
		return geom.Rect{Right: float64(width), Bottom: float64(height)}
	}

	if module > 0 {
		r = r.Grow(finderHalfModules * module)
	} else if r.Height() < minLinearHeight {
		pad := math.Max(minLinearHeight, r.Width()/4) / 2
		cy := (r.Top + r.Bottom) / 2
		r.Top, r.Bottom = cy-pad, cy+pad
	}

	r.Left = math.Max(0, r.Left)
	r.Top = math.Max(0, r.Top)
	r.Right = math.Min(float64(width), r.Right)
	r.Bottom = math.Min(float64(height), r.Bottom)
	return r
}

// displayValue makes the decoded text safe to print. Line breaks survive;
// other control characters become spaces and runs of blanks collapse.
func displayValue(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsControl(r) {
				return ' '
			}
			return r
		}, line)
		lines[i] = strings.Join(strings.Fields(cleaned), " ")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

// ZXingFactory returns a DetectorFactory creating fresh ZXing detectors
func ZXingFactory(tryHarder bool) pipeline.DetectorFactory {
	return func(ctx context.Context, formats []pipeline.Format) (pipeline.Detector, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		det, err := NewZXingAdapter(formats, tryHarder)
		if err != nil {
			return nil, err
		}
		return det, nil
	}
}

// Ensure ZXingAdapter implements Detector
var _ pipeline.Detector = (*ZXingAdapter)(nil)
