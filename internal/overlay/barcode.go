package overlay

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"scanbox/internal/geom"
)

const (
	strokeWidth   = 4
	bannerPadding = 4
)

var (
	// InFocusColor outlines barcodes accepted by the focus gate
	InFocusColor = color.RGBA{255, 255, 255, 255}
	// OutOfFocusColor outlines every other barcode
	OutOfFocusColor = color.RGBA{255, 0, 0, 255}

	bannerBackground = color.RGBA{255, 255, 255, 255}
	bannerText       = color.RGBA{0, 0, 0, 255}
)

// Barcode marks one detected barcode
type Barcode struct {
	Box        geom.Rect // Surface coordinates
	Value      string
	InFocus    bool
	DrawRect   bool
	DrawBanner bool
}

// Kind implements Annotation
func (b *Barcode) Kind() string { return "barcode" }

// Color returns the outline color for the current focus state
func (b *Barcode) Color() color.RGBA {
	if b.InFocus {
		return InFocusColor
	}
	return OutOfFocusColor
}

// Draw implements Annotation
func (b *Barcode) Draw(dst *image.RGBA) {
	r := b.Box.ImageRect()
	if b.DrawRect {
		drawBox(dst, r, b.Color(), strokeWidth)
	}
	if b.InFocus && b.DrawBanner && b.Value != "" {
		drawBanner(dst, r.Min.X, r.Min.Y-strokeWidth, b.Value)
	}
}

// drawBox draws a rectangle outline clipped to the image
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(x, y int) {
		if (image.Point{X: x, Y: y}).In(bounds) {
			img.SetRGBA(x, y, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			set(x, r.Min.Y+t)
			set(x, r.Max.Y-1-t)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			set(r.Min.X+t, y)
			set(r.Max.X-1-t, y)
		}
	}
}

// drawBanner draws text on a solid label whose bottom-left corner is
// (x, bottom). Each line of text gets its own row.
func drawBanner(img *image.RGBA, x, bottom int, text string) {
	face := basicfont.Face7x13
	lines := strings.Split(text, "\n")
	textWidth := 0
	for _, line := range lines {
		textWidth = max(textWidth, font.MeasureString(face, line).Ceil())
	}
	height := len(lines)*face.Height + 2*bannerPadding

	top := bottom - height
	if top < img.Bounds().Min.Y {
		top = img.Bounds().Min.Y
	}
	if x < img.Bounds().Min.X {
		x = img.Bounds().Min.X
	}

	bg := image.Rect(x, top, x+textWidth+2*bannerPadding, top+height).Intersect(img.Bounds())
	for py := bg.Min.Y; py < bg.Max.Y; py++ {
		for px := bg.Min.X; px < bg.Max.X; px++ {
			img.SetRGBA(px, py, bannerBackground)
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(bannerText),
		Face: face,
	}
	for i, line := range lines {
		d.Dot = fixed.Point26_6{X: fixed.I(x + bannerPadding), Y: fixed.I(top + bannerPadding + face.Ascent + i*face.Height)}
		d.DrawString(line)
	}
}
