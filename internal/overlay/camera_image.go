package overlay

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"scanbox/internal/geom"
)

// CameraImage draws the frame itself underneath the barcode annotations
type CameraImage struct {
	Image     image.Image
	Rotation  int
	Flipped   bool
	Transform geom.Transform
}

// NewCameraImage creates the background annotation for a frame
func NewCameraImage(img image.Image, rotation int, flipped bool, t geom.Transform) *CameraImage {
	return &CameraImage{
		Image:     img,
		Rotation:  geom.NormalizeRotation(rotation),
		Flipped:   flipped,
		Transform: t,
	}
}

// Kind implements Annotation
func (c *CameraImage) Kind() string { return "camera_image" }

// Draw implements Annotation
func (c *CameraImage) Draw(dst *image.RGBA) {
	if c.Image == nil {
		return
	}
	b := c.Image.Bounds()
	full := geom.Rect{Right: float64(b.Dx()), Bottom: float64(b.Dy())}
	target := c.Transform.MapRect(full).ImageRect()
	if target.Empty() {
		return
	}

	upright := orient(c.Image, c.Rotation, c.Flipped)
	xdraw.ApproxBiLinear.Scale(dst, target, upright, upright.Bounds(), draw.Over, nil)
}

// orient rotates src clockwise by rotation degrees and mirrors it when flipped
func orient(src image.Image, rotation int, flipped bool) image.Image {
	if rotation == 0 && !flipped {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	ow, oh := geom.UprightSize(w, h, rotation)
	out := image.NewRGBA(image.Rect(0, 0, ow, oh))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var ux, uy int
			switch rotation {
			case 90:
				ux, uy = h-1-y, x
			case 180:
				ux, uy = w-1-x, h-1-y
			case 270:
				ux, uy = y, w-1-x
			default:
				ux, uy = x, y
			}
			if flipped {
				ux = ow - 1 - ux
			}
			out.Set(ux, uy, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}
