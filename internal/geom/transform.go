package geom

// Transform maps rectangles from raw frame coordinates into the coordinate
// space of a render surface. The frame is first rotated upright, then scaled
// to fill the view with the overflow cropped evenly on both sides, then
// optionally mirrored horizontally.
type Transform struct {
	rawWidth  float64
	rawHeight float64
	rotation  int

	scale   float64
	offsetX float64
	offsetY float64
	viewW   float64
	flipped bool
}

// NewTransform builds the mapping for a raw frame of rawWidth x rawHeight,
// rotated clockwise by rotation degrees, shown on a viewWidth x viewHeight
// surface. A zero view size means the surface has not been measured yet; the
// upright frame size is used in its place.
func NewTransform(rawWidth, rawHeight, rotation, viewWidth, viewHeight int, flipped bool) Transform {
	t := Transform{
		rawWidth:  float64(rawWidth),
		rawHeight: float64(rawHeight),
		rotation:  NormalizeRotation(rotation),
		flipped:   flipped,
		scale:     1,
	}

	imgW, imgH := UprightSize(rawWidth, rawHeight, t.rotation)
	if viewWidth <= 0 || viewHeight <= 0 {
		viewWidth, viewHeight = imgW, imgH
	}
	t.viewW = float64(viewWidth)
	if imgW <= 0 || imgH <= 0 {
		return t
	}

	viewAspect := float64(viewWidth) / float64(viewHeight)
	imageAspect := float64(imgW) / float64(imgH)
	if viewAspect > imageAspect {
		// image is taller than the view: fit width, crop top and bottom
		t.scale = float64(viewWidth) / float64(imgW)
		t.offsetY = (float64(viewWidth)/imageAspect - float64(viewHeight)) / 2
	} else {
		t.scale = float64(viewHeight) / float64(imgH)
		t.offsetX = (float64(viewHeight)*imageAspect - float64(viewWidth)) / 2
	}
	return t
}

// Scale returns the image-to-view scale factor
func (t Transform) Scale() float64 { return t.scale }

// Rotation returns the normalized rotation in degrees
func (t Transform) Rotation() int { return t.rotation }

// MapPoint maps a raw frame point into view space
func (t Transform) MapPoint(x, y float64) (float64, float64) {
	ux, uy := t.upright(x, y)
	vx := ux*t.scale - t.offsetX
	vy := uy*t.scale - t.offsetY
	if t.flipped {
		vx = t.viewW - vx
	}
	return vx, vy
}

// MapRect maps a raw frame rectangle into view space. The result is
// normalized so Left <= Right even when the view is mirrored.
func (t Transform) MapRect(r Rect) Rect {
	x1, y1 := t.MapPoint(r.Left, r.Top)
	x2, y2 := t.MapPoint(r.Right, r.Bottom)
	return Rect{Left: x1, Top: y1, Right: x2, Bottom: y2}.Canon()
}

func (t Transform) upright(x, y float64) (float64, float64) {
	switch t.rotation {
	case 90:
		return t.rawHeight - y, x
	case 180:
		return t.rawWidth - x, t.rawHeight - y
	case 270:
		return y, t.rawWidth - x
	default:
		return x, y
	}
}

// NormalizeRotation folds any multiple of 90 into 0, 90, 180 or 270.
// Values that are not multiples of 90 are treated as 0.
func NormalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	switch deg {
	case 90, 180, 270:
		return deg
	default:
		return 0
	}
}

// UprightSize returns the frame dimensions after rotation
func UprightSize(width, height, rotation int) (int, int) {
	switch NormalizeRotation(rotation) {
	case 90, 270:
		return height, width
	default:
		return width, height
	}
}
