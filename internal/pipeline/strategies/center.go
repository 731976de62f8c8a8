package strategies

import (
	"scanbox/internal/geom"
	"scanbox/internal/pipeline"
)

// CenterStrategy accepts a barcode when its center point lies inside the
// focus box grown by tolerance pixels on every side (negative shrinks).
// Edges are inclusive, so a box equal to the focus box is accepted.
type CenterStrategy struct {
	tolerance float64
}

// NewCenterStrategy creates the center-point focus policy
func NewCenterStrategy(tolerance float64) *CenterStrategy {
	return &CenterStrategy{tolerance: tolerance}
}

func (s *CenterStrategy) Name() string {
	return string(pipeline.FocusPolicyCenter)
}

func (s *CenterStrategy) IsCentered(focusBox, box geom.Rect) bool {
	zone := focusBox.Grow(s.tolerance)
	if zone.Empty() {
		return false
	}
	cx, cy := box.Canon().Center()
	return zone.ContainsPoint(cx, cy)
}
