package strategies

import (
	"scanbox/internal/geom"
	"scanbox/internal/pipeline"
)

// ContainStrategy accepts a barcode only when every edge lies strictly inside
// the focus box grown by tolerance pixels. Edges are exclusive, so a box equal
// to the focus box is rejected at zero tolerance.
type ContainStrategy struct {
	tolerance float64
}

// NewContainStrategy creates the strict containment focus policy
func NewContainStrategy(tolerance float64) *ContainStrategy {
	return &ContainStrategy{tolerance: tolerance}
}

func (s *ContainStrategy) Name() string {
	return string(pipeline.FocusPolicyContain)
}

func (s *ContainStrategy) IsCentered(focusBox, box geom.Rect) bool {
	zone := focusBox.Grow(s.tolerance)
	t := box.Canon()
	return zone.Left < t.Left && t.Right < zone.Right &&
		zone.Top < t.Top && t.Bottom < zone.Bottom
}
