package strategies

import (
	"scanbox/internal/geom"
	"scanbox/internal/pipeline"
)

// OffsetStrategy keeps the tolerance formula of the first scanner app release
// for deployments tuned against it. The left and bottom tests subtract the
// box's own width and height, so wide or tall barcodes are judged more
// leniently on the left and more strictly at the bottom.
type OffsetStrategy struct {
	offset float64
}

// NewOffsetStrategy creates the legacy offset focus policy
func NewOffsetStrategy(offset float64) *OffsetStrategy {
	return &OffsetStrategy{offset: offset}
}

func (s *OffsetStrategy) Name() string {
	return string(pipeline.FocusPolicyOffset)
}

func (s *OffsetStrategy) IsCentered(focusBox, box geom.Rect) bool {
	t := box.Canon()
	return focusBox.Left < t.Left-t.Width()+s.offset &&
		t.Right < focusBox.Right+s.offset &&
		focusBox.Top < t.Top+s.offset &&
		focusBox.Bottom > t.Bottom+t.Height()-s.offset
}
