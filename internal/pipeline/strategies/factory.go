package strategies

import (
	"fmt"
	"strings"

	"scanbox/internal/pipeline"
)

// StrategyFactory creates focus gates based on configuration
type StrategyFactory struct{}

// NewStrategyFactory creates a new strategy factory
func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{}
}

// Create returns the focus gate for policy. An empty policy selects the
// center-point policy.
func (f *StrategyFactory) Create(policy pipeline.FocusPolicy, tolerance float64) (pipeline.FocusGate, error) {
	switch pipeline.FocusPolicy(strings.ToLower(string(policy))) {
	case "", pipeline.FocusPolicyCenter:
		return NewCenterStrategy(tolerance), nil

	case pipeline.FocusPolicyContain:
		return NewContainStrategy(tolerance), nil

	case pipeline.FocusPolicyOffset:
		return NewOffsetStrategy(tolerance), nil

	default:
		return nil, fmt.Errorf("unknown focus policy: %s", policy)
	}
}

// Policies lists the accepted policy names
func Policies() []pipeline.FocusPolicy {
	return []pipeline.FocusPolicy{
		pipeline.FocusPolicyCenter,
		pipeline.FocusPolicyContain,
		pipeline.FocusPolicyOffset,
	}
}

var (
	_ pipeline.FocusGate = (*CenterStrategy)(nil)
	_ pipeline.FocusGate = (*ContainStrategy)(nil)
	_ pipeline.FocusGate = (*OffsetStrategy)(nil)
)
