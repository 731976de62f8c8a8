package pipeline

import (
	"sync"
)

// SurfaceBridge fans redraw requests out to several render surfaces.
// The first surface that reports a measured size defines the geometry.
type SurfaceBridge struct {
	surfaces []RenderSurface
	mu       sync.RWMutex
}

// NewSurfaceBridge creates a bridge over the given surfaces
func NewSurfaceBridge(surfaces ...RenderSurface) *SurfaceBridge {
	b := &SurfaceBridge{}
	for _, s := range surfaces {
		b.AddSurface(s)
	}
	return b
}

// AddSurface adds a render surface to the bridge
func (b *SurfaceBridge) AddSurface(surface RenderSurface) {
	if surface == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.surfaces = append(b.surfaces, surface)
}

// Size implements RenderSurface
func (b *SurfaceBridge) Size() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.surfaces {
		if w, h := s.Size(); w > 0 && h > 0 {
			return w, h
		}
	}
	return 0, 0
}

// Invalidate implements RenderSurface
func (b *SurfaceBridge) Invalidate() {
	b.mu.RLock()
	surfaces := b.surfaces
	b.mu.RUnlock()

	for _, s := range surfaces {
		s.Invalidate()
	}
}

// Len returns the number of surfaces
func (b *SurfaceBridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.surfaces)
}

// Ensure SurfaceBridge implements RenderSurface
var _ RenderSurface = (*SurfaceBridge)(nil)
