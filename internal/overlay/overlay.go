package overlay

import (
	"image"
	"sync"
)

// Annotation is a drawable overlay element, in surface coordinates
type Annotation interface {
	// Kind returns the annotation type ("camera_image", "barcode")
	Kind() string

	// Draw renders the annotation onto dst
	Draw(dst *image.RGBA)
}

// Overlay is the ordered list of annotations shown on top of the preview.
// It is rebuilt from scratch after every detection cycle and read concurrently
// by render surfaces.
type Overlay struct {
	mu      sync.RWMutex
	items   []Annotation
	version uint64
}

// New creates an empty overlay
func New() *Overlay {
	return &Overlay{}
}

// Clear removes every annotation
func (o *Overlay) Clear() {
	o.mu.Lock()
	o.items = nil
	o.version++
	o.mu.Unlock()
}

// Add appends an annotation
func (o *Overlay) Add(a Annotation) {
	if a == nil {
		return
	}
	o.mu.Lock()
	o.items = append(o.items, a)
	o.version++
	o.mu.Unlock()
}

// Replace clears the overlay and adds items in one step, so readers never see
// a half-built overlay.
func (o *Overlay) Replace(items ...Annotation) {
	next := make([]Annotation, 0, len(items))
	for _, a := range items {
		if a != nil {
			next = append(next, a)
		}
	}
	o.mu.Lock()
	o.items = next
	o.version++
	o.mu.Unlock()
}

// Len returns the number of annotations
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Version increases on every mutation
func (o *Overlay) Version() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// Snapshot returns a copy of the current annotations
func (o *Overlay) Snapshot() []Annotation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Annotation, len(o.items))
	copy(out, o.items)
	return out
}

// Range calls fn for each annotation in order until fn returns false
func (o *Overlay) Range(fn func(i int, a Annotation) bool) {
	for i, a := range o.Snapshot() {
		if !fn(i, a) {
			return
		}
	}
}

// Render draws every annotation onto dst in order
func (o *Overlay) Render(dst *image.RGBA) {
	o.Range(func(_ int, a Annotation) bool {
		a.Draw(dst)
		return true
	})
}
