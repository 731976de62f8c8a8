package ws

import (
	"math"
	"sync"
	"sync/atomic"

	"scanbox/internal/geom"
	"scanbox/internal/overlay"
	"scanbox/internal/pipeline"
)

// ScanBroadcaster forwards scan and lifecycle events to the scans topic
type ScanBroadcaster struct {
	hub         *Hub
	scannerID   string
	unsubscribe []func()
}

// NewScanBroadcaster subscribes to bus
func NewScanBroadcaster(hub *Hub, bus *pipeline.EventBus, scannerID string) *ScanBroadcaster {
	b := &ScanBroadcaster{hub: hub, scannerID: scannerID}
	b.unsubscribe = append(b.unsubscribe,
		bus.OnScan(func(ev pipeline.ScanEvent) {
			hub.BroadcastJSON(TopicScans, NewScanMessage(scannerID, ev))
		}),
		bus.OnLifecycle(func(ev pipeline.LifecycleEvent) {
			hub.BroadcastJSON(TopicScans, NewStatusMessage(scannerID, ev))
		}),
	)
	return b
}

// Close unsubscribes from the bus
func (b *ScanBroadcaster) Close() {
	for _, fn := range b.unsubscribe {
		fn()
	}
	b.unsubscribe = nil
}

// OverlaySurface is a RenderSurface for remote viewers: each invalidation
// sends the overlay as JSON on the overlay topic. Sends coalesce like
// preview renders do.
type OverlaySurface struct {
	hub *Hub
	ov  *overlay.Overlay

	width  atomic.Int32
	height atomic.Int32
	side   atomic.Uint64 // float64 bits

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
	sent atomic.Uint64
}

// NewOverlaySurface starts the send loop. side is the focus box side
// reported to clients.
func NewOverlaySurface(hub *Hub, ov *overlay.Overlay, width, height int, side float64) *OverlaySurface {
	s := &OverlaySurface{
		hub:  hub,
		ov:   ov,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	s.Resize(width, height)
	s.SetFocusBoxSide(side)
	s.wg.Add(1)
	go s.run()
	return s
}

// Size implements pipeline.RenderSurface
func (s *OverlaySurface) Size() (int, int) {
	return int(s.width.Load()), int(s.height.Load())
}

// Resize sets the viewport size clients draw into
func (s *OverlaySurface) Resize(width, height int) {
	s.width.Store(int32(max(width, 0)))
	s.height.Store(int32(max(height, 0)))
}

// SetFocusBoxSide changes the focus box side reported to clients
func (s *OverlaySurface) SetFocusBoxSide(side float64) {
	s.side.Store(math.Float64bits(side))
}

// FocusBoxSide returns the focus box side reported to clients
func (s *OverlaySurface) FocusBoxSide() float64 {
	return math.Float64frombits(s.side.Load())
}

// Invalidate implements pipeline.RenderSurface
func (s *OverlaySurface) Invalidate() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Message builds the current overlay message
func (s *OverlaySurface) Message() *OverlayMessage {
	w, h := s.Size()
	var focus geom.Rect
	if w > 0 && h > 0 {
		focus = geom.FocusBox(w, h, s.FocusBoxSide())
	}
	return NewOverlayMessage(s.ov, w, h, focus)
}

// Sent returns the number of overlay messages produced
func (s *OverlaySurface) Sent() uint64 {
	return s.sent.Load()
}

// Close stops the send loop
func (s *OverlaySurface) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

func (s *OverlaySurface) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			if !s.hub.HasClients(TopicOverlay) {
				continue
			}
			s.hub.BroadcastJSON(TopicOverlay, s.Message())
			s.sent.Add(1)
		}
	}
}

var _ pipeline.RenderSurface = (*OverlaySurface)(nil)
