package pipeline

import (
	"time"

	"github.com/kelindar/event"

	"scanbox/internal/geom"
)

// Event type constants for kelindar/event
const (
	TypeScan uint32 = iota + 1
	TypeCycle
	TypeLifecycle
)

// Event is implemented by everything published on the EventBus
type Event interface {
	Type() uint32
}

// ScanEvent is published for every barcode delivered to the scan handler
type ScanEvent struct {
	ID           string    `json:"id"`
	DisplayValue string    `json:"display_value"`
	RawValue     string    `json:"raw_value"`
	Format       Format    `json:"format"`
	Box          geom.Rect `json:"box"`       // Surface coordinates
	ImageBox     geom.Rect `json:"image_box"` // Raw frame coordinates
	FrameSeq     uint64    `json:"frame_seq"`
	ScannedAt    time.Time `json:"scanned_at"`
}

func (e ScanEvent) Type() uint32 { return TypeScan }

// CycleEvent is published after every detection cycle
type CycleEvent struct {
	FrameSeq  uint64        `json:"frame_seq"`
	Results   int           `json:"results"`
	Centered  int           `json:"centered"`
	Failed    bool          `json:"failed"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Submitted uint64        `json:"submitted"` // Frames submitted since the previous cycle
	Dropped   uint64        `json:"dropped"`   // Frames dropped since the previous cycle
}

func (e CycleEvent) Type() uint32 { return TypeCycle }

// LifecycleEvent is published on every state change
type LifecycleEvent struct {
	State    LifecycleState `json:"state"`
	Previous LifecycleState `json:"previous"`
	At       time.Time      `json:"at"`
}

func (e LifecycleEvent) Type() uint32 { return TypeLifecycle }

// EventBus wraps a kelindar/event dispatcher. Delivery is asynchronous; each
// subscriber receives its events in publish order.
type EventBus struct {
	dispatcher *event.Dispatcher
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish sends an event to all subscribers of its type
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case ScanEvent:
		event.Publish(b.dispatcher, e)
	case CycleEvent:
		event.Publish(b.dispatcher, e)
	case LifecycleEvent:
		event.Publish(b.dispatcher, e)
	}
}

// OnScan subscribes to scan events. Returns an unsubscribe function.
func (b *EventBus) OnScan(handler func(ScanEvent)) func() {
	return event.Subscribe(b.dispatcher, handler)
}

// OnCycle subscribes to detection cycle events
func (b *EventBus) OnCycle(handler func(CycleEvent)) func() {
	return event.Subscribe(b.dispatcher, handler)
}

// OnLifecycle subscribes to lifecycle events
func (b *EventBus) OnLifecycle(handler func(LifecycleEvent)) func() {
	return event.Subscribe(b.dispatcher, handler)
}
