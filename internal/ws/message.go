package ws

import (
	"time"

	"scanbox/internal/geom"
	"scanbox/internal/overlay"
	"scanbox/internal/pipeline"
)

// Topics a client can subscribe to
const (
	TopicScans   = "scans"
	TopicOverlay = "overlay"
)

// ScanMessage announces a barcode delivered to the scan handler
type ScanMessage struct {
	Type         string          `json:"type"` // "scan"
	ScannerID    string          `json:"scanner_id"`
	ID           string          `json:"id"`
	DisplayValue string          `json:"display_value"`
	RawValue     string          `json:"raw_value"`
	Format       pipeline.Format `json:"format"`
	Box          geom.Rect       `json:"box"`
	FrameSeq     uint64          `json:"frame_seq"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewScanMessage converts a scan event
func NewScanMessage(scannerID string, ev pipeline.ScanEvent) *ScanMessage {
	return &ScanMessage{
		Type:         "scan",
		ScannerID:    scannerID,
		ID:           ev.ID,
		DisplayValue: ev.DisplayValue,
		RawValue:     ev.RawValue,
		Format:       ev.Format,
		Box:          ev.Box,
		FrameSeq:     ev.FrameSeq,
		Timestamp:    ev.ScannedAt,
	}
}

// StatusMessage announces a lifecycle change
type StatusMessage struct {
	Type      string                  `json:"type"` // "status"
	ScannerID string                  `json:"scanner_id"`
	State     pipeline.LifecycleState `json:"state"`
	Previous  pipeline.LifecycleState `json:"previous"`
	Timestamp time.Time               `json:"timestamp"`
}

// NewStatusMessage converts a lifecycle event
func NewStatusMessage(scannerID string, ev pipeline.LifecycleEvent) *StatusMessage {
	return &StatusMessage{
		Type:      "status",
		ScannerID: scannerID,
		State:     ev.State,
		Previous:  ev.Previous,
		Timestamp: ev.At,
	}
}

// OverlayMessage carries the vector form of the overlay so browsers can draw
// it over their own video element
type OverlayMessage struct {
	Type     string        `json:"type"` // "overlay"
	Version  uint64        `json:"version"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	FocusBox geom.Rect     `json:"focus_box"`
	Items    []OverlayItem `json:"items"`
}

// OverlayItem is one annotation. Camera images are sent without pixels.
type OverlayItem struct {
	Kind       string     `json:"kind"`
	Box        *geom.Rect `json:"box,omitempty"`
	Value      string     `json:"value,omitempty"`
	InFocus    bool       `json:"in_focus,omitempty"`
	DrawRect   bool       `json:"draw_rect,omitempty"`
	DrawBanner bool       `json:"draw_banner,omitempty"`
}

// NewOverlayMessage snapshots ov
func NewOverlayMessage(ov *overlay.Overlay, width, height int, focusBox geom.Rect) *OverlayMessage {
	msg := &OverlayMessage{
		Type:     "overlay",
		Width:    width,
		Height:   height,
		FocusBox: focusBox,
		Items:    make([]OverlayItem, 0),
	}
	if ov == nil {
		return msg
	}

	msg.Version = ov.Version()
	for _, a := range ov.Snapshot() {
		item := OverlayItem{Kind: a.Kind()}
		if b, ok := a.(*overlay.Barcode); ok {
			box := b.Box
			item.Box = &box
			item.Value = b.Value
			item.InFocus = b.InFocus
			item.DrawRect = b.DrawRect
			item.DrawBanner = b.DrawBanner
		}
		msg.Items = append(msg.Items, item)
	}
	return msg
}
