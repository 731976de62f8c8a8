// Package source turns cameras, snapshot endpoints and image directories
// into pipeline frames.
package source

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"scanbox/internal/pipeline"
)

// Stats counts what a source produced
type Stats struct {
	Name          string    `json:"name"`
	Running       bool      `json:"running"`
	Captured      uint64    `json:"captured"`
	DecodeErrors  uint64    `json:"decode_errors"`
	Released      uint64    `json:"released"`
	Restarts      uint64    `json:"restarts"`
	LastFrameTime time.Time `json:"last_frame_time"`
}

// Options shared by every source
type Options struct {
	Rotation int // Clockwise degrees needed to show frames upright
	FPS      int
	Logger   *zap.Logger
}

func (o Options) interval() time.Duration {
	fps := o.FPS
	if fps <= 0 {
		fps = 15
	}
	return time.Second / time.Duration(fps)
}

// capture holds the delivery plumbing common to all sources
type capture struct {
	name     string
	rotation int
	logger   *zap.Logger

	mu      sync.Mutex
	deliver func(*pipeline.Frame)
	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	captured     atomic.Uint64
	decodeErrors atomic.Uint64
	released     atomic.Uint64
	restarts     atomic.Uint64
	lastFrame    atomic.Int64
}

func newCapture(name string, opts Options) *capture {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &capture{
		name:     name,
		rotation: opts.Rotation,
		logger:   logger.Named("source").With(zap.String("source", name)),
	}
}

// begin records deliver and returns the stop channel for the capture loop
func (c *capture) begin(deliver func(*pipeline.Frame)) (<-chan struct{}, error) {
	if deliver == nil {
		return nil, fmt.Errorf("%s: deliver callback is required", c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil, fmt.Errorf("%s: already started", c.name)
	}
	c.deliver = deliver
	c.stop = make(chan struct{})
	c.running.Store(true)
	return c.stop, nil
}

// end signals the capture loop and waits for it
func (c *capture) end() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	c.wg.Wait()
	c.running.Store(false)
}

// Decode decodes one still image in any of the registered formats (JPEG,
// PNG, BMP, TIFF, WebP)
func Decode(data []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(data))
}

// emit decodes an encoded image and hands it to the pipeline
func (c *capture) emit(data []byte) {
	img, format, err := Decode(data)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Debug("Dropping undecodable frame", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	c.emitImage(img, format)
}

func (c *capture) emitImage(img image.Image, format string) {
	frame := pipeline.NewFrame(img, c.rotation, format, func() { c.released.Add(1) })
	seq := c.captured.Add(1)
	c.lastFrame.Store(frame.Timestamp.UnixNano())

	if seq%500 == 0 {
		c.logger.Debug("Capture progress", zap.Uint64("frames", seq), zap.Uint64("released", c.released.Load()))
	}
	c.deliver(frame)
}

func (c *capture) stats() Stats {
	s := Stats{
		Name:         c.name,
		Running:      c.running.Load(),
		Captured:     c.captured.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Released:     c.released.Load(),
		Restarts:     c.restarts.Load(),
	}
	if ns := c.lastFrame.Load(); ns != 0 {
		s.LastFrameTime = time.Unix(0, ns)
	}
	return s
}

// sleep waits d or until stop closes; false means stopped
func sleep(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
