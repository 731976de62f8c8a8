package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"scanbox/internal/overlay"
	"scanbox/internal/pipeline"
)

// clientBuffer is the number of frames queued per MJPEG client before it starts dropping
const clientBuffer = 5

// Background fills the preview where no camera image is drawn
var Background = color.RGBA{R: 16, G: 16, B: 16, A: 255}

// PreviewOptions configures a Preview
type PreviewOptions struct {
	Width   int
	Height  int
	Quality int // JPEG quality 1..100
	Logger  *zap.Logger
}

// Preview is a RenderSurface that rasterizes the overlay into JPEG frames
// and streams them as MJPEG. Invalidate only schedules a render, so bursts
// of invalidations coalesce into one encode.
type Preview struct {
	ov      *overlay.Overlay
	quality int
	logger  *zap.Logger

	width  atomic.Int32
	height atomic.Int32

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	frameMu      sync.RWMutex
	currentFrame []byte
	frameSeq     uint64

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	rendered atomic.Uint64
	dropped  atomic.Uint64
}

// NewPreview creates the preview and starts its render loop
func NewPreview(ov *overlay.Overlay, opts PreviewOptions) *Preview {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Preview{
		ov:      ov,
		quality: opts.Quality,
		logger:  logger.Named("preview"),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		clients: make(map[chan []byte]struct{}),
	}
	p.Resize(opts.Width, opts.Height)

	p.wg.Add(1)
	go p.run()
	return p
}

// Size implements pipeline.RenderSurface
func (p *Preview) Size() (int, int) {
	return int(p.width.Load()), int(p.height.Load())
}

// Resize changes the preview size; the next cycle recomputes the focus box from it
func (p *Preview) Resize(width, height int) {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	p.width.Store(int32(width))
	p.height.Store(int32(height))
	p.Invalidate()
}

// Invalidate implements pipeline.RenderSurface
func (p *Preview) Invalidate() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops the render loop and disconnects all clients
func (p *Preview) Close() {
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()

		p.clientsMu.Lock()
		for ch := range p.clients {
			close(ch)
			delete(p.clients, ch)
		}
		p.clientsMu.Unlock()
	})
}

func (p *Preview) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
			frame, err := p.render()
			if err != nil {
				p.logger.Warn("Preview render failed", zap.Error(err))
				continue
			}
			if frame != nil {
				p.publish(frame)
			}
		}
	}
}

// render draws the overlay on a fresh canvas. A zero size renders nothing.
func (p *Preview) render() ([]byte, error) {
	w, h := p.Size()
	if w == 0 || h == 0 {
		return nil, nil
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)
	if p.ov != nil {
		p.ov.Render(canvas)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, err
	}
	p.rendered.Add(1)
	return buf.Bytes(), nil
}

func (p *Preview) publish(frame []byte) {
	p.frameMu.Lock()
	p.currentFrame = frame
	p.frameSeq++
	seq := p.frameSeq
	p.frameMu.Unlock()

	p.clientsMu.RLock()
	for ch := range p.clients {
		select {
		case ch <- frame:
		default:
			// slow client, skip frame
			p.dropped.Add(1)
		}
	}
	clients := len(p.clients)
	p.clientsMu.RUnlock()

	if seq%100 == 0 {
		p.logger.Debug("Preview frames", zap.Uint64("seq", seq), zap.Int("clients", clients))
	}
}

// CurrentFrame returns the last rendered JPEG, or nil before the first render
func (p *Preview) CurrentFrame() ([]byte, uint64) {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.currentFrame, p.frameSeq
}

// Clients returns the number of connected stream clients
func (p *Preview) Clients() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

func (p *Preview) subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	p.clientsMu.Lock()
	select {
	case <-p.stop:
		close(ch)
	default:
		p.clients[ch] = struct{}{}
	}
	p.clientsMu.Unlock()
	return ch
}

func (p *Preview) unsubscribe(ch chan []byte) {
	p.clientsMu.Lock()
	delete(p.clients, ch)
	p.clientsMu.Unlock()
}

// ServeHTTP streams the preview as multipart/x-mixed-replace
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := p.subscribe()
	defer p.unsubscribe(ch)

	p.logger.Debug("Client connected", zap.String("remote", r.RemoteAddr))

	// start with the last frame so a paused scanner still shows something
	if frame, _ := p.CurrentFrame(); frame != nil {
		if err := writePart(w, frame); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			p.logger.Debug("Client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// SnapshotHandler serves the current preview frame as a single JPEG
type SnapshotHandler struct {
	preview *Preview
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(preview *Preview) *SnapshotHandler {
	return &SnapshotHandler{preview: preview}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, seq := h.preview.CurrentFrame()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(frame)
}

var _ pipeline.RenderSurface = (*Preview)(nil)
