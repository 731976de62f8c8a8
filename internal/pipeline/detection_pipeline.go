package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scanbox/internal/geom"
	"scanbox/internal/overlay"
)

// Deps are the collaborators of a Pipeline
type Deps struct {
	Detectors DetectorFactory  // Required
	Gate      FocusGate        // Required
	Surface   RenderSurface    // Optional, defaults to a surface that draws nothing
	Handler   ScanHandler      // Optional
	Overlay   *overlay.Overlay // Optional, created when nil
	Events    *EventBus        // Optional
	Logger    *zap.Logger      // Optional
}

// Pipeline drives the detect -> render -> fetch-next cycle for one frame
// source. Frames are buffered in a FrameBuffer so at most one frame is being
// detected while newer frames overwrite each other.
//
// All overlay and buffer promotion work happens on a single loop goroutine.
// Detection runs on its own goroutine so OnFrameAvailable never blocks.
type Pipeline struct {
	cfg     Config
	formats []Format
	factory DetectorFactory
	gate    FocusGate
	surface RenderSurface
	handler ScanHandler
	overlay *overlay.Overlay
	events  *EventBus
	logger  *zap.Logger

	buffer *FrameBuffer

	mu           sync.Mutex
	state        LifecycleState
	gen          uint64
	lease        *detectorLease
	detectCtx    context.Context
	detectCancel context.CancelFunc
	counters     Stats
	lastBuffer   BufferStats

	wake     chan struct{}
	outcomes chan outcome
	done     chan struct{}
	loopDone chan struct{}
}

// detectorLease tracks a detector so it is never closed while Detect runs
type detectorLease struct {
	det     Detector
	running int
	retired bool
	closed  bool
}

type outcome struct {
	gen      uint64
	frame    *Frame
	results  []DetectedBarcode
	err      error
	duration time.Duration
}

// New acquires a detector and starts the pipeline in the Active state.
// Failure to acquire the detector returns ErrResourceUnavailable.
func New(ctx context.Context, cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Detectors == nil {
		return nil, errors.New("detector factory is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("focus gate is required")
	}
	if cfg.FocusBoxSide <= 0 {
		return nil, fmt.Errorf("focus box side must be positive, got %v", cfg.FocusBoxSide)
	}

	p := &Pipeline{
		cfg:      cfg,
		formats:  ExpandFormats(cfg.SupportedFormats),
		factory:  deps.Detectors,
		gate:     deps.Gate,
		surface:  deps.Surface,
		handler:  deps.Handler,
		overlay:  deps.Overlay,
		events:   deps.Events,
		logger:   deps.Logger,
		buffer:   NewFrameBuffer(),
		wake:     make(chan struct{}, 1),
		outcomes: make(chan outcome),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if p.surface == nil {
		p.surface = nopSurface{}
	}
	if p.overlay == nil {
		p.overlay = overlay.New()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("pipeline")

	det, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	p.lease = &detectorLease{det: det}
	p.detectCtx, p.detectCancel = context.WithCancel(context.Background())
	p.state = StateActive

	go p.run()

	p.logger.Info("pipeline started",
		zap.String("detector", det.Name()),
		zap.String("focus_policy", p.gate.Name()),
		zap.Float64("focus_box_side", cfg.FocusBoxSide),
		zap.Int("formats", len(p.formats)))
	return p, nil
}

func (p *Pipeline) acquire(ctx context.Context) (Detector, error) {
	det, err := p.factory(ctx, p.formats)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}
	if det == nil {
		return nil, fmt.Errorf("%w: factory returned no detector", ErrResourceUnavailable)
	}
	return det, nil
}

// OnFrameAvailable hands a frame to the pipeline. It never blocks. Frames
// offered while the pipeline is not active are released immediately.
func (p *Pipeline) OnFrameAvailable(frame *Frame) {
	if frame == nil {
		return
	}

	p.mu.Lock()
	if p.state != StateActive {
		p.counters.Ignored++
		p.mu.Unlock()
		frame.Release()
		return
	}
	ready := p.buffer.Submit(frame)
	p.mu.Unlock()

	if ready {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Overlay returns the overlay rebuilt after every detection cycle
func (p *Pipeline) Overlay() *overlay.Overlay {
	return p.overlay
}

// State returns the current lifecycle state
func (p *Pipeline) State() LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	s := p.counters
	s.State = p.state
	p.mu.Unlock()
	s.Buffer = p.buffer.Stats()
	return s
}

// Done is closed once the pipeline loop has exited after Stop
func (p *Pipeline) Done() <-chan struct{} {
	return p.loopDone
}

// Pause releases the detector and empties the frame buffer. A detection in
// progress finishes without rendering or callbacks. Pausing a paused pipeline
// is a no-op.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	switch p.state {
	case StateStopped:
		p.mu.Unlock()
		return ErrStopped
	case StatePaused:
		p.mu.Unlock()
		return nil
	}
	closeDet := p.shutdownLocked(StatePaused)
	p.mu.Unlock()

	p.publishLifecycle(StatePaused, StateActive)
	p.logger.Info("pipeline paused")
	return p.closeDetector(closeDet)
}

// Resume re-acquires a detector and returns the pipeline to Active with an
// empty frame buffer.
func (p *Pipeline) Resume(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateStopped:
		p.mu.Unlock()
		return ErrStopped
	case StateActive:
		p.mu.Unlock()
		return ErrNotPaused
	}
	p.mu.Unlock()

	det, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != StatePaused {
		state := p.state
		p.mu.Unlock()
		det.Close()
		if state == StateStopped {
			return ErrStopped
		}
		return ErrNotPaused
	}
	p.gen++
	p.lease = &detectorLease{det: det}
	p.detectCtx, p.detectCancel = context.WithCancel(context.Background())
	p.buffer.Reset()
	p.lastBuffer = p.buffer.Stats()
	p.state = StateActive
	p.mu.Unlock()

	p.publishLifecycle(StateActive, StatePaused)
	p.logger.Info("pipeline resumed", zap.String("detector", det.Name()))
	return nil
}

// Stop moves the pipeline to the terminal Stopped state and releases the
// detector. Safe to call more than once and from inside the scan handler.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	prev := p.state
	closeDet := p.shutdownLocked(StateStopped)
	close(p.done)
	p.mu.Unlock()

	p.publishLifecycle(StateStopped, prev)
	p.logger.Info("pipeline stopped")
	return p.closeDetector(closeDet)
}

// shutdownLocked invalidates the current generation and retires the detector.
// Returns the detector when it must be closed by the caller.
func (p *Pipeline) shutdownLocked(next LifecycleState) Detector {
	p.state = next
	p.gen++
	if p.detectCancel != nil {
		p.detectCancel()
		p.detectCancel = nil
	}
	p.buffer.Reset()

	lease := p.lease
	p.lease = nil
	if lease == nil {
		return nil
	}
	lease.retired = true
	if lease.running == 0 && !lease.closed {
		lease.closed = true
		return lease.det
	}
	// closed by the detection goroutine once Detect returns
	return nil
}

func (p *Pipeline) closeDetector(det Detector) error {
	if det == nil {
		return nil
	}
	if err := det.Close(); err != nil {
		p.logger.Warn("failed to close detector", zap.String("detector", det.Name()), zap.Error(err))
		return fmt.Errorf("close detector %s: %w", det.Name(), err)
	}
	return nil
}

func (p *Pipeline) publishLifecycle(state, prev LifecycleState) {
	p.events.Publish(LifecycleEvent{State: state, Previous: prev, At: time.Now()})
}

// run is the main processing loop
func (p *Pipeline) run() {
	defer close(p.loopDone)

	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
			p.dispatch()
		case o := <-p.outcomes:
			p.complete(o)
		}
	}
}

// dispatch starts a detection when idle and a frame is waiting
func (p *Pipeline) dispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateActive {
		return
	}
	p.startLocked(p.buffer.PromoteNext())
}

func (p *Pipeline) startLocked(frame *Frame) {
	if frame == nil {
		return
	}
	lease := p.lease
	lease.running++
	go p.detect(p.detectCtx, p.gen, lease, frame)
}

// detect runs on its own goroutine and reports back to the loop
func (p *Pipeline) detect(ctx context.Context, gen uint64, lease *detectorLease, frame *Frame) {
	start := time.Now()
	results, err := p.runDetector(ctx, lease.det, frame)
	frame.Release()
	elapsed := time.Since(start)

	p.mu.Lock()
	lease.running--
	closeNow := lease.retired && lease.running == 0 && !lease.closed
	if closeNow {
		lease.closed = true
	}
	p.mu.Unlock()
	if closeNow {
		p.closeDetector(lease.det)
	}

	select {
	case p.outcomes <- outcome{gen: gen, frame: frame, results: results, err: err, duration: elapsed}:
	case <-p.done:
	}
}

func (p *Pipeline) runDetector(ctx context.Context, det Detector, frame *Frame) (results []DetectedBarcode, err error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector %s panicked: %v", det.Name(), r)
		}
	}()
	return det.Detect(ctx, frame)
}

// complete renders a detection outcome, delivers callbacks and moves on to
// the next buffered frame
func (p *Pipeline) complete(o outcome) {
	if !p.isCurrent(o.gen) {
		return
	}

	var (
		scans    []ScanEvent
		centered int
	)

	if o.err != nil {
		p.mu.Lock()
		if o.gen != p.gen {
			p.mu.Unlock()
			return
		}
		p.overlay.Clear()
		p.surface.Invalidate()
		p.counters.Failures++
		p.mu.Unlock()

		p.logger.Debug("detection failed", zap.Uint64("frame_seq", o.frame.Seq), zap.Error(o.err))
	} else {
		items, accepted := p.render(o.frame, o.results)
		scans = accepted

		p.mu.Lock()
		if o.gen != p.gen {
			p.mu.Unlock()
			return
		}
		p.overlay.Replace(items...)
		p.surface.Invalidate()
		p.mu.Unlock()

		for _, scan := range scans {
			if !p.isCurrent(o.gen) {
				return
			}
			centered++
			if p.handler != nil {
				p.handler.OnNewBarcodeScanned(scan.DisplayValue, scan.RawValue)
			}
			p.events.Publish(scan)

			p.mu.Lock()
			p.counters.Callbacks++
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	if o.gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.counters.Cycles++
	buf := p.buffer.Stats()
	ev := CycleEvent{
		FrameSeq:  o.frame.Seq,
		Results:   len(o.results),
		Centered:  centered,
		Failed:    o.err != nil,
		Duration:  o.duration,
		Submitted: buf.Submitted - p.lastBuffer.Submitted,
		Dropped:   buf.Dropped - p.lastBuffer.Dropped,
	}
	if o.err != nil {
		ev.Error = o.err.Error()
	}
	p.lastBuffer = buf
	p.startLocked(p.buffer.CompleteInFlight())
	p.mu.Unlock()

	p.events.Publish(ev)
}

// render builds the overlay for one frame and returns the barcodes accepted by
// the focus gate. The focus box is recomputed from the surface size every
// time since the surface may be resized between frames.
func (p *Pipeline) render(frame *Frame, results []DetectedBarcode) ([]overlay.Annotation, []ScanEvent) {
	viewW, viewH := p.surface.Size()
	if viewW <= 0 || viewH <= 0 {
		viewW, viewH = frame.UprightSize()
	}
	transform := geom.NewTransform(frame.Width, frame.Height, frame.RotationDegrees, viewW, viewH, p.cfg.Flipped)
	focusBox := geom.FocusBox(viewW, viewH, p.cfg.FocusBoxSide)

	items := make([]overlay.Annotation, 0, len(results)+1)
	if p.cfg.ShowCameraImage && frame.Image != nil {
		items = append(items, overlay.NewCameraImage(frame.Image, frame.RotationDegrees, p.cfg.Flipped, transform))
	}

	var scans []ScanEvent
	now := time.Now()
	for _, b := range results {
		box := transform.MapRect(b.BoundingBox)
		inFocus := p.gate.IsCentered(focusBox, box)

		label := b.DisplayValue
		if label == "" {
			label = b.RawValue
		}
		items = append(items, &overlay.Barcode{
			Box:        box,
			Value:      label,
			InFocus:    inFocus,
			DrawRect:   p.cfg.DrawOverlayRectangle,
			DrawBanner: p.cfg.DrawValueBanner,
		})

		if inFocus && b.HasValues() {
			scans = append(scans, ScanEvent{
				ID:           uuid.NewString(),
				DisplayValue: b.DisplayValue,
				RawValue:     b.RawValue,
				Format:       b.Format,
				Box:          box,
				ImageBox:     b.BoundingBox,
				FrameSeq:     frame.Seq,
				ScannedAt:    now,
			})
		}
	}
	return items, scans
}

func (p *Pipeline) isCurrent(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateActive && p.gen == gen
}
