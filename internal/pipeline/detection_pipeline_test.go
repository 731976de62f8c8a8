package pipeline_test

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scanbox/internal/geom"
	"scanbox/internal/overlay"
	"scanbox/internal/pipeline"
	"scanbox/internal/pipeline/strategies"
)

const waitFor = 2 * time.Second

// centeredBox is exactly centered in a 480x640 frame
var centeredBox = geom.Rect{Left: 200, Top: 280, Right: 280, Bottom: 360}

type response struct {
	results []pipeline.DetectedBarcode
	err     error
}

// fakeDetector returns scripted responses. When gate is set every Detect call
// waits for a token before returning.
type fakeDetector struct {
	mu        sync.Mutex
	responses []response
	gate      chan struct{}
	started   chan uint64

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Bool
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.DetectedBarcode, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		max := d.maxInFlight.Load()
		if n <= max || d.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	d.calls.Add(1)

	if d.started != nil {
		d.started <- frame.Seq
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.responses) == 0 {
		return nil, nil
	}
	r := d.responses[0]
	if len(d.responses) > 1 {
		d.responses = d.responses[1:]
	}
	return r.results, r.err
}

func (d *fakeDetector) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeSurface struct {
	mu          sync.Mutex
	w, h        int
	invalidated atomic.Int32
}

func (s *fakeSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

func (s *fakeSurface) Invalidate() { s.invalidated.Add(1) }

type scan struct{ display, raw string }

type recorder struct {
	mu    sync.Mutex
	scans []scan
}

func (r *recorder) OnNewBarcodeScanned(display, raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, scan{display, raw})
}

func (r *recorder) get() []scan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scan(nil), r.scans...)
}

type harness struct {
	p         *pipeline.Pipeline
	surface   *fakeSurface
	handler   *recorder
	detectors []*fakeDetector
	mu        sync.Mutex
}

func (h *harness) detector(i int) *fakeDetector {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detectors[i]
}

func (h *harness) acquired() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.detectors)
}

// newHarness starts a pipeline whose factory hands out newDet() on every acquire
func newHarness(t *testing.T, cfg pipeline.Config, newDet func() *fakeDetector) *harness {
	t.Helper()
	h := &harness{
		surface: &fakeSurface{w: 480, h: 640},
		handler: &recorder{},
	}
	gate, err := strategies.NewStrategyFactory().Create(pipeline.FocusPolicyCenter, 0)
	require.NoError(t, err)

	factory := func(ctx context.Context, formats []pipeline.Format) (pipeline.Detector, error) {
		d := newDet()
		h.mu.Lock()
		h.detectors = append(h.detectors, d)
		h.mu.Unlock()
		return d, nil
	}

	p, err := pipeline.New(context.Background(), cfg, pipeline.Deps{
		Detectors: factory,
		Gate:      gate,
		Surface:   h.surface,
		Handler:   h.handler,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop() })
	h.p = p
	return h
}

func newFrame(w, h int, released *atomic.Int32) *pipeline.Frame {
	return pipeline.NewFrame(image.NewGray(image.Rect(0, 0, w, h)), 0, "gray", func() {
		if released != nil {
			released.Add(1)
		}
	})
}

func barcode(box geom.Rect, display, raw string) pipeline.DetectedBarcode {
	return pipeline.DetectedBarcode{BoundingBox: box, DisplayValue: display, RawValue: raw, Format: pipeline.FormatQRCode}
}

func waitCycles(t *testing.T, p *pipeline.Pipeline, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Cycles >= n }, waitFor, time.Millisecond)
}

func TestEndToEndCenteredBarcode(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	h := newHarness(t, cfg, func() *fakeDetector {
		return &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{
			barcode(centeredBox, "ABC", "raw-ABC"),
		}}}}
	})

	var released atomic.Int32
	h.p.OnFrameAvailable(newFrame(480, 640, &released))
	waitCycles(t, h.p, 1)

	assert.Equal(t, []scan{{"ABC", "raw-ABC"}}, h.handler.get())
	assert.Equal(t, 2, h.p.Overlay().Len(), "camera image + one barcode")

	items := h.p.Overlay().Snapshot()
	assert.Equal(t, "camera_image", items[0].Kind())
	bc := items[1].(*overlay.Barcode)
	assert.True(t, bc.InFocus)
	assert.Equal(t, centeredBox, bc.Box)

	assert.Equal(t, int32(1), released.Load(), "frame released after detection")
	assert.GreaterOrEqual(t, h.surface.invalidated.Load(), int32(1))
	assert.Equal(t, uint64(1), h.p.Stats().Callbacks)
}

func TestCallbackGating(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.ShowCameraImage = false
	h := newHarness(t, cfg, func() *fakeDetector {
		return &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{
			barcode(centeredBox, "no-raw", ""),
			barcode(centeredBox, "", "no-display"),
			barcode(geom.Rect{Left: 0, Top: 0, Right: 40, Bottom: 40}, "corner", "raw-corner"),
			barcode(centeredBox, "ok", "raw-ok"),
		}}}}
	})

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 1)

	assert.Equal(t, []scan{{"ok", "raw-ok"}}, h.handler.get())
	require.Equal(t, 4, h.p.Overlay().Len(), "every result is annotated")

	var inFocus []bool
	h.p.Overlay().Range(func(_ int, a overlay.Annotation) bool {
		inFocus = append(inFocus, a.(*overlay.Barcode).InFocus)
		return true
	})
	assert.Equal(t, []bool{true, true, false, true}, inFocus)
}

func TestOverlayRebuiltEachCycle(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	h := newHarness(t, cfg, func() *fakeDetector {
		return &fakeDetector{responses: []response{
			{results: []pipeline.DetectedBarcode{
				barcode(centeredBox, "a", "a"),
				barcode(geom.Rect{Left: 0, Top: 0, Right: 40, Bottom: 40}, "b", "b"),
			}},
			{results: []pipeline.DetectedBarcode{barcode(centeredBox, "c", "c")}},
			{err: errors.New("engine hiccup")},
			{results: nil},
		}}
	})

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 1)
	assert.Equal(t, 3, h.p.Overlay().Len())

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 2)
	assert.Equal(t, 2, h.p.Overlay().Len(), "previous cycle's annotations are gone")

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 3)
	assert.Equal(t, 0, h.p.Overlay().Len(), "failed cycle leaves nothing behind")
	assert.Equal(t, uint64(1), h.p.Stats().Failures)

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 4)
	assert.Equal(t, 1, h.p.Overlay().Len(), "camera image only")

	assert.Equal(t, []scan{{"a", "a"}, {"c", "c"}}, h.handler.get())
	assert.Equal(t, pipeline.StateActive, h.p.State(), "failures never halt the pipeline")
}

func TestInvalidFrameIsADetectionFailure(t *testing.T) {
	h := newHarness(t, pipeline.DefaultConfig(), func() *fakeDetector {
		return &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{barcode(centeredBox, "x", "y")}}}}
	})

	var released atomic.Int32
	bad := pipeline.NewFrame(nil, 0, "broken", func() { released.Add(1) })
	h.p.OnFrameAvailable(bad)
	waitCycles(t, h.p, 1)

	assert.Equal(t, uint64(1), h.p.Stats().Failures)
	assert.Equal(t, int32(0), h.detector(0).calls.Load(), "detector never sees the invalid frame")
	assert.Equal(t, int32(1), released.Load())
	assert.Empty(t, h.handler.get())

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 2)
	assert.Len(t, h.handler.get(), 1, "cycle resumes on the next frame")
}

func TestSingleFlightLatestWins(t *testing.T) {
	det := &fakeDetector{gate: make(chan struct{}), started: make(chan uint64, 8)}
	h := newHarness(t, pipeline.DefaultConfig(), func() *fakeDetector { return det })

	var released atomic.Int32
	f1 := newFrame(480, 640, &released)
	h.p.OnFrameAvailable(f1)
	require.Equal(t, uint64(1), receive(t, det.started))

	f2, f3, f4 := newFrame(480, 640, &released), newFrame(480, 640, &released), newFrame(480, 640, &released)
	h.p.OnFrameAvailable(f2)
	h.p.OnFrameAvailable(f3)
	h.p.OnFrameAvailable(f4)
	assert.True(t, f2.Released())
	assert.True(t, f3.Released())
	assert.False(t, f4.Released())

	det.gate <- struct{}{}
	assert.Equal(t, uint64(4), receive(t, det.started), "newest frame is detected next")

	det.gate <- struct{}{}
	waitCycles(t, h.p, 2)

	assert.Equal(t, int32(1), det.maxInFlight.Load())
	assert.Equal(t, int32(2), det.calls.Load())
	assert.Equal(t, uint64(2), h.p.Stats().Buffer.Dropped)
	assert.Equal(t, int32(4), released.Load())
}

func TestBackpressureDropsFrames(t *testing.T) {
	det := &fakeDetector{gate: make(chan struct{})}
	h := newHarness(t, pipeline.DefaultConfig(), func() *fakeDetector { return det })

	go func() {
		for {
			select {
			case det.gate <- struct{}{}:
				time.Sleep(2 * time.Millisecond)
			case <-h.p.Done():
				return
			}
		}
	}()

	const n = 200
	var released atomic.Int32
	for i := 0; i < n; i++ {
		h.p.OnFrameAvailable(newFrame(48, 64, &released))
	}

	require.Eventually(t, func() bool {
		st := h.p.Stats()
		return !st.Buffer.Pending && !st.Buffer.InFlight
	}, waitFor, time.Millisecond)

	st := h.p.Stats()
	assert.Less(t, int(det.calls.Load()), n)
	assert.Greater(t, st.Buffer.Dropped, uint64(0))
	assert.Equal(t, int32(1), det.maxInFlight.Load())
	assert.Equal(t, int32(n), released.Load())
	t.Logf("frames=%d detections=%d dropped=%d", n, det.calls.Load(), st.Buffer.Dropped)
}

func TestStopDuringInFlightDetection(t *testing.T) {
	det := &fakeDetector{
		gate:      make(chan struct{}),
		started:   make(chan uint64, 1),
		responses: []response{{results: []pipeline.DetectedBarcode{barcode(centeredBox, "late", "late")}}},
	}
	h := newHarness(t, pipeline.DefaultConfig(), func() *fakeDetector { return det })

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	receive(t, det.started)

	require.NoError(t, h.p.Stop())
	require.NoError(t, h.p.Stop())
	assert.Equal(t, pipeline.StateStopped, h.p.State())

	require.Eventually(t, det.closed.Load, waitFor, time.Millisecond, "detector closed once Detect returns")
	select {
	case <-h.p.Done():
	case <-time.After(waitFor):
		t.Fatal("loop did not exit")
	}

	var released atomic.Int32
	h.p.OnFrameAvailable(newFrame(480, 640, &released))
	assert.Equal(t, int32(1), released.Load(), "frames after stop are released immediately")
	assert.Equal(t, uint64(1), h.p.Stats().Ignored)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.handler.get())
	assert.Equal(t, 0, h.p.Overlay().Len())

	assert.ErrorIs(t, h.p.Pause(), pipeline.ErrStopped)
	assert.ErrorIs(t, h.p.Resume(context.Background()), pipeline.ErrStopped)
}

func TestStopFromScanHandler(t *testing.T) {
	gate, err := strategies.NewStrategyFactory().Create(pipeline.FocusPolicyCenter, 0)
	require.NoError(t, err)

	var p *pipeline.Pipeline
	var calls atomic.Int32
	handler := pipeline.ScanHandlerFunc(func(display, raw string) {
		calls.Add(1)
		p.Stop()
	})

	det := &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{
		barcode(centeredBox, "one", "one"),
		barcode(centeredBox, "two", "two"),
	}}}}
	p, err = pipeline.New(context.Background(), pipeline.DefaultConfig(), pipeline.Deps{
		Detectors: func(context.Context, []pipeline.Format) (pipeline.Detector, error) { return det, nil },
		Gate:      gate,
		Surface:   &fakeSurface{w: 480, h: 640},
		Handler:   handler,
	})
	require.NoError(t, err)

	p.OnFrameAvailable(newFrame(480, 640, nil))
	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("stop from inside the handler deadlocked")
	}
	assert.Equal(t, int32(1), calls.Load(), "no callbacks after stop")
	assert.True(t, det.closed.Load())
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, pipeline.DefaultConfig(), func() *fakeDetector {
		return &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{barcode(centeredBox, "v", "v")}}}}
	})

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 1)

	require.NoError(t, h.p.Pause())
	require.NoError(t, h.p.Pause(), "pause is idempotent")
	assert.Equal(t, pipeline.StatePaused, h.p.State())
	assert.True(t, h.detector(0).closed.Load(), "detector released on pause")

	var released atomic.Int32
	h.p.OnFrameAvailable(newFrame(480, 640, &released))
	assert.Equal(t, int32(1), released.Load())

	require.NoError(t, h.p.Resume(context.Background()))
	assert.Equal(t, pipeline.StateActive, h.p.State())
	assert.Equal(t, 2, h.acquired(), "resume acquires a fresh detector")
	assert.ErrorIs(t, h.p.Resume(context.Background()), pipeline.ErrNotPaused)

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 2)
	assert.Len(t, h.handler.get(), 2)
	assert.Equal(t, int32(1), h.detector(1).calls.Load())
}

func TestPauseDiscardsInFlightResult(t *testing.T) {
	det := &fakeDetector{
		gate:      make(chan struct{}),
		started:   make(chan uint64, 1),
		responses: []response{{results: []pipeline.DetectedBarcode{barcode(centeredBox, "stale", "stale")}}},
	}
	first := true
	h := newHarness(t, pipeline.DefaultConfig(), func() *fakeDetector {
		if first {
			first = false
			return det
		}
		return &fakeDetector{}
	})

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	receive(t, det.started)
	require.NoError(t, h.p.Pause())

	require.Eventually(t, det.closed.Load, waitFor, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.handler.get())
	assert.Equal(t, uint64(0), h.p.Stats().Cycles)
}

func TestFocusFollowsRotation(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.ShowCameraImage = false
	h := newHarness(t, cfg, func() *fakeDetector {
		return &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{
			// raw 640x480 frame rotated 90: raw center (320,240) maps to (240,320)
			barcode(geom.Rect{Left: 280, Top: 200, Right: 360, Bottom: 280}, "mid", "mid"),
			// raw left edge maps to the top of the upright frame
			barcode(geom.Rect{Left: 10, Top: 200, Right: 90, Bottom: 280}, "top", "top"),
		}}}}
	})

	frame := pipeline.NewFrame(image.NewGray(image.Rect(0, 0, 640, 480)), 90, "gray", nil)
	h.p.OnFrameAvailable(frame)
	waitCycles(t, h.p, 1)

	assert.Equal(t, []scan{{"mid", "mid"}}, h.handler.get())
	bc := h.p.Overlay().Snapshot()[0].(*overlay.Barcode)
	assert.Equal(t, geom.Rect{Left: 200, Top: 280, Right: 280, Bottom: 360}, bc.Box)
}

func TestFocusBoxRecomputedOnResize(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.FocusBoxSide = 100
	offCenter := geom.Rect{Left: 300, Top: 300, Right: 340, Bottom: 340}
	h := newHarness(t, cfg, func() *fakeDetector {
		return &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{barcode(offCenter, "v", "v")}}}}
	})

	h.p.OnFrameAvailable(newFrame(480, 640, nil))
	waitCycles(t, h.p, 1)
	assert.Empty(t, h.handler.get(), "center (320,320) is outside the 100px box at (240,320)")

	// a square surface moves the focus box center to x=320
	h.surface.mu.Lock()
	h.surface.w, h.surface.h = 640, 640
	h.surface.mu.Unlock()

	h.p.OnFrameAvailable(newFrame(640, 640, nil))
	waitCycles(t, h.p, 2)
	assert.Len(t, h.handler.get(), 1)
}

func TestEventsPublished(t *testing.T) {
	bus := pipeline.NewEventBus()
	scans := make(chan pipeline.ScanEvent, 4)
	cycles := make(chan pipeline.CycleEvent, 4)
	states := make(chan pipeline.LifecycleEvent, 4)
	defer bus.OnScan(func(e pipeline.ScanEvent) { scans <- e })()
	defer bus.OnCycle(func(e pipeline.CycleEvent) { cycles <- e })()
	defer bus.OnLifecycle(func(e pipeline.LifecycleEvent) { states <- e })()

	gate, err := strategies.NewStrategyFactory().Create("", 0)
	require.NoError(t, err)
	det := &fakeDetector{responses: []response{{results: []pipeline.DetectedBarcode{barcode(centeredBox, "ABC", "raw-ABC")}}}}
	p, err := pipeline.New(context.Background(), pipeline.DefaultConfig(), pipeline.Deps{
		Detectors: func(context.Context, []pipeline.Format) (pipeline.Detector, error) { return det, nil },
		Gate:      gate,
		Surface:   &fakeSurface{w: 480, h: 640},
		Events:    bus,
	})
	require.NoError(t, err)

	p.OnFrameAvailable(newFrame(480, 640, nil))

	s := receive(t, scans)
	assert.Equal(t, "ABC", s.DisplayValue)
	assert.Equal(t, "raw-ABC", s.RawValue)
	assert.Equal(t, pipeline.FormatQRCode, s.Format)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, uint64(1), s.FrameSeq)

	c := receive(t, cycles)
	assert.Equal(t, 1, c.Results)
	assert.Equal(t, 1, c.Centered)
	assert.False(t, c.Failed)
	assert.Equal(t, uint64(1), c.Submitted)

	require.NoError(t, p.Stop())
	l := receive(t, states)
	assert.Equal(t, pipeline.StateStopped, l.State)
	assert.Equal(t, pipeline.StateActive, l.Previous)
}

func TestNewFailsWithoutDetector(t *testing.T) {
	gate := strategies.NewCenterStrategy(0)
	_, err := pipeline.New(context.Background(), pipeline.DefaultConfig(), pipeline.Deps{
		Detectors: func(context.Context, []pipeline.Format) (pipeline.Detector, error) {
			return nil, errors.New("camera permission denied")
		},
		Gate: gate,
	})
	assert.ErrorIs(t, err, pipeline.ErrResourceUnavailable)
	assert.ErrorContains(t, err, "permission denied")

	_, err = pipeline.New(context.Background(), pipeline.DefaultConfig(), pipeline.Deps{
		Detectors: func(context.Context, []pipeline.Format) (pipeline.Detector, error) { return nil, nil },
		Gate:      gate,
	})
	assert.ErrorIs(t, err, pipeline.ErrResourceUnavailable)

	_, err = pipeline.New(context.Background(), pipeline.DefaultConfig(), pipeline.Deps{
		Detectors: func(context.Context, []pipeline.Format) (pipeline.Detector, error) { return &fakeDetector{}, nil },
	})
	assert.Error(t, err, "focus gate required")

	cfg := pipeline.DefaultConfig()
	cfg.FocusBoxSide = 0
	_, err = pipeline.New(context.Background(), cfg, pipeline.Deps{
		Detectors: func(context.Context, []pipeline.Format) (pipeline.Detector, error) { return &fakeDetector{}, nil },
		Gate:      gate,
	})
	assert.Error(t, err)
}

func TestFactoryReceivesExpandedFormats(t *testing.T) {
	var got []pipeline.Format
	cfg := pipeline.DefaultConfig()
	cfg.SupportedFormats = []pipeline.Format{pipeline.FormatEAN13, pipeline.FormatQRCode}
	p, err := pipeline.New(context.Background(), cfg, pipeline.Deps{
		Detectors: func(_ context.Context, formats []pipeline.Format) (pipeline.Detector, error) {
			got = formats
			return &fakeDetector{}, nil
		},
		Gate: strategies.NewCenterStrategy(0),
	})
	require.NoError(t, err)
	defer p.Stop()
	assert.Equal(t, cfg.SupportedFormats, got)
}

func TestSurfaceBridge(t *testing.T) {
	unmeasured := &fakeSurface{}
	measured := &fakeSurface{w: 320, h: 240}
	b := pipeline.NewSurfaceBridge(unmeasured, nil, measured)
	assert.Equal(t, 2, b.Len())

	w, h := b.Size()
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	b.Invalidate()
	assert.Equal(t, int32(1), unmeasured.invalidated.Load())
	assert.Equal(t, int32(1), measured.invalidated.Load())

	w, h = pipeline.NewSurfaceBridge().Size()
	assert.Zero(t, w+h)
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
