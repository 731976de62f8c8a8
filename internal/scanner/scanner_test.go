package scanner

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scanbox/internal/config"
	"scanbox/internal/pipeline"
	"scanbox/internal/source"
)

// writeQRFrame writes a 480x640 frame with a QR code in the middle of it
func writeQRFrame(t *testing.T, dir, name, text string) {
	t.Helper()
	bm, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 200, 200, nil)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, 480, 640))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	for y := 0; y < bm.GetHeight(); y++ {
		for x := 0; x < bm.GetWidth(); x++ {
			if bm.Get(x, y) {
				img.SetGray(140+x, 220+y, color.Gray{})
			}
		}
	}

	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeQRFrame(t, dir, "0001.png", "scanbox-42")

	cfg := config.Default()
	cfg.Scanner.ID = "dock-1"
	cfg.Source.Kind = "dir"
	cfg.Source.Dir = dir
	cfg.Source.Loop = true
	cfg.Source.FPS = 30
	return cfg
}

type scans chan [2]string

func (s scans) OnNewBarcodeScanned(display, raw string) {
	select {
	case s <- [2]string{display, raw}:
	default:
	}
}

func newScanner(t *testing.T, cfg *config.Config, bus *pipeline.EventBus) (*Scanner, scans) {
	t.Helper()
	got := make(scans, 16)
	s, err := New(context.Background(), Options{Config: cfg, Handler: got, Events: bus, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, got
}

func TestScannerDeliversScans(t *testing.T) {
	bus := pipeline.NewEventBus()
	events := make(chan pipeline.ScanEvent, 16)
	defer bus.OnScan(func(ev pipeline.ScanEvent) {
		select {
		case events <- ev:
		default:
		}
	})()

	s, got := newScanner(t, testConfig(t), bus)
	require.NoError(t, s.Start(context.Background()))

	select {
	case v := <-got:
		assert.Equal(t, "scanbox-42", v[1])
	case <-time.After(5 * time.Second):
		t.Fatal("no scan delivered")
	}
	select {
	case ev := <-events:
		assert.Equal(t, pipeline.FormatQRCode, ev.Format)
	case <-time.After(5 * time.Second):
		t.Fatal("no scan event")
	}

	st := s.Status()
	assert.Equal(t, "dock-1", st.ID)
	assert.Equal(t, pipeline.StateActive, st.State)
	assert.Equal(t, "zxing", st.Detector)
	require.NotNil(t, st.Capture)
	assert.True(t, st.Capture.Running)
	assert.NotZero(t, st.Capture.Captured)
	assert.NotZero(t, st.Pipeline.Callbacks)
	assert.Positive(t, s.Overlay().Len())

	require.NoError(t, s.Stop())
	assert.Equal(t, pipeline.StateStopped, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Pause(), pipeline.ErrStopped)
	assert.ErrorIs(t, s.Start(context.Background()), pipeline.ErrStopped)
}

func TestScannerPauseReleasesCapture(t *testing.T) {
	s, _ := newScanner(t, testConfig(t), nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	require.NoError(t, s.Pause())
	assert.Equal(t, pipeline.StatePaused, s.State())
	assert.False(t, s.Status().Capture.Running)
	assert.NoError(t, s.Pause(), "pausing twice is a no-op")

	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, pipeline.StateActive, s.State())
	assert.True(t, s.Status().Capture.Running)
	assert.ErrorIs(t, s.Resume(context.Background()), pipeline.ErrNotPaused)
}

func TestScannerReload(t *testing.T) {
	bus := pipeline.NewEventBus()
	states := make(chan pipeline.LifecycleEvent, 8)
	defer bus.OnLifecycle(func(ev pipeline.LifecycleEvent) { states <- ev })()

	cfg := testConfig(t)
	s, _ := newScanner(t, cfg, bus)
	require.NoError(t, s.Start(context.Background()))

	same := *cfg
	require.NoError(t, s.Reload(context.Background(), &same))
	assert.Empty(t, states, "unchanged scanner section keeps the pipeline")

	next := *cfg
	next.Scanner.FocusPolicy = "contain"
	require.NoError(t, s.Reload(context.Background(), &next))
	assert.Equal(t, "contain", s.Status().FocusPolicy)
	assert.Equal(t, pipeline.StateActive, s.State())
	assert.True(t, s.Status().Capture.Running)

	stopped := <-states
	assert.Equal(t, pipeline.StateStopped, stopped.State)
	active := <-states
	assert.Equal(t, pipeline.StateActive, active.State)

	bad := next
	bad.Scanner.Detector = "nope"
	assert.Error(t, s.Reload(context.Background(), &bad))
	assert.Equal(t, "zxing", s.Status().Detector)
	assert.Equal(t, pipeline.StateActive, s.State())
}

func TestScannerReloadKeepsPause(t *testing.T) {
	cfg := testConfig(t)
	s, _ := newScanner(t, cfg, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Pause())

	next := *cfg
	next.Scanner.Flipped = true
	require.NoError(t, s.Reload(context.Background(), &next))
	assert.Equal(t, pipeline.StatePaused, s.State())
	assert.False(t, s.Status().Capture.Running)
}

func TestNewErrors(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Scanner.Detector = "missing"
	_, err = New(context.Background(), Options{Config: cfg})
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Source.Kind = "carrier-pigeon"
	_, err = New(context.Background(), Options{Config: cfg})
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	cfg := config.Default()

	src, err := NewSource(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &source.FFmpegSource{}, src)
	assert.Equal(t, "ffmpeg:/dev/video0", src.Name())

	cfg.Source.Kind = "http"
	cfg.Source.Device = "http://cam.local/snapshot.jpg"
	src, err = NewSource(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &source.HTTPSource{}, src)

	cfg.Source.Kind = "dir"
	cfg.Source.Dir = "/frames"
	src, err = NewSource(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "dir:/frames", src.Name())
}
