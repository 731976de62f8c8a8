// Package scanner assembles a frame source and a detection pipeline into one
// running barcode scanner.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/config"
	"scanbox/internal/overlay"
	"scanbox/internal/pipeline"
	"scanbox/internal/pipeline/detectors"
	"scanbox/internal/pipeline/strategies"
	"scanbox/internal/source"
)

// Options are the collaborators of a Scanner
type Options struct {
	Config   *config.Config       // Required
	Source   pipeline.FrameSource // Built from Config.Source when nil
	Registry *detectors.Registry  // DefaultRegistry when nil
	Surfaces []pipeline.RenderSurface
	Handler  pipeline.ScanHandler
	Overlay  *overlay.Overlay
	Events   *pipeline.EventBus
	Logger   *zap.Logger
}

// Status is a point-in-time view of the scanner
type Status struct {
	ID          string                  `json:"id"`
	State       pipeline.LifecycleState `json:"state"`
	Source      string                  `json:"source"`
	Detector    string                  `json:"detector"`
	FocusPolicy string                  `json:"focus_policy"`
	StartedAt   time.Time               `json:"started_at"`
	Pipeline    pipeline.Stats          `json:"pipeline"`
	Capture     *source.Stats           `json:"capture,omitempty"`
}

// statsSource is implemented by the sources in package source
type statsSource interface {
	Stats() source.Stats
}

// Scanner owns one frame source feeding one pipeline. Pause releases both the
// detector and the camera; Resume re-acquires them.
type Scanner struct {
	registry    *detectors.Registry
	ownRegistry bool
	handler     pipeline.ScanHandler
	overlay     *overlay.Overlay
	events      *pipeline.EventBus
	bridge      *pipeline.SurfaceBridge
	logger      *zap.Logger

	pipe atomic.Pointer[pipeline.Pipeline]

	mu        sync.Mutex
	cfg       *config.Config
	src       pipeline.FrameSource
	ownSource bool
	runCtx    context.Context
	capturing bool
	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// New builds the pipeline in the Active state. Frames flow once Start is
// called.
func New(ctx context.Context, opts Options) (*Scanner, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{
		registry: opts.Registry,
		handler:  opts.Handler,
		overlay:  opts.Overlay,
		events:   opts.Events,
		bridge:   pipeline.NewSurfaceBridge(opts.Surfaces...),
		cfg:      opts.Config,
		src:      opts.Source,
		done:     make(chan struct{}),
	}
	s.logger = logger.Named("scanner").With(zap.String("scanner", opts.Config.Scanner.ID))
	if s.registry == nil {
		s.registry = detectors.DefaultRegistry(opts.Config.Scanner.TryHarder)
		s.ownRegistry = true
	}
	if s.overlay == nil {
		s.overlay = overlay.New()
	}

	if s.src == nil {
		src, err := NewSource(opts.Config, logger)
		if err != nil {
			return nil, err
		}
		s.src = src
		s.ownSource = true
	}

	p, err := s.buildPipeline(ctx, opts.Config, s.registry)
	if err != nil {
		return nil, err
	}
	s.pipe.Store(p)
	return s, nil
}

// NewSource builds the frame source described by cfg
func NewSource(cfg *config.Config, logger *zap.Logger) (pipeline.FrameSource, error) {
	opts := source.Options{Rotation: cfg.Source.Rotation, FPS: cfg.Source.FPS, Logger: logger}
	switch cfg.Source.Kind {
	case "ffmpeg":
		return source.NewFFmpegSource(source.FFmpegOptions{
			Options:    opts,
			Device:     cfg.Source.Device,
			Width:      cfg.Scanner.TargetWidth,
			Height:     cfg.Scanner.TargetHeight,
			FFmpegPath: cfg.Source.FFmpegPath,
		}), nil
	case "http":
		return source.NewHTTPSource(source.HTTPOptions{Options: opts, URL: cfg.Source.Device}), nil
	case "dir":
		return source.NewDirSource(source.DirOptions{Options: opts, Dir: cfg.Source.Dir, Loop: cfg.Source.Loop}), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func (s *Scanner) buildPipeline(ctx context.Context, cfg *config.Config, registry *detectors.Registry) (*pipeline.Pipeline, error) {
	pc, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}
	factory, err := registry.Factory(cfg.Scanner.Detector)
	if err != nil {
		return nil, err
	}
	gate, err := strategies.NewStrategyFactory().Create(pipeline.FocusPolicy(cfg.Scanner.FocusPolicy), cfg.Scanner.FocusTolerance)
	if err != nil {
		return nil, err
	}
	return pipeline.New(ctx, pc, pipeline.Deps{
		Detectors: factory,
		Gate:      gate,
		Surface:   s.bridge,
		Handler:   s.handler,
		Overlay:   s.overlay,
		Events:    s.events,
		Logger:    s.logger,
	})
}

// deliver hands a frame to whichever pipeline is current
func (s *Scanner) deliver(frame *pipeline.Frame) {
	s.pipe.Load().OnFrameAvailable(frame)
}

// Start begins capture. ctx bounds the source for the scanner's lifetime,
// including restarts after Resume or Reload.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipe.Load().State() == pipeline.StateStopped {
		return pipeline.ErrStopped
	}
	if s.runCtx != nil {
		return errors.New("scanner already started")
	}
	s.runCtx = ctx
	s.startedAt = time.Now()
	if err := s.startSourceLocked(); err != nil {
		s.runCtx = nil
		return err
	}
	return nil
}

func (s *Scanner) startSourceLocked() error {
	if s.capturing {
		return nil
	}
	if err := s.src.Start(s.runCtx, s.deliver); err != nil {
		return fmt.Errorf("start source %s: %w", s.src.Name(), err)
	}
	s.capturing = true
	s.logger.Info("Capture started", zap.String("source", s.src.Name()))
	return nil
}

func (s *Scanner) stopSourceLocked() {
	if !s.capturing {
		return
	}
	s.capturing = false
	if err := s.src.Stop(); err != nil {
		s.logger.Warn("Failed to stop source", zap.String("source", s.src.Name()), zap.Error(err))
		return
	}
	s.logger.Info("Capture stopped", zap.String("source", s.src.Name()))
}

// Pause releases the detector and stops capture
func (s *Scanner) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pipe.Load().Pause(); err != nil {
		return err
	}
	s.stopSourceLocked()
	return nil
}

// Resume re-acquires the detector and restarts capture
func (s *Scanner) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pipe.Load().Resume(ctx); err != nil {
		return err
	}
	if s.runCtx == nil {
		return nil
	}
	return s.startSourceLocked()
}

// Stop ends capture and stops the pipeline for good
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopSourceLocked()
	err := s.pipe.Load().Stop()
	s.stopOnce.Do(func() { close(s.done) })
	return err
}

// Done is closed once Stop has been called
func (s *Scanner) Done() <-chan struct{} {
	return s.done
}

// State returns the pipeline lifecycle state
func (s *Scanner) State() pipeline.LifecycleState {
	return s.pipe.Load().State()
}

// Overlay returns the overlay shared by every pipeline this scanner runs
func (s *Scanner) Overlay() *overlay.Overlay {
	return s.overlay
}

// Source returns the frame source
func (s *Scanner) Source() pipeline.FrameSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// AddSurface attaches another render surface
func (s *Scanner) AddSurface(surface pipeline.RenderSurface) {
	s.bridge.AddSurface(surface)
}

// Config returns the configuration currently in effect
func (s *Scanner) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Status returns the scanner state and counters
func (s *Scanner) Status() Status {
	s.mu.Lock()
	cfg, src, started := s.cfg, s.src, s.startedAt
	s.mu.Unlock()

	p := s.pipe.Load()
	st := Status{
		ID:          cfg.Scanner.ID,
		State:       p.State(),
		Source:      src.Name(),
		Detector:    cfg.Scanner.Detector,
		FocusPolicy: cfg.Scanner.FocusPolicy,
		StartedAt:   started,
		Pipeline:    p.Stats(),
	}
	if ss, ok := src.(statsSource); ok {
		cs := ss.Stats()
		st.Capture = &cs
	}
	return st
}

// Reload applies a new configuration. Scanner section changes rebuild the
// pipeline with a fresh detector; source section changes restart capture.
// The old pipeline keeps running if the new one cannot be built.
func (s *Scanner) Reload(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.pipe.Load()
	if old.State() == pipeline.StateStopped {
		return pipeline.ErrStopped
	}
	prev := s.cfg
	scannerChanged := !reflect.DeepEqual(prev.Scanner, cfg.Scanner)
	sourceChanged := s.ownSource && !reflect.DeepEqual(prev.Source, cfg.Source)
	if !scannerChanged && !sourceChanged {
		s.cfg = cfg
		return nil
	}

	registry := s.registry
	if s.ownRegistry && prev.Scanner.TryHarder != cfg.Scanner.TryHarder {
		registry = detectors.DefaultRegistry(cfg.Scanner.TryHarder)
	}
	var next *pipeline.Pipeline
	if scannerChanged {
		p, err := s.buildPipeline(ctx, cfg, registry)
		if err != nil {
			return fmt.Errorf("rebuild pipeline: %w", err)
		}
		next = p
	}
	var nextSrc pipeline.FrameSource
	if sourceChanged {
		src, err := NewSource(cfg, s.logger)
		if err != nil {
			if next != nil {
				_ = next.Stop()
			}
			return err
		}
		nextSrc = src
	}

	wasCapturing := s.capturing
	if nextSrc != nil {
		s.stopSourceLocked()
		s.src = nextSrc
	}
	if next != nil {
		paused := old.State() == pipeline.StatePaused
		s.registry = registry
		s.pipe.Store(next)
		_ = old.Stop()
		s.events.Publish(pipeline.LifecycleEvent{State: pipeline.StateActive, Previous: pipeline.StateStopped, At: time.Now()})
		if paused {
			if err := next.Pause(); err != nil {
				return err
			}
		}
	}
	s.cfg = cfg
	s.logger.Info("Configuration reloaded",
		zap.Bool("pipeline_rebuilt", next != nil),
		zap.Bool("source_replaced", nextSrc != nil))

	if wasCapturing && s.pipe.Load().State() == pipeline.StateActive {
		return s.startSourceLocked()
	}
	return nil
}
