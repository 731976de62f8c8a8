package main

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"scanbox/internal/auth"
	"scanbox/internal/config"
	"scanbox/internal/database"
	"scanbox/internal/health"
	"scanbox/internal/logging"
	"scanbox/internal/metrics"
	"scanbox/internal/overlay"
	"scanbox/internal/pipeline"
	"scanbox/internal/scanner"
	"scanbox/internal/stream"
	"scanbox/internal/ws"
)

// app wires one scanner to its observers and network surfaces
type app struct {
	logger *zap.Logger
	level  zap.AtomicLevel

	bus            *pipeline.EventBus
	scanner        *scanner.Scanner
	preview        *stream.Preview
	hub            *ws.Hub
	overlaySurface *ws.OverlaySurface
	broadcaster    *ws.ScanBroadcaster
	metrics        *metrics.Metrics
	detachMetrics  func()
	health         *health.Reporter
	auth           *auth.Authenticator
	db             *database.Database // nil when history is disabled
	recorder       *database.Recorder
	mux            goahttp.Muxer

	mu        sync.Mutex
	cfg       *config.Config
	closeOnce sync.Once
}

// logHandler is the host scan callback for the service
type logHandler struct {
	logger *zap.Logger
}

func (h logHandler) OnNewBarcodeScanned(displayValue, rawValue string) {
	h.logger.Info("Barcode scanned", zap.String("value", displayValue), zap.Int("raw_bytes", len(rawValue)))
}

// newApp builds every component but starts no capture or listener
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) (*app, error) {
	a := &app{
		logger: logger,
		level:  level,
		cfg:    cfg,
		bus:    pipeline.NewEventBus(),
	}
	if err := a.build(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, cfg *config.Config) error {
	logger := a.logger

	var err error
	a.auth, err = auth.NewAuthenticator(auth.Options{
		Enabled:      cfg.Auth.Enabled,
		Username:     cfg.Auth.Username,
		PasswordHash: cfg.Auth.PasswordHash,
		JWTSecret:    cfg.Auth.JWTSecret,
		TokenTTL:     cfg.Auth.TokenTTL.Std(),
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	ov := overlay.New()
	a.preview = stream.NewPreview(ov, stream.PreviewOptions{
		Width:   cfg.Server.PreviewWidth,
		Height:  cfg.Server.PreviewHeight,
		Quality: cfg.Server.JPEGQuality,
		Logger:  logger,
	})
	a.hub = ws.NewHub(logger)
	a.overlaySurface = ws.NewOverlaySurface(a.hub, ov, cfg.Server.PreviewWidth, cfg.Server.PreviewHeight, cfg.Scanner.FocusBoxSide)

	a.scanner, err = scanner.New(ctx, scanner.Options{
		Config:   cfg,
		Surfaces: []pipeline.RenderSurface{a.preview, a.overlaySurface},
		Handler:  logHandler{logger: logger.Named("scans")},
		Overlay:  ov,
		Events:   a.bus,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("scanner: %w", err)
	}

	a.metrics = metrics.New()
	a.detachMetrics = a.metrics.Attach(a.bus, cfg.Scanner.ID)
	a.health = health.NewReporter(logger)
	a.health.Attach(a.bus, a.scanner.State())
	a.broadcaster = ws.NewScanBroadcaster(a.hub, a.bus, cfg.Scanner.ID)

	if cfg.History.Enabled {
		if err := a.openHistory(ctx, cfg); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}

	a.mux = a.routes()
	return nil
}

func (a *app) openHistory(ctx context.Context, cfg *config.Config) error {
	db, err := database.New(cfg.History.Path)
	if err != nil {
		return err
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	if err := db.SaveScanner(ctx, &database.ScannerRecord{
		ID:       cfg.Scanner.ID,
		Source:   a.scanner.Source().Name(),
		Detector: cfg.Scanner.Detector,
		Status:   a.scanner.State().String(),
	}); err != nil {
		return err
	}
	a.recorder = database.NewRecorder(db, database.RecorderOptions{
		ScannerID:    cfg.Scanner.ID,
		DedupeWindow: cfg.History.DedupeWindow.Std(),
		Retention:    cfg.History.Retention.Std(),
		Logger:       a.logger,
	})
	a.recorder.Attach(a.bus)
	return nil
}

// Start begins capture for the lifetime of ctx
func (a *app) Start(ctx context.Context) error {
	return a.scanner.Start(ctx)
}

// Config returns the configuration in effect
func (a *app) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// applyConfig takes over what a reloaded file changed. Listener, auth,
// history and log format changes are only picked up on restart.
func (a *app) applyConfig(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.mu.Unlock()

	if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil && lvl != a.level.Level() {
		a.level.SetLevel(lvl)
		a.logger.Info("Log level changed", zap.Stringer("level", lvl))
	}

	if err := a.scanner.Reload(ctx, next); err != nil {
		a.logger.Error("Failed to apply scanner configuration", zap.Error(err))
		return
	}

	if prev.Server.PreviewWidth != next.Server.PreviewWidth || prev.Server.PreviewHeight != next.Server.PreviewHeight {
		a.preview.Resize(next.Server.PreviewWidth, next.Server.PreviewHeight)
		a.overlaySurface.Resize(next.Server.PreviewWidth, next.Server.PreviewHeight)
	}
	a.overlaySurface.SetFocusBoxSide(next.Scanner.FocusBoxSide)

	var restart []string
	if !reflect.DeepEqual(prev.Auth, next.Auth) {
		restart = append(restart, "auth")
	}
	if !reflect.DeepEqual(prev.History, next.History) {
		restart = append(restart, "history")
	}
	if prev.Server.HTTPAddr != next.Server.HTTPAddr || prev.Server.GRPCAddr != next.Server.GRPCAddr ||
		prev.Server.JPEGQuality != next.Server.JPEGQuality {
		restart = append(restart, "server")
	}
	if prev.Logging.Format != next.Logging.Format {
		restart = append(restart, "logging.format")
	}
	if len(restart) > 0 {
		a.logger.Warn("Some settings take effect after a restart", zap.Strings("sections", restart))
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
}

// Close stops the scanner and releases every component
func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.scanner != nil {
			if err := a.scanner.Stop(); err != nil {
				a.logger.Warn("Scanner stop failed", zap.Error(err))
			}
		}
		if a.broadcaster != nil {
			a.broadcaster.Close()
		}
		if a.recorder != nil {
			a.recorder.Close()
		}
		if a.detachMetrics != nil {
			a.detachMetrics()
		}
		if a.health != nil {
			a.health.Shutdown()
		}
		if a.overlaySurface != nil {
			a.overlaySurface.Close()
		}
		if a.preview != nil {
			a.preview.Close()
		}
		if a.hub != nil {
			a.hub.Close()
		}
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.logger.Warn("Database close failed", zap.Error(err))
			}
		}
	})
}
