package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/pipeline"
)

// pruneInterval is how often the retention sweep runs
const pruneInterval = time.Hour

// Recorder persists scan events from the event bus. The same raw value seen
// again within the dedupe window is not stored twice.
type Recorder struct {
	db        *Database
	scannerID string
	window    time.Duration
	retention time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time

	unsubscribe []func()
	stop        chan struct{}
	wg          sync.WaitGroup
	once        sync.Once

	saved   uint64
	skipped uint64
}

// RecorderOptions configures a Recorder
type RecorderOptions struct {
	ScannerID    string
	DedupeWindow time.Duration
	Retention    time.Duration // Zero keeps scans forever
	Logger       *zap.Logger
}

// NewRecorder creates a recorder; call Attach to start consuming events
func NewRecorder(db *Database, opts RecorderOptions) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:        db,
		scannerID: opts.ScannerID,
		window:    opts.DedupeWindow,
		retention: opts.Retention,
		logger:    logger.Named("history"),
		lastSeen:  make(map[string]time.Time),
		stop:      make(chan struct{}),
	}
}

// Attach subscribes to scan and lifecycle events and starts the retention
// sweep. Lifecycle changes update the scanner row status.
func (r *Recorder) Attach(bus *pipeline.EventBus) {
	r.unsubscribe = append(r.unsubscribe,
		bus.OnScan(func(ev pipeline.ScanEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := r.Record(ctx, ev); err != nil {
				r.logger.Warn("Failed to record scan", zap.String("id", ev.ID), zap.Error(err))
			}
		}),
		bus.OnLifecycle(func(ev pipeline.LifecycleEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.db.UpdateScannerStatus(ctx, r.scannerID, ev.State.String()); err != nil {
				r.logger.Warn("Failed to update scanner status", zap.Stringer("state", ev.State), zap.Error(err))
			}
		}),
	)

	if r.retention > 0 {
		r.wg.Add(1)
		go r.pruneLoop()
	}
}

// Record stores ev unless it duplicates a recent scan. It reports whether
// the scan was written.
func (r *Recorder) Record(ctx context.Context, ev pipeline.ScanEvent) (bool, error) {
	at := ev.ScannedAt
	if at.IsZero() {
		at = time.Now()
	}

	r.mu.Lock()
	if last, ok := r.lastSeen[ev.RawValue]; ok && r.window > 0 && at.Sub(last) < r.window {
		r.skipped++
		r.mu.Unlock()
		return false, nil
	}
	r.lastSeen[ev.RawValue] = at
	r.evictLocked(at)
	r.mu.Unlock()

	err := r.db.SaveScan(ctx, &ScanRecord{
		ID:           ev.ID,
		ScannerID:    r.scannerID,
		DisplayValue: ev.DisplayValue,
		RawValue:     ev.RawValue,
		Format:       string(ev.Format),
		Box:          ev.Box,
		FrameSeq:     ev.FrameSeq,
		ScannedAt:    at,
	})
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.saved++
	r.mu.Unlock()
	r.logger.Debug("Scan recorded", zap.String("id", ev.ID), zap.String("format", string(ev.Format)))
	return true, nil
}

// evictLocked forgets values outside the window so the map stays small
func (r *Recorder) evictLocked(now time.Time) {
	if len(r.lastSeen) < 1024 {
		return
	}
	for v, t := range r.lastSeen {
		if now.Sub(t) >= r.window {
			delete(r.lastSeen, v)
		}
	}
}

// Counts returns saved and deduplicated totals
func (r *Recorder) Counts() (saved, skipped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved, r.skipped
}

// Prune deletes scans older than the retention period
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	n, err := r.db.DeleteScansBefore(ctx, time.Now().Add(-r.retention))
	if err == nil && n > 0 {
		r.logger.Info("Pruned old scans", zap.Int64("deleted", n), zap.Duration("retention", r.retention))
	}
	return n, err
}

func (r *Recorder) pruneLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := r.Prune(ctx); err != nil {
			r.logger.Warn("Prune failed", zap.Error(err))
		}
		cancel()

		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

// Close unsubscribes and stops the sweep
func (r *Recorder) Close() {
	r.once.Do(func() {
		for _, fn := range r.unsubscribe {
			fn()
		}
		close(r.stop)
		r.wg.Wait()
	})
}
