package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scanbox/internal/geom"
	"scanbox/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, db.SaveScanner(context.Background(), &ScannerRecord{ID: "dock-1", Source: "dir:/frames", Detector: "zxing", Status: "active"}))
	return db
}

func TestScannerRecords(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	s, err := db.GetScanner(ctx, "dock-1")
	require.NoError(t, err)
	assert.Equal(t, "zxing", s.Detector)
	assert.Equal(t, "active", s.Status)

	require.NoError(t, db.UpdateScannerStatus(ctx, "dock-1", "paused"))
	s, err = db.GetScanner(ctx, "dock-1")
	require.NoError(t, err)
	assert.Equal(t, "paused", s.Status)
	assert.False(t, s.UpdatedAt.Before(s.CreatedAt))

	assert.ErrorIs(t, db.UpdateScannerStatus(ctx, "nope", "paused"), ErrNotFound)
	_, err = db.GetScanner(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// upsert keeps created_at
	created := s.CreatedAt
	require.NoError(t, db.SaveScanner(ctx, &ScannerRecord{ID: "dock-1", Status: "active", CreatedAt: created}))
	s, err = db.GetScanner(ctx, "dock-1")
	require.NoError(t, err)
	assert.Equal(t, created.UnixNano(), s.CreatedAt.UnixNano())
}

func TestScanCRUD(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i, v := range []string{"A", "B", "A"} {
		require.NoError(t, db.SaveScan(ctx, &ScanRecord{
			ID:           uuid.NewString(),
			ScannerID:    "dock-1",
			DisplayValue: v,
			RawValue:     v,
			Format:       "qr_code",
			Box:          geom.Rect{Left: 1, Top: 2, Right: 3, Bottom: float64(4 + i)},
			FrameSeq:     uint64(i + 1),
			ScannedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := db.ListScans(ctx, ScanFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].FrameSeq, "newest first")
	assert.Equal(t, 6.0, all[0].Box.Bottom)

	got, err := db.GetScan(ctx, all[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "B", got.RawValue)
	assert.Equal(t, base.Add(time.Minute).UnixNano(), got.ScannedAt.UnixNano())

	_, err = db.GetScan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	as, err := db.ListScans(ctx, ScanFilter{RawValue: "A", Limit: 1})
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, uint64(3), as[0].FrameSeq)

	recent, err := db.ListScans(ctx, ScanFilter{ScannerID: "dock-1", Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	n, err := db.CountScans(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = db.CountScans(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, n)

	deleted, err := db.DeleteScansBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	none, err := db.ListScans(ctx, ScanFilter{ScannerID: "other"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSaveScanRequiresScanner(t *testing.T) {
	db := openTestDB(t)
	err := db.SaveScan(context.Background(), &ScanRecord{ID: "x", ScannerID: "ghost", RawValue: "v", ScannedAt: time.Now()})
	assert.Error(t, err)
}

func TestRecorderDedupes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	r := NewRecorder(db, RecorderOptions{ScannerID: "dock-1", DedupeWindow: 2 * time.Second, Logger: zaptest.NewLogger(t)})
	defer r.Close()

	now := time.Now()
	ev := func(raw string, at time.Time) pipeline.ScanEvent {
		return pipeline.ScanEvent{ID: uuid.NewString(), DisplayValue: raw, RawValue: raw, Format: pipeline.FormatEAN13, ScannedAt: at}
	}

	ok, err := r.Record(ctx, ev("400", now))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Record(ctx, ev("400", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, ok, "duplicate inside window")

	ok, err = r.Record(ctx, ev("401", now.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Record(ctx, ev("400", now.Add(3*time.Second)))
	require.NoError(t, err)
	assert.True(t, ok, "window elapsed")

	saved, skipped := r.Counts()
	assert.Equal(t, uint64(3), saved)
	assert.Equal(t, uint64(1), skipped)
}

func TestRecorderAttach(t *testing.T) {
	db := openTestDB(t)
	bus := pipeline.NewEventBus()
	r := NewRecorder(db, RecorderOptions{ScannerID: "dock-1", Retention: time.Hour})
	r.Attach(bus)
	defer r.Close()

	bus.Publish(pipeline.ScanEvent{ID: "ev-1", DisplayValue: "Z", RawValue: "Z", Format: pipeline.FormatCode128, ScannedAt: time.Now()})

	require.Eventually(t, func() bool {
		n, err := db.CountScans(context.Background(), "dock-1")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := db.GetScan(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "code_128", got.Format)

	bus.Publish(pipeline.LifecycleEvent{State: pipeline.StatePaused, Previous: pipeline.StateActive})
	require.Eventually(t, func() bool {
		s, err := db.GetScanner(context.Background(), "dock-1")
		return err == nil && s.Status == "paused"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecorderPrune(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.SaveScan(ctx, &ScanRecord{ID: "old", ScannerID: "dock-1", RawValue: "o", ScannedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, db.SaveScan(ctx, &ScanRecord{ID: "new", ScannerID: "dock-1", RawValue: "n", ScannedAt: time.Now()}))

	n, err := NewRecorder(db, RecorderOptions{ScannerID: "dock-1"}).Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no retention configured")

	n, err = NewRecorder(db, RecorderOptions{ScannerID: "dock-1", Retention: 24 * time.Hour}).Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
