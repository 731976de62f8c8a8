package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"scanbox/internal/geom"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// ScannerRecord is a scanner instance that has produced scans
type ScannerRecord struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Detector  string    `json:"detector"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScanRecord is one barcode delivered to the scan handler
type ScanRecord struct {
	ID           string    `json:"id"`
	ScannerID    string    `json:"scanner_id"`
	DisplayValue string    `json:"display_value"`
	RawValue     string    `json:"raw_value"`
	Format       string    `json:"format"`
	Box          geom.Rect `json:"box"`
	FrameSeq     uint64    `json:"frame_seq"`
	ScannedAt    time.Time `json:"scanned_at"`
}

// ScanFilter narrows ListScans
type ScanFilter struct {
	ScannerID string
	RawValue  string
	Since     time.Time
	Limit     int
}

// New opens the database at dbPath. ":memory:" gives a private in-memory database.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scanners (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			detector TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'stopped',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			scanner_id TEXT NOT NULL,
			display_value TEXT NOT NULL,
			raw_value TEXT NOT NULL,
			format TEXT NOT NULL,
			box TEXT,
			frame_seq INTEGER NOT NULL DEFAULT 0,
			scanned_at INTEGER NOT NULL,
			FOREIGN KEY (scanner_id) REFERENCES scanners(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_scanner_time ON scans(scanner_id, scanned_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_time ON scans(scanned_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_raw ON scans(raw_value)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveScanner inserts or updates a scanner
func (d *Database) SaveScanner(ctx context.Context, s *ScannerRecord) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := `INSERT INTO scanners (id, source, detector, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			detector = excluded.detector,
			status = excluded.status,
			updated_at = excluded.updated_at`

	_, err := d.db.ExecContext(ctx, query, s.ID, s.Source, s.Detector, s.Status, s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save scanner: %w", err)
	}
	return nil
}

// UpdateScannerStatus updates only the status of a scanner
func (d *Database) UpdateScannerStatus(ctx context.Context, id, status string) error {
	res, err := d.db.ExecContext(ctx, "UPDATE scanners SET status = ?, updated_at = ? WHERE id = ?", status, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update scanner status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetScanner retrieves a scanner by ID
func (d *Database) GetScanner(ctx context.Context, id string) (*ScannerRecord, error) {
	query := `SELECT id, source, detector, status, created_at, updated_at FROM scanners WHERE id = ?`

	var s ScannerRecord
	var created, updated int64
	err := d.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Source, &s.Detector, &s.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scanner: %w", err)
	}
	s.CreatedAt = time.Unix(0, created)
	s.UpdatedAt = time.Unix(0, updated)
	return &s, nil
}

// SaveScan stores a scan. The scanner row must exist.
func (d *Database) SaveScan(ctx context.Context, scan *ScanRecord) error {
	boxJSON, err := json.Marshal(scan.Box)
	if err != nil {
		return fmt.Errorf("failed to marshal box: %w", err)
	}

	query := `INSERT INTO scans (id, scanner_id, display_value, raw_value, format, box, frame_seq, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.ExecContext(ctx, query, scan.ID, scan.ScannerID, scan.DisplayValue, scan.RawValue,
		scan.Format, string(boxJSON), int64(scan.FrameSeq), scan.ScannedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

const scanColumns = `id, scanner_id, display_value, raw_value, format, box, frame_seq, scanned_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*ScanRecord, error) {
	var s ScanRecord
	var boxJSON sql.NullString
	var seq, at int64
	if err := row.Scan(&s.ID, &s.ScannerID, &s.DisplayValue, &s.RawValue, &s.Format, &boxJSON, &seq, &at); err != nil {
		return nil, err
	}
	s.FrameSeq = uint64(seq)
	s.ScannedAt = time.Unix(0, at)
	if boxJSON.Valid && boxJSON.String != "" {
		if err := json.Unmarshal([]byte(boxJSON.String), &s.Box); err != nil {
			return nil, fmt.Errorf("failed to unmarshal box: %w", err)
		}
	}
	return &s, nil
}

// GetScan retrieves a scan by ID
func (d *Database) GetScan(ctx context.Context, id string) (*ScanRecord, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+scanColumns+" FROM scans WHERE id = ?", id)
	s, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return s, nil
}

// ListScans returns scans newest first
func (d *Database) ListScans(ctx context.Context, f ScanFilter) ([]*ScanRecord, error) {
	query := "SELECT " + scanColumns + " FROM scans WHERE 1=1"
	args := []any{}

	if f.ScannerID != "" {
		query += " AND scanner_id = ?"
		args = append(args, f.ScannerID)
	}
	if f.RawValue != "" {
		query += " AND raw_value = ?"
		args = append(args, f.RawValue)
	}
	if !f.Since.IsZero() {
		query += " AND scanned_at >= ?"
		args = append(args, f.Since.UnixNano())
	}

	query += " ORDER BY scanned_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	scans := make([]*ScanRecord, 0)
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// CountScans returns the number of scans for scannerID, or all scans when empty
func (d *Database) CountScans(ctx context.Context, scannerID string) (int64, error) {
	query := "SELECT COUNT(*) FROM scans"
	args := []any{}
	if scannerID != "" {
		query += " WHERE scanner_id = ?"
		args = append(args, scannerID)
	}
	var n int64
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count scans: %w", err)
	}
	return n, nil
}

// DeleteScansBefore deletes scans older than before
func (d *Database) DeleteScansBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM scans WHERE scanned_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old scans: %w", err)
	}
	return result.RowsAffected()
}
