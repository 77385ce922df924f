package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"mosaic/internal/inference"
	"mosaic/internal/pipeline"
	"mosaic/internal/view"
)

// Database persists stream metadata, view transitions and stream stats
type Database struct {
	db  *sql.DB
	log *logrus.Entry
}

// StreamRecord is an assembled stream
type StreamRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	UnitType    string    `json:"unit_type"`
	Description string    `json:"description"`
	Tiles       []int     `json:"tiles"`
	CreatedAt   time.Time `json:"created_at"`
}

// ViewEventRecord is one view transition
type ViewEventRecord struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	From      view.State `json:"from"`
	To        view.State `json:"to"`
}

// New opens (creating if needed) the database at path
func New(path string, log *logrus.Entry) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; stats flushes and view events come from different goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Database{db: db, log: log.WithField("component", "database")}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate creates the schema
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			unit_type TEXT NOT NULL,
			description TEXT,
			tiles TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS view_events (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			from_mode TEXT NOT NULL,
			from_stream INTEGER NOT NULL,
			to_mode TEXT NOT NULL,
			to_stream INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stream_stats (
			stream_id TEXT PRIMARY KEY,
			frames INTEGER NOT NULL DEFAULT 0,
			admitted INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			inferences INTEGER NOT NULL DEFAULT 0,
			last_inference_ms REAL,
			avg_inference_ms REAL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (stream_id) REFERENCES streams(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_view_events_time ON view_events(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	d.log.Debug("migrations completed")
	return nil
}

// SaveStream records an assembled stream, replacing a previous record of
// the same name
func (d *Database) SaveStream(ctx context.Context, rec *StreamRecord) error {
	tiles, err := json.Marshal(rec.Tiles)
	if err != nil {
		return fmt.Errorf("failed to encode tiles: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	// stream ids change every run; drop the stale row and its stats
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM stream_stats WHERE stream_id IN (SELECT id FROM streams WHERE name = ? AND id <> ?)`,
		rec.Name, rec.ID); err != nil {
		return fmt.Errorf("failed to clear stale stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE name = ? AND id <> ?`, rec.Name, rec.ID); err != nil {
		return fmt.Errorf("failed to clear stale stream: %w", err)
	}

	query := `INSERT INTO streams (id, name, unit_type, description, tiles, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_type = excluded.unit_type,
			description = excluded.description,
			tiles = excluded.tiles`
	if _, err := tx.ExecContext(ctx, query, rec.ID, rec.Name, rec.UnitType, rec.Description, string(tiles), rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	return tx.Commit()
}

// ListStreams returns every recorded stream by name
func (d *Database) ListStreams(ctx context.Context) ([]*StreamRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, unit_type, description, tiles, created_at FROM streams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var streams []*StreamRecord
	for rows.Next() {
		var rec StreamRecord
		var tiles string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.UnitType, &rec.Description, &tiles, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		if err := json.Unmarshal([]byte(tiles), &rec.Tiles); err != nil {
			return nil, fmt.Errorf("failed to decode tiles of %s: %w", rec.Name, err)
		}
		streams = append(streams, &rec)
	}
	return streams, rows.Err()
}

// RecordViewChange stores a view transition and returns its id
func (d *Database) RecordViewChange(ctx context.Context, from, to view.State) (string, error) {
	id := uuid.NewString()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO view_events (id, timestamp, from_mode, from_stream, to_mode, to_stream) VALUES (?, ?, ?, ?, ?, ?)`,
		id, time.Now(), string(from.Mode), from.Stream, string(to.Mode), to.Stream)
	if err != nil {
		return "", fmt.Errorf("failed to record view change: %w", err)
	}
	return id, nil
}

// ListViewEvents returns the most recent transitions first
func (d *Database) ListViewEvents(ctx context.Context, limit int) ([]*ViewEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, timestamp, from_mode, from_stream, to_mode, to_stream
		FROM view_events ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list view events: %w", err)
	}
	defer rows.Close()

	var events []*ViewEventRecord
	for rows.Next() {
		var ev ViewEventRecord
		var fromMode, toMode string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &fromMode, &ev.From.Stream, &toMode, &ev.To.Stream); err != nil {
			return nil, fmt.Errorf("failed to scan view event: %w", err)
		}
		ev.From.Mode = view.Mode(fromMode)
		ev.To.Mode = view.Mode(toMode)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SaveStats upserts the latest counters of each stream
func (d *Database) SaveStats(ctx context.Context, stats []pipeline.Stats) error {
	query := `INSERT INTO stream_stats
			(stream_id, frames, admitted, skipped, inferences, last_inference_ms, avg_inference_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			frames = excluded.frames,
			admitted = excluded.admitted,
			skipped = excluded.skipped,
			inferences = excluded.inferences,
			last_inference_ms = excluded.last_inference_ms,
			avg_inference_ms = excluded.avg_inference_ms,
			updated_at = excluded.updated_at`

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, s := range stats {
		if _, err := tx.ExecContext(ctx, query, s.StreamID, int64(s.Frames), int64(s.Admitted), int64(s.Skipped),
			int64(s.Inferences), s.LastInferenceMs, s.AvgInferenceMs, now); err != nil {
			return fmt.Errorf("failed to save stats for %s: %w", s.Stream, err)
		}
	}
	return tx.Commit()
}

// ListStats returns persisted stats joined with their stream names
func (d *Database) ListStats(ctx context.Context) ([]pipeline.Stats, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.unit_type, st.frames, st.admitted, st.skipped, st.inferences,
			st.last_inference_ms, st.avg_inference_ms, st.updated_at
		FROM stream_stats st JOIN streams s ON s.id = st.stream_id ORDER BY s.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}
	defer rows.Close()

	var stats []pipeline.Stats
	for rows.Next() {
		var s pipeline.Stats
		var unit string
		var frames, admitted, skipped, inferences int64
		if err := rows.Scan(&s.StreamID, &s.Stream, &unit, &frames, &admitted, &skipped, &inferences,
			&s.LastInferenceMs, &s.AvgInferenceMs, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		s.Unit = inference.Type(unit)
		s.Frames, s.Admitted, s.Skipped, s.Inferences = uint64(frames), uint64(admitted), uint64(skipped), uint64(inferences)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
