// Package catalog is the transactional metadata store tying recording
// files on disk to the streams that produced them. It is the only
// component in this repository that touches a relational database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lightnvr/lightnvr/pkg/logger"
)

// ErrNotFound is returned by GetStreamConfig when no row matches the name.
var ErrNotFound = errors.New("catalog: not found")

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	name              TEXT PRIMARY KEY,
	url               TEXT NOT NULL,
	segment_duration  INTEGER NOT NULL,
	record_audio      INTEGER NOT NULL,
	enabled           INTEGER NOT NULL,
	output_dir        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recordings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_name TEXT NOT NULL,
	file_path   TEXT NOT NULL UNIQUE,
	start_time  INTEGER NOT NULL,
	end_time    INTEGER NOT NULL DEFAULT 0,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	is_complete INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_recordings_stream ON recordings(stream_name);
CREATE INDEX IF NOT EXISTS idx_recordings_open ON recordings(stream_name, is_complete);
`

// StreamConfig mirrors the streams table row (spec.md §3 "Stream
// Configuration").
type StreamConfig struct {
	Name            string
	URL             string
	SegmentDuration int
	RecordAudio     bool
	Enabled         bool
	OutputDir       string
}

// Recording mirrors the recordings table row (spec.md §3 "Recording
// Metadata").
type Recording struct {
	ID         int64
	StreamName string
	FilePath   string
	StartTime  time.Time
	EndTime    time.Time
	SizeBytes  int64
	IsComplete bool
}

// Catalog wraps a sqlite-backed database/sql handle. All methods are safe
// for concurrent use by multiple Stream Recorders and the Supervisor.
type Catalog struct {
	db  *sql.DB
	log *logger.Logger
}

// Open creates (if needed) and opens the sqlite database at path, applying
// the schema.
func Open(path string, log *logger.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// The catalog is written by many goroutines; sqlite only supports one
	// writer at a time regardless, so cap the pool to avoid SQLITE_BUSY
	// storms under concurrent Recorders.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}

	return &Catalog{db: db, log: log}, nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// BeginRecording atomically inserts an open (is_complete=false) row and
// returns its id. Fails with a wrapped error the caller should treat as
// catalog_write_failed.
func (c *Catalog) BeginRecording(ctx context.Context, streamName, filePath string, startTime time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO recordings (stream_name, file_path, start_time, end_time, size_bytes, is_complete)
		 VALUES (?, ?, ?, 0, 0, 0)`,
		streamName, filePath, startTime.Unix())
	if err != nil {
		return 0, fmt.Errorf("catalog: begin recording: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: begin recording: %w", err)
	}
	c.log.DebugCatalog("recording opened", "id", id, "stream", streamName, "path", filePath)
	return id, nil
}

// UpdateRecording performs a partial update. If endTime is the zero Time,
// end_time is left unchanged. Idempotent: calling it twice with
// markComplete=true and the same arguments leaves the row in the same
// state.
func (c *Catalog) UpdateRecording(ctx context.Context, id int64, endTime time.Time, sizeBytes int64, markComplete bool) error {
	complete := 0
	if markComplete {
		complete = 1
	}

	var err error
	if endTime.IsZero() {
		_, err = c.db.ExecContext(ctx,
			`UPDATE recordings SET size_bytes = ?, is_complete = ? WHERE id = ?`,
			sizeBytes, complete, id)
	} else {
		_, err = c.db.ExecContext(ctx,
			`UPDATE recordings SET end_time = ?, size_bytes = ?, is_complete = ? WHERE id = ?`,
			endTime.Unix(), sizeBytes, complete, id)
	}
	if err != nil {
		return fmt.Errorf("catalog: update recording %d: %w", id, err)
	}
	return nil
}

// GetStreamConfig reads the current configuration for a stream.
func (c *Catalog) GetStreamConfig(ctx context.Context, name string) (StreamConfig, error) {
	var sc StreamConfig
	var recordAudio, enabled int
	err := c.db.QueryRowContext(ctx,
		`SELECT name, url, segment_duration, record_audio, enabled, output_dir
		 FROM streams WHERE name = ?`, name).
		Scan(&sc.Name, &sc.URL, &sc.SegmentDuration, &recordAudio, &enabled, &sc.OutputDir)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamConfig{}, ErrNotFound
	}
	if err != nil {
		return StreamConfig{}, fmt.Errorf("catalog: get stream config %q: %w", name, err)
	}
	sc.RecordAudio = recordAudio != 0
	sc.Enabled = enabled != 0
	return sc, nil
}

// UpsertStream inserts or replaces a stream's configuration row. Used by
// the entrypoint's stream bootstrap (cmd/lightnvr).
func (c *Catalog) UpsertStream(ctx context.Context, sc StreamConfig) error {
	recordAudio, enabled := 0, 0
	if sc.RecordAudio {
		recordAudio = 1
	}
	if sc.Enabled {
		enabled = 1
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO streams (name, url, segment_duration, record_audio, enabled, output_dir)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			url=excluded.url,
			segment_duration=excluded.segment_duration,
			record_audio=excluded.record_audio,
			enabled=excluded.enabled,
			output_dir=excluded.output_dir`,
		sc.Name, sc.URL, sc.SegmentDuration, recordAudio, enabled, sc.OutputDir)
	if err != nil {
		return fmt.Errorf("catalog: upsert stream %q: %w", sc.Name, err)
	}
	return nil
}

// ListStreams returns every configured stream, enabled or not. The
// Supervisor uses this at startup and on each reconciliation tick.
func (c *Catalog) ListStreams(ctx context.Context) ([]StreamConfig, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, url, segment_duration, record_audio, enabled, output_dir FROM streams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list streams: %w", err)
	}
	defer rows.Close()

	var out []StreamConfig
	for rows.Next() {
		var sc StreamConfig
		var recordAudio, enabled int
		if err := rows.Scan(&sc.Name, &sc.URL, &sc.SegmentDuration, &recordAudio, &enabled, &sc.OutputDir); err != nil {
			return nil, fmt.Errorf("catalog: list streams: %w", err)
		}
		sc.RecordAudio = recordAudio != 0
		sc.Enabled = enabled != 0
		out = append(out, sc)
	}
	return out, rows.Err()
}

// OpenRecordingForStream returns an is_complete=false row for a stream, if
// any. Used by tests asserting invariant 2 (at most one open row per
// stream); startup recovery uses OpenRecordings instead.
func (c *Catalog) OpenRecordingForStream(ctx context.Context, streamName string) (*Recording, error) {
	rows, err := c.queryRecordings(ctx, `WHERE stream_name = ? AND is_complete = 0`, streamName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// OpenRecordings returns every is_complete=false row across all streams,
// used by startup crash recovery.
func (c *Catalog) OpenRecordings(ctx context.Context) ([]Recording, error) {
	return c.queryRecordings(ctx, `WHERE is_complete = 0`)
}

func (c *Catalog) queryRecordings(ctx context.Context, where string, args ...any) ([]Recording, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, stream_name, file_path, start_time, end_time, size_bytes, is_complete
		 FROM recordings `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var r Recording
		var start, end, complete int64
		if err := rows.Scan(&r.ID, &r.StreamName, &r.FilePath, &start, &end, &r.SizeBytes, &complete); err != nil {
			return nil, fmt.Errorf("catalog: query recordings: %w", err)
		}
		r.StartTime = time.Unix(start, 0)
		if end > 0 {
			r.EndTime = time.Unix(end, 0)
		}
		r.IsComplete = complete != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListClosedRecordings returns every is_complete=true row across all
// streams, oldest start_time first, for retention enforcement to walk.
func (c *Catalog) ListClosedRecordings(ctx context.Context) ([]Recording, error) {
	return c.queryRecordings(ctx, `WHERE is_complete = 1 ORDER BY start_time ASC`)
}

// DeleteRecording removes a row, used by retention enforcement alongside
// deletion of the underlying file (the caller orders the two; note that
// RecoverOnStartup only examines open rows, so it does not remove a closed
// row whose file is already gone).
func (c *Catalog) DeleteRecording(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog: delete recording %d: %w", id, err)
	}
	return nil
}

// RecoverOnStartup implements the crash-recovery sweep from spec.md §4.3:
// open rows whose file exists are sealed using mtime and on-disk size;
// rows whose file is missing are deleted. It is idempotent — rerunning it
// against an already-recovered catalog is a no-op.
func (c *Catalog) RecoverOnStartup(ctx context.Context) error {
	open, err := c.OpenRecordings(ctx)
	if err != nil {
		return err
	}

	for _, r := range open {
		fi, err := os.Stat(r.FilePath)
		if errors.Is(err, os.ErrNotExist) {
			c.log.Warn("recovering catalog: orphan row has no file, deleting", "id", r.ID, "path", r.FilePath)
			if err := c.DeleteRecording(ctx, r.ID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("catalog: stat %q during recovery: %w", r.FilePath, err)
		}

		c.log.Warn("recovering catalog: sealing orphan row from mtime/size", "id", r.ID, "path", r.FilePath)
		if err := c.UpdateRecording(ctx, r.ID, fi.ModTime(), fi.Size(), true); err != nil {
			return err
		}
	}
	return nil
}
