package recorder

import (
	"database/sql"
	"fmt"
	"time"

	"ptzspotter/ptz"
	"ptzspotter/tracking"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const detectionSchema = `
CREATE TABLE IF NOT EXISTS detections (
	run_id     TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	class      TEXT NOT NULL,
	confidence REAL NOT NULL,
	x          INTEGER NOT NULL,
	y          INTEGER NOT NULL,
	w          INTEGER NOT NULL,
	h          INTEGER NOT NULL,
	pan        REAL NOT NULL,
	tilt       REAL NOT NULL,
	zoom       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detections_run_ts ON detections (run_id, ts);
`

// DetectionLog stores one row per cycle that had a target in a SQLite
// database. Rows are stamped with a run id so several runs can share a file.
type DetectionLog struct {
	db    *sql.DB
	runID uuid.UUID
}

// OpenDetectionLog opens or creates the database at path.
func OpenDetectionLog(path string, runID uuid.UUID) (*DetectionLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open detection log: %w", err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(detectionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create detection schema: %w", err)
	}
	return &DetectionLog{db: db, runID: runID}, nil
}

// RunID returns the id stamped on rows written by this log.
func (l *DetectionLog) RunID() uuid.UUID { return l.runID }

// Insert records box seen at ts with the camera at pos.
func (l *DetectionLog) Insert(ts time.Time, box tracking.BoundingBox, pos ptz.Position) error {
	_, err := l.db.Exec(
		`INSERT INTO detections (run_id, ts, class, confidence, x, y, w, h, pan, tilt, zoom)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID.String(), ts.UnixNano(), box.ClassName, box.Confidence,
		box.X, box.Y, box.Width, box.Height, pos.Pan, pos.Tilt, pos.Zoom,
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// Count returns the number of rows for this run.
func (l *DetectionLog) Count() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM detections WHERE run_id = ?`, l.runID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count detections: %w", err)
	}
	return n, nil
}

// ClassCounts returns detections per class for this run.
func (l *DetectionLog) ClassCounts() (map[string]int, error) {
	rows, err := l.db.Query(`SELECT class, COUNT(*) FROM detections WHERE run_id = ? GROUP BY class`, l.runID.String())
	if err != nil {
		return nil, fmt.Errorf("query class counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scan class count: %w", err)
		}
		counts[class] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (l *DetectionLog) Close() error {
	return l.db.Close()
}
