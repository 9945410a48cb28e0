// Package manifest records which frame was selected for every layer of a
// post-processing run, in layer order, in a SQLite database inside the
// session directory.
package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chrissnell/layerlapse/internal/repair"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const createRunsTableSQL = `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		session     TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		median_size REAL NOT NULL,
		threshold   REAL NOT NULL,
		output      TEXT NOT NULL DEFAULT ''
	)`

const createLayersTableSQL = `
	CREATE TABLE IF NOT EXISTS layers (
		run_id       TEXT NOT NULL REFERENCES runs(id),
		layer_index  INTEGER NOT NULL,
		z            REAL NOT NULL,
		capture_ns   INTEGER NOT NULL,
		candidates   INTEGER NOT NULL,
		status       TEXT NOT NULL,
		attempts     INTEGER NOT NULL,
		frame_path   TEXT NOT NULL DEFAULT '',
		frame_source INTEGER NOT NULL DEFAULT 0,
		frame_size   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, layer_index)
	)`

// ErrNoRuns is returned when the manifest holds no runs yet
var ErrNoRuns = errors.New("manifest has no runs")

// Run describes one post-processing run
type Run struct {
	ID         string    `json:"id"`
	Session    string    `json:"session"`
	CreatedAt  time.Time `json:"created_at"`
	MedianSize float64   `json:"median_size"`
	Threshold  float64   `json:"threshold"`
	Output     string    `json:"output,omitempty"`
}

// Entry is the manifest row for one layer
type Entry struct {
	LayerIndex  int           `json:"layer_index"`
	Z           float64       `json:"z"`
	Capture     time.Duration `json:"capture"`
	Candidates  int           `json:"candidates"`
	Status      repair.Status `json:"status"`
	Attempts    int           `json:"attempts"`
	FramePath   string        `json:"frame_path,omitempty"`
	FrameSource time.Duration `json:"frame_source"`
	FrameSize   int64         `json:"frame_size"`
}

// NewRun creates a run record with a fresh ID from a repair result
func NewRun(session string, res *repair.Result) Run {
	return Run{
		ID:         uuid.NewString(),
		Session:    session,
		CreatedAt:  time.Now(),
		MedianSize: res.MedianSize,
		Threshold:  res.Threshold,
	}
}

// Entries converts resolutions to manifest rows, preserving their order
func Entries(resolutions []repair.Resolution) []Entry {
	entries := make([]Entry, 0, len(resolutions))
	for _, r := range resolutions {
		e := Entry{
			LayerIndex: r.Layer.Index,
			Z:          r.Layer.Z,
			Capture:    r.Layer.Capture,
			Candidates: len(r.Layer.Candidates),
			Status:     r.Status,
			Attempts:   r.Attempts,
		}
		if r.HasFrame() {
			e.FramePath = r.Frame.Path
			e.FrameSource = r.Frame.Source
			e.FrameSize = r.Frame.Size
		}
		entries = append(entries, e)
	}
	return entries
}

// Manifest is a handle on a manifest database
type Manifest struct {
	db *sql.DB
}

// Open opens or creates the manifest database at path
func Open(path string) (*Manifest, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest database: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping manifest database: %w", err)
	}

	for _, stmt := range []string{createRunsTableSQL, createLayersTableSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create manifest schema: %w", err)
		}
	}

	return &Manifest{db: db}, nil
}

// Close closes the database
func (m *Manifest) Close() error {
	return m.db.Close()
}

// Write stores a run and its layer entries in one transaction
func (m *Manifest) Write(ctx context.Context, run Run, entries []Entry) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, session, created_at, median_size, threshold, output) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Session, run.CreatedAt.UnixNano(), run.MedianSize, run.Threshold, run.Output,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO layers (run_id, layer_index, z, capture_ns, candidates, status, attempts, frame_path, frame_source, frame_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare layer insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			run.ID, e.LayerIndex, e.Z, int64(e.Capture), e.Candidates, string(e.Status), e.Attempts,
			e.FramePath, int64(e.FrameSource), e.FrameSize,
		); err != nil {
			return fmt.Errorf("failed to insert layer %d: %w", e.LayerIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

// SetOutput records the assembled timelapse path for a run
func (m *Manifest) SetOutput(ctx context.Context, runID, output string) error {
	res, err := m.db.ExecContext(ctx, `UPDATE runs SET output = ? WHERE id = ?`, output, runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// LatestRun returns the most recently created run
func (m *Manifest) LatestRun(ctx context.Context) (Run, error) {
	var (
		run     Run
		created int64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT id, session, created_at, median_size, threshold, output FROM runs ORDER BY created_at DESC LIMIT 1`,
	).Scan(&run.ID, &run.Session, &created, &run.MedianSize, &run.Threshold, &run.Output)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNoRuns
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to query latest run: %w", err)
	}
	run.CreatedAt = time.Unix(0, created)
	return run, nil
}

// Entries returns the layer entries of a run in ascending layer order
func (m *Manifest) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT layer_index, z, capture_ns, candidates, status, attempts, frame_path, frame_source, frame_size
		FROM layers WHERE run_id = ? ORDER BY layer_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query layers: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e               Entry
			capture, source int64
			status          string
		)
		if err := rows.Scan(&e.LayerIndex, &e.Z, &capture, &e.Candidates, &status, &e.Attempts,
			&e.FramePath, &source, &e.FrameSize); err != nil {
			return nil, fmt.Errorf("failed to scan layer row: %w", err)
		}
		e.Capture = time.Duration(capture)
		e.FrameSource = time.Duration(source)
		e.Status = repair.Status(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating layers: %w", err)
	}
	return entries, nil
}
