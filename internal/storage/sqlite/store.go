// Package sqlite persists runs, measurements and QC flags to an embedded
// SQLite database so results from many runs can be queried together.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nucleusquant/internal/measure"
	"nucleusquant/internal/qc"
	"nucleusquant/internal/storage/sqlite/migrations"
)

// Fixed-width so lexical order matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run ID has no record.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the stored summary of one run.
type RunRecord struct {
	RunID      string
	RunHash    string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	InputDir   string
	OutputDir  string
	Images     int
	Failures   int
	Nuclei     int
	Params     map[string]any
}

// Store is a SQLite-backed result store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	// modernc applies _pragma parameters on every new connection.
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun inserts or replaces a run record.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (run_id, run_hash, started_at, finished_at, status, input_dir, output_dir, images, failures, nuclei, params_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    run_hash = excluded.run_hash,
    started_at = excluded.started_at,
    finished_at = excluded.finished_at,
    status = excluded.status,
    input_dir = excluded.input_dir,
    output_dir = excluded.output_dir,
    images = excluded.images,
    failures = excluded.failures,
    nuclei = excluded.nuclei,
    params_json = excluded.params_json`,
		r.RunID, r.RunHash,
		r.StartedAt.UTC().Format(timeFormat), r.FinishedAt.UTC().Format(timeFormat),
		r.Status, r.InputDir, r.OutputDir,
		r.Images, r.Failures, r.Nuclei, string(paramsJSON),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

// SaveMeasurements replaces the measurements of runID in one transaction.
func (s *Store) SaveMeasurements(ctx context.Context, runID string, ms []measure.Measurement) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE run_id = ?`, runID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO measurements (run_id, image_id, label, area, mean_intensity, integrated_intensity,
    centroid_row, centroid_col, bbox_min_row, bbox_min_col, bbox_max_row, bbox_max_col)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range ms {
			if _, err := stmt.ExecContext(ctx, runID, m.ImageID, m.Label, m.Area, m.MeanIntensity, m.IntegratedIntensity,
				m.CentroidRow, m.CentroidCol, m.MinRow, m.MinCol, m.MaxRow, m.MaxCol); err != nil {
				return fmt.Errorf("insert %s/%d: %w", m.ImageID, m.Label, err)
			}
		}
		return nil
	})
}

// SaveFlags replaces the QC flags of runID in one transaction.
func (s *Store) SaveFlags(ctx context.Context, runID string, flags []qc.Flag) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM qc_flags WHERE run_id = ?`, runID); err != nil {
			return err
		}
		for _, f := range flags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO qc_flags (run_id, image_id, num_nuclei, reason) VALUES (?, ?, ?, ?)`,
				runID, f.ImageID, f.Count, f.Reason,
			); err != nil {
				return fmt.Errorf("insert flag %s: %w", f.ImageID, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, run_hash, started_at, finished_at, status, input_dir, output_dir, images, failures, nuclei, params_json
FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, run_hash, started_at, finished_at, status, input_dir, output_dir, images, failures, nuclei, params_json
FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		r                 RunRecord
		started, finished string
		params            string
	)
	if err := sc.Scan(&r.RunID, &r.RunHash, &started, &finished, &r.Status, &r.InputDir, &r.OutputDir,
		&r.Images, &r.Failures, &r.Nuclei, &params); err != nil {
		return RunRecord{}, err
	}
	var err error
	if r.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return RunRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(timeFormat, finished); err != nil {
		return RunRecord{}, fmt.Errorf("parse finished_at: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return RunRecord{}, fmt.Errorf("parse params: %w", err)
	}
	return r, nil
}

// MeasurementsForRun returns the measurements of runID ordered by image and
// label.
func (s *Store) MeasurementsForRun(ctx context.Context, runID string) ([]measure.Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT image_id, label, area, mean_intensity, integrated_intensity,
    centroid_row, centroid_col, bbox_min_row, bbox_min_col, bbox_max_row, bbox_max_col
FROM measurements WHERE run_id = ? ORDER BY image_id, label`, runID)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	var out []measure.Measurement
	for rows.Next() {
		var m measure.Measurement
		if err := rows.Scan(&m.ImageID, &m.Label, &m.Area, &m.MeanIntensity, &m.IntegratedIntensity,
			&m.CentroidRow, &m.CentroidCol, &m.MinRow, &m.MinCol, &m.MaxRow, &m.MaxCol); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FlagsForRun returns the QC flags of runID ordered by image.
func (s *Store) FlagsForRun(ctx context.Context, runID string) ([]qc.Flag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image_id, num_nuclei, reason FROM qc_flags WHERE run_id = ? ORDER BY image_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	defer rows.Close()

	var out []qc.Flag
	for rows.Next() {
		var f qc.Flag
		if err := rows.Scan(&f.ImageID, &f.Count, &f.Reason); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
