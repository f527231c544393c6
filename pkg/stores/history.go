package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wzdat/wzdat/pkg/engine"
)

// RunHistory implements engine.HistoryStore on SQLite.
type RunHistory struct {
	store *SQLiteStore
}

var _ engine.HistoryStore = (*RunHistory)(nil)

// NewRunHistory creates a run history on an initialized store.
func NewRunHistory(store *SQLiteStore) *RunHistory {
	return &RunHistory{store: store}
}

// Reset clears progress, error and timestamps and records the current
// own-content fingerprint. The record is created if missing.
func (h *RunHistory) Reset(ctx context.Context, path string, contentFingerprint int64) error {
	query := `
		INSERT INTO run_history (path, content_fingerprint, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			start_time = NULL,
			elapsed = NULL,
			cur_step = 0,
			total_steps = 0,
			error = NULL,
			content_fingerprint = excluded.content_fingerprint,
			updated_at = excluded.updated_at
	`

	if _, err := h.db().ExecContext(ctx, query, path, contentFingerprint, nowNanos()); err != nil {
		return fmt.Errorf("failed to reset run: %w", err)
	}
	return nil
}

// Start records the start time and step count and clears any error.
func (h *RunHistory) Start(ctx context.Context, path string, totalSteps int) error {
	query := `
		INSERT INTO run_history (path, start_time, total_steps, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			start_time = excluded.start_time,
			elapsed = NULL,
			cur_step = 0,
			total_steps = excluded.total_steps,
			error = NULL,
			updated_at = excluded.updated_at
	`

	now := nowNanos()
	if _, err := h.db().ExecContext(ctx, query, path, now, totalSteps, now); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// Step updates progress of an active run. Without one it does nothing.
func (h *RunHistory) Step(ctx context.Context, path string, current int) error {
	query := `
		UPDATE run_history
		SET cur_step = ?, updated_at = ?
		WHERE path = ? AND start_time IS NOT NULL AND elapsed IS NULL AND error IS NULL
	`

	if _, err := h.db().ExecContext(ctx, query, current, nowNanos(), path); err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// Finish closes a run. On success elapsed is set and the current step
// equals the total; on failure the error is set and elapsed stays unset.
func (h *RunHistory) Finish(ctx context.Context, path string, runErr error) error {
	now := nowNanos()

	if runErr != nil {
		query := `
			INSERT INTO run_history (path, error, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (path) DO UPDATE SET
				elapsed = NULL,
				error = excluded.error,
				updated_at = excluded.updated_at
		`
		if _, err := h.db().ExecContext(ctx, query, path, runErr.Error(), now); err != nil {
			return fmt.Errorf("failed to finish run: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO run_history (path, elapsed, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (path) DO UPDATE SET
			elapsed = CASE WHEN start_time IS NULL THEN 0 ELSE ? - start_time END,
			cur_step = total_steps,
			error = NULL,
			updated_at = excluded.updated_at
	`
	if _, err := h.db().ExecContext(ctx, query, path, now, now); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ReconcileOrphans resets records left by runs that crashed without
// reporting and returns their paths.
func (h *RunHistory) ReconcileOrphans(ctx context.Context) ([]string, error) {
	var orphans []string

	err := h.store.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT path FROM run_history
			WHERE error IS NULL AND cur_step > 0 AND elapsed IS NULL
		`)
		if err != nil {
			return fmt.Errorf("failed to query orphaned runs: %w", err)
		}
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan orphaned run: %w", err)
			}
			orphans = append(orphans, path)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("error iterating orphaned runs: %w", err)
		}
		_ = rows.Close()

		now := nowNanos()
		for _, path := range orphans {
			_, err := tx.ExecContext(ctx, `
				UPDATE run_history
				SET start_time = NULL, elapsed = NULL, cur_step = 0, total_steps = 0, updated_at = ?
				WHERE path = ?
			`, now, path)
			if err != nil {
				return fmt.Errorf("failed to reset orphaned run: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(orphans)
	return orphans, nil
}

// CheckErrorAndChanged reports whether the last run failed and whether the
// content fingerprint differs from the one recorded at the last reset. A
// unit without a record has no error and counts as changed.
func (h *RunHistory) CheckErrorAndChanged(ctx context.Context, path string, contentFingerprint int64) (bool, bool, error) {
	var errMsg sql.NullString
	var recorded int64

	err := h.db().QueryRowContext(ctx,
		`SELECT error, content_fingerprint FROM run_history WHERE path = ?`, path,
	).Scan(&errMsg, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return false, true, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to check run: %w", err)
	}

	return errMsg.Valid, recorded != contentFingerprint, nil
}

// RecordFingerprints stores the dependency fingerprints observed for a run.
func (h *RunHistory) RecordFingerprints(ctx context.Context, path string, files, artifacts engine.Fingerprint, maxMemory uint64) error {
	filesJSON, err := encodeFingerprint(files)
	if err != nil {
		return err
	}
	artifactsJSON, err := encodeFingerprint(artifacts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO run_history (path, file_fingerprint, artifact_fingerprint, max_memory, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			file_fingerprint = excluded.file_fingerprint,
			artifact_fingerprint = excluded.artifact_fingerprint,
			max_memory = excluded.max_memory,
			updated_at = excluded.updated_at
	`
	if _, err := h.db().ExecContext(ctx, query, path, filesJSON, artifactsJSON, int64(maxMemory), nowNanos()); err != nil {
		return fmt.Errorf("failed to record fingerprints: %w", err)
	}
	return nil
}

const recordColumns = `path, start_time, elapsed, cur_step, total_steps, error,
	file_fingerprint, artifact_fingerprint, content_fingerprint, max_memory, updated_at`

// Get returns the record of one unit.
func (h *RunHistory) Get(ctx context.Context, path string) (*engine.RunRecord, error) {
	row := h.db().QueryRowContext(ctx, `SELECT `+recordColumns+` FROM run_history WHERE path = ?`, path)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run record %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run record: %w", err)
	}
	return rec, nil
}

// List returns every record ordered by path.
func (h *RunHistory) List(ctx context.Context) ([]*engine.RunRecord, error) {
	rows, err := h.db().QueryContext(ctx, `SELECT `+recordColumns+` FROM run_history ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	defer rows.Close()

	records := []*engine.RunRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return records, nil
}

// Purge deletes the record of one unit.
func (h *RunHistory) Purge(ctx context.Context, path string) error {
	result, err := h.db().ExecContext(ctx, `DELETE FROM run_history WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to purge run record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run record %s: %w", path, ErrNotFound)
	}

	return nil
}

// State returns the dashboard state of a unit.
func (h *RunHistory) State(ctx context.Context, path string) (engine.RunState, error) {
	rec, err := h.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return engine.RunStateNever, nil
	}
	if err != nil {
		return "", err
	}
	return rec.State(), nil
}

func (h *RunHistory) db() *sql.DB {
	return h.store.db
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*engine.RunRecord, error) {
	var (
		rec                 engine.RunRecord
		startTime, elapsed  sql.NullInt64
		errMsg              sql.NullString
		files, artifacts    sql.NullString
		maxMemory, updateNs int64
	)

	err := s.Scan(
		&rec.Path,
		&startTime,
		&elapsed,
		&rec.CurrentStep,
		&rec.TotalSteps,
		&errMsg,
		&files,
		&artifacts,
		&rec.ContentFingerprint,
		&maxMemory,
		&updateNs,
	)
	if err != nil {
		return nil, err
	}

	if startTime.Valid {
		t := time.Unix(0, startTime.Int64)
		rec.StartTime = &t
	}
	if elapsed.Valid {
		d := time.Duration(elapsed.Int64)
		rec.Elapsed = &d
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.LastError = &msg
	}
	if rec.FileFingerprint, err = decodeFingerprint(files); err != nil {
		return nil, err
	}
	if rec.ArtifactFingerprint, err = decodeFingerprint(artifacts); err != nil {
		return nil, err
	}
	rec.MaxMemory = uint64(maxMemory)
	rec.UpdatedAt = time.Unix(0, updateNs)
	return &rec, nil
}

func encodeFingerprint(fp engine.Fingerprint) (sql.NullString, error) {
	if fp == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(fp)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeFingerprint(s sql.NullString) (engine.Fingerprint, error) {
	if !s.Valid {
		return nil, nil
	}
	var fp engine.Fingerprint
	if err := json.Unmarshal([]byte(s.String), &fp); err != nil {
		return nil, fmt.Errorf("failed to decode fingerprint: %w", err)
	}
	return fp, nil
}
