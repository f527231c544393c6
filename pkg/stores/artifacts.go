package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wzdat/wzdat/pkg/engine"
)

// DefaultFormat is the storage layout recorded for rows written as JSON.
const DefaultFormat = "table"

// ArtifactStore keeps published tables together with their accumulated
// checksum. Each write updates rows and checksum in one transaction.
type ArtifactStore struct {
	store *SQLiteStore
}

var _ engine.ArtifactStore = (*ArtifactStore)(nil)

// NewArtifactStore creates an artifact store on an initialized store.
func NewArtifactStore(store *SQLiteStore) *ArtifactStore {
	return &ArtifactStore{store: store}
}

// Exists reports whether the artifact has been written.
func (a *ArtifactStore) Exists(ctx context.Context, key engine.ArtifactKey) (bool, error) {
	var one int
	err := a.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM artifacts WHERE owner = ? AND name = ?`, key.Owner, key.Name,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check artifact: %w", err)
	}
	return true, nil
}

// Checksum returns the accumulated checksum, 0 if never written.
func (a *ArtifactStore) Checksum(ctx context.Context, key engine.ArtifactKey) (int64, error) {
	var sum int64
	err := a.store.db.QueryRowContext(ctx,
		`SELECT checksum FROM artifacts WHERE owner = ? AND name = ?`, key.Owner, key.Name,
	).Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact checksum: %w", err)
	}
	return sum, nil
}

// Append adds rows to an artifact, creating it if needed, and returns the
// new checksum. Columns must match those already stored.
func (a *ArtifactStore) Append(ctx context.Context, key engine.ArtifactKey, table engine.Table) (int64, error) {
	return a.write(ctx, key, table, engine.WriteParams{Mode: engine.WriteModeAppend, Format: DefaultFormat})
}

// Write replaces an artifact and returns the new checksum.
func (a *ArtifactStore) Write(ctx context.Context, key engine.ArtifactKey, table engine.Table) (int64, error) {
	return a.write(ctx, key, table, engine.WriteParams{Mode: engine.WriteModeOverwrite, Format: DefaultFormat})
}

func (a *ArtifactStore) write(ctx context.Context, key engine.ArtifactKey, table engine.Table, params engine.WriteParams) (int64, error) {
	if key.Owner == "" || key.Name == "" {
		return 0, fmt.Errorf("artifact key requires owner and name")
	}
	if err := validateTable(table); err != nil {
		return 0, err
	}

	columnsJSON, err := json.Marshal(table.Columns)
	if err != nil {
		return 0, fmt.Errorf("failed to encode columns: %w", err)
	}

	var checksum int64
	err = a.store.withTx(ctx, func(tx *sql.Tx) error {
		var (
			previous   int64
			rowCount   int64
			storedCols string
			exists     = true
		)
		err := tx.QueryRowContext(ctx,
			`SELECT checksum, row_count, columns FROM artifacts WHERE owner = ? AND name = ?`,
			key.Owner, key.Name,
		).Scan(&previous, &rowCount, &storedCols)
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("failed to read artifact: %w", err)
		}

		if exists && params.Mode == engine.WriteModeAppend && storedCols != string(columnsJSON) {
			return fmt.Errorf("artifact %s: appended columns %s do not match stored columns %s",
				key, columnsJSON, storedCols)
		}

		if params.Mode == engine.WriteModeOverwrite || !exists {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM artifact_rows WHERE owner = ? AND name = ?`, key.Owner, key.Name,
			); err != nil {
				return fmt.Errorf("failed to clear artifact rows: %w", err)
			}
			rowCount = 0
		}

		checksum = engine.AccumulateChecksum(previous, exists, table, params)
		now := nowNanos()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (owner, name, checksum, row_count, columns, format, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (owner, name) DO UPDATE SET
				checksum = excluded.checksum,
				row_count = excluded.row_count,
				columns = excluded.columns,
				format = excluded.format,
				updated_at = excluded.updated_at
		`, key.Owner, key.Name, checksum, rowCount+int64(len(table.Rows)), string(columnsJSON), params.Format, now); err != nil {
			return fmt.Errorf("failed to write artifact: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO artifact_rows (owner, name, seq, idx, data) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare row insert: %w", err)
		}
		defer stmt.Close()

		for i, row := range table.Rows {
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("failed to encode row %d: %w", i, err)
			}
			var idx sql.NullString
			if len(table.Index) > 0 {
				idx = sql.NullString{String: table.Index[i], Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, key.Owner, key.Name, rowCount+int64(i), idx, string(data)); err != nil {
				return fmt.Errorf("failed to insert row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return checksum, nil
}

// Read returns the full table of an artifact.
func (a *ArtifactStore) Read(ctx context.Context, key engine.ArtifactKey) (*engine.Table, error) {
	var columnsJSON string
	err := a.store.db.QueryRowContext(ctx,
		`SELECT columns FROM artifacts WHERE owner = ? AND name = ?`, key.Owner, key.Name,
	).Scan(&columnsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	table := &engine.Table{Rows: [][]interface{}{}}
	if err := json.Unmarshal([]byte(columnsJSON), &table.Columns); err != nil {
		return nil, fmt.Errorf("failed to decode columns: %w", err)
	}

	rows, err := a.store.db.QueryContext(ctx,
		`SELECT idx, data FROM artifact_rows WHERE owner = ? AND name = ? ORDER BY seq`,
		key.Owner, key.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact rows: %w", err)
	}
	defer rows.Close()

	var index []string
	hasIndex := false
	for rows.Next() {
		var (
			idx  sql.NullString
			data string
		)
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		var row []interface{}
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("failed to decode artifact row: %w", err)
		}
		table.Rows = append(table.Rows, row)
		index = append(index, idx.String)
		hasIndex = hasIndex || idx.Valid
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifact rows: %w", err)
	}

	if hasIndex {
		table.Index = index
	}
	return table, nil
}

// Delete removes an artifact and its rows.
func (a *ArtifactStore) Delete(ctx context.Context, key engine.ArtifactKey) error {
	result, err := a.store.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE owner = ? AND name = ?`, key.Owner, key.Name)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}

	return nil
}

// List returns metadata of every artifact, ordered by key.
func (a *ArtifactStore) List(ctx context.Context) ([]*ArtifactInfo, error) {
	rows, err := a.store.db.QueryContext(ctx, `
		SELECT owner, name, checksum, row_count, columns, format, updated_at
		FROM artifacts
		ORDER BY owner, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	infos := []*ArtifactInfo{}
	for rows.Next() {
		var (
			info        ArtifactInfo
			columnsJSON string
			updatedNs   int64
		)
		if err := rows.Scan(&info.Key.Owner, &info.Key.Name, &info.Checksum, &info.RowCount,
			&columnsJSON, &info.Format, &updatedNs); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(columnsJSON), &info.Columns); err != nil {
			return nil, fmt.Errorf("failed to decode columns: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updatedNs)
		infos = append(infos, &info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return infos, nil
}

func validateTable(t engine.Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table has no columns")
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(t.Columns))
		}
	}
	if len(t.Index) > 0 && len(t.Index) != len(t.Rows) {
		return fmt.Errorf("index has %d labels for %d rows", len(t.Index), len(t.Rows))
	}
	return nil
}
