package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements RunStore, StepStore, IdempotencyStore, and
// ResourceStore on a SQLite database.
//
// It expects an *sql.DB opened with a SQLite driver; the caller imports the
// driver for its side effects, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ RunStore         = (*SQLiteStore)(nil)
	_ StepStore        = (*SQLiteStore)(nil)
	_ IdempotencyStore = (*SQLiteStore)(nil)
	_ ResourceStore    = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event BLOB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT,
			wake_at INTEGER,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step TEXT NOT NULL,
			result BLOB,
			completed_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, step)
		);
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			workflow TEXT NOT NULL,
			key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workflow, key)
		);
		CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			media_url TEXT NOT NULL DEFAULT '',
			host_asset_id TEXT NOT NULL DEFAULT '',
			host_playback_id TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			srt TEXT NOT NULL DEFAULT '',
			word_level_srt TEXT NOT NULL DEFAULT '',
			transcript_with_screenshots TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow, event_name, event, status, attempts, error, wake_at, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Workflow,
		run.EventName,
		run.Event,
		string(run.Status),
		run.Attempts,
		run.Error,
		nullableUnix(run.WakeAt),
		run.StartedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, attempts = ?, error = ?, wake_at = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status),
		run.Attempts,
		run.Error,
		nullableUnix(run.WakeAt),
		run.UpdatedAt.UnixNano(),
		run.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, event_name, event, status, attempts, error, wake_at, started_at, updated_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT id, workflow, event_name, event, status, attempts, error, wake_at, started_at, updated_at
		FROM runs`
	var clauses []string
	var args []any
	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetStep(ctx context.Context, runID, step string) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, result, completed_at
		FROM steps WHERE run_id = ? AND step = ?`, runID, step)

	var rec StepRecord
	var completed int64
	if err := row.Scan(&rec.RunID, &rec.Step, &rec.Result, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	rec.CompletedAt = time.Unix(0, completed)
	return &rec, nil
}

func (s *SQLiteStore) PutStep(ctx context.Context, rec *StepRecord) error {
	// INSERT OR IGNORE keeps the first completion authoritative under replay.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO steps (run_id, step, result, completed_at)
		VALUES (?, ?, ?, ?)`,
		rec.RunID, rec.Step, rec.Result, rec.CompletedAt.UnixNano())
	return err
}

func (s *SQLiteStore) Claim(ctx context.Context, workflow, key, runID string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_keys (workflow, key, run_id, created_at)
		VALUES (?, ?, ?, ?)`,
		workflow, key, runID, time.Now().UnixNano())
	if err != nil {
		return "", false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected > 0 {
		return runID, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `
		SELECT run_id FROM idempotency_keys WHERE workflow = ? AND key = ?`,
		workflow, key).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) CreateResource(ctx context.Context, res *Resource) error {
	now := time.Now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, title, state, media_url, host_asset_id, host_playback_id,
			transcript, srt, word_level_srt, transcript_with_screenshots, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.Title, string(res.State), res.MediaURL, res.HostAssetID, res.HostPlaybackID,
		res.Transcript, res.SRT, res.WordLevelSRT, res.TranscriptWithScreenshots,
		res.CreatedAt.UnixNano(), res.UpdatedAt.UnixNano())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrResourceExists
	}
	return err
}

func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, state, media_url, host_asset_id, host_playback_id,
			transcript, srt, word_level_srt, transcript_with_screenshots, created_at, updated_at
		FROM resources WHERE id = ?`, id)

	var res Resource
	var state string
	var created, updated int64
	err := row.Scan(&res.ID, &res.Title, &state, &res.MediaURL, &res.HostAssetID, &res.HostPlaybackID,
		&res.Transcript, &res.SRT, &res.WordLevelSRT, &res.TranscriptWithScreenshots, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}
	res.State = ResourceState(state)
	res.CreatedAt = time.Unix(0, created)
	res.UpdatedAt = time.Unix(0, updated)
	return &res, nil
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	sets, args, err := buildFieldUpdate(fields)
	if err != nil {
		return err
	}
	args = append(args, time.Now().UnixNano(), id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE resources SET "+strings.Join(sets, ", ")+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrResourceNotFound
	}
	return nil
}

// buildFieldUpdate validates field names against the whitelist and renders
// placeholder-per-field SET clauses. Shared by the SQLite and Postgres
// stores (Postgres rebinds the placeholders).
func buildFieldUpdate(fields map[string]any) ([]string, []any, error) {
	if len(fields) == 0 {
		return nil, nil, errors.New("no fields to update")
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for column, value := range fields {
		if _, ok := resourceColumns[column]; !ok {
			return nil, nil, fmt.Errorf("unknown resource field %q", column)
		}
		if state, ok := value.(ResourceState); ok {
			value = string(state)
		}
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	return sets, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status string
	var wake sql.NullInt64
	var started, updated int64
	err := row.Scan(&run.ID, &run.Workflow, &run.EventName, &run.Event, &status,
		&run.Attempts, &run.Error, &wake, &started, &updated)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if wake.Valid {
		t := time.Unix(0, wake.Int64)
		run.WakeAt = &t
	}
	run.StartedAt = time.Unix(0, started)
	run.UpdatedAt = time.Unix(0, updated)
	return &run, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
