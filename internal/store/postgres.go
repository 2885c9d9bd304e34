package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore implements RunStore, StepStore, IdempotencyStore, and
// ResourceStore on PostgreSQL.
//
// It expects an *sql.DB opened with a Postgres driver; the caller imports
// the driver for its side effects, e.g.:
//
//	import _ "github.com/lib/pq"
type PostgresStore struct {
	db *sql.DB
}

var (
	_ RunStore         = (*PostgresStore)(nil)
	_ StepStore        = (*PostgresStore)(nil)
	_ IdempotencyStore = (*PostgresStore)(nil)
	_ ResourceStore    = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the schema and returns the store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event BYTEA,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT,
			wake_at BIGINT,
			started_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step TEXT NOT NULL,
			result BYTEA,
			completed_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, step)
		);
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			workflow TEXT NOT NULL,
			key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
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
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow, event_name, event, status, attempts, error, wake_at, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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

func (s *PostgresStore) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, attempts = $2, error = $3, wake_at = $4, updated_at = $5
		WHERE id = $6`,
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

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, event_name, event, status, attempts, error, wake_at, started_at, updated_at
		FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT id, workflow, event_name, event, status, attempts, error, wake_at, started_at, updated_at
		FROM runs`
	var clauses []string
	var args []any
	if filter.Workflow != "" {
		args = append(args, filter.Workflow)
		clauses = append(clauses, fmt.Sprintf("workflow = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
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

func (s *PostgresStore) GetStep(ctx context.Context, runID, step string) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, result, completed_at
		FROM steps WHERE run_id = $1 AND step = $2`, runID, step)

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

func (s *PostgresStore) PutStep(ctx context.Context, rec *StepRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, step, result, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, step) DO NOTHING`,
		rec.RunID, rec.Step, rec.Result, rec.CompletedAt.UnixNano())
	return err
}

func (s *PostgresStore) Claim(ctx context.Context, workflow, key, runID string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (workflow, key, run_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow, key) DO NOTHING`,
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
		SELECT run_id FROM idempotency_keys WHERE workflow = $1 AND key = $2`,
		workflow, key).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) CreateResource(ctx context.Context, res *Resource) error {
	now := time.Now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, title, state, media_url, host_asset_id, host_playback_id,
			transcript, srt, word_level_srt, transcript_with_screenshots, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		res.ID, res.Title, string(res.State), res.MediaURL, res.HostAssetID, res.HostPlaybackID,
		res.Transcript, res.SRT, res.WordLevelSRT, res.TranscriptWithScreenshots,
		res.CreatedAt.UnixNano(), res.UpdatedAt.UnixNano())
	if err != nil && strings.Contains(err.Error(), "duplicate key value") {
		return ErrResourceExists
	}
	return err
}

func (s *PostgresStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, state, media_url, host_asset_id, host_playback_id,
			transcript, srt, word_level_srt, transcript_with_screenshots, created_at, updated_at
		FROM resources WHERE id = $1`, id)

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

func (s *PostgresStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	sets, args, err := buildFieldUpdate(fields)
	if err != nil {
		return err
	}
	for i := range sets {
		sets[i] = strings.Replace(sets[i], "?", fmt.Sprintf("$%d", i+1), 1)
	}
	args = append(args, time.Now().UnixNano(), id)
	query := fmt.Sprintf("UPDATE resources SET %s, updated_at = $%d WHERE id = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
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
