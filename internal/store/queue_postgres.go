package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresQueue is the Postgres variant of the scheduled task queue.
// FOR UPDATE SKIP LOCKED lets multiple workers on different nodes claim
// tasks without colliding.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue initializes the tasks table and returns the queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			workflow TEXT,
			event_name TEXT,
			run_id TEXT,
			payload BYTEA,
			attempts INTEGER NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	enqueuedAt := now.UnixNano()

	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (type, workflow, event_name, run_id, payload, attempts, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(t.Type),
		t.Workflow,
		t.EventName,
		t.RunID,
		t.Payload,
		t.Attempts,
		enqueuedAt,
		notBefore,
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id          int64
			typeStr     string
			workflow    sql.NullString
			eventName   sql.NullString
			runID       sql.NullString
			payload     []byte
			attempts    int
			enqueuedInt int64
			notBefore   int64
		)

		row := tx.QueryRowContext(ctx, `
			SELECT id, type, workflow, event_name, run_id, payload, attempts, enqueued_at, not_before
			FROM tasks
			WHERE not_before <= $1
			ORDER BY not_before, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, now)
		err = row.Scan(&id, &typeStr, &workflow, &eventName, &runID, &payload, &attempts, &enqueuedInt, &notBefore)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		return &Task{
			Type:       TaskType(typeStr),
			Workflow:   workflow.String,
			EventName:  eventName.String,
			RunID:      runID.String,
			Payload:    payload,
			Attempts:   attempts,
			EnqueuedAt: time.Unix(0, enqueuedInt),
			NotBefore:  time.Unix(0, notBefore),
		}, nil
	}
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
