package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresQueue is a persistent Queue backed by PostgreSQL. Dequeue claims
// the oldest eligible row with FOR UPDATE SKIP LOCKED so multiple runner
// processes can share one queue without double delivery.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue initializes the queue_tasks table and returns a new
// queue. The db handle is expected to use the pgx stdlib driver.
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
		CREATE TABLE IF NOT EXISTS queue_tasks (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			engagement_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			payload BYTEA,
			enqueued_at TIMESTAMPTZ NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			attempts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS queue_tasks_not_before_idx ON queue_tasks (not_before, id);
	`)
	return err
}

var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	payload, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	notBefore := now
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UTC()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (task_id, type, flow_id, client_id, engagement_id, user_id, payload, enqueued_at, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID,
		string(t.Type),
		t.FlowID,
		t.Scope.ClientID,
		t.Scope.EngagementID,
		t.Scope.UserID,
		payload,
		now,
		notBefore,
		t.Attempts,
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

		t, err := q.claimOne(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) claimOne(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		id         int64
		taskID     string
		typeStr    string
		flowID     string
		clientID   string
		engID      string
		userID     string
		payload    []byte
		enqueuedAt time.Time
		notBefore  time.Time
		attempts   int
	)

	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, type, flow_id, client_id, engagement_id, user_id, payload, enqueued_at, not_before, attempts
		FROM queue_tasks
		WHERE not_before <= now()
		ORDER BY not_before, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	err = row.Scan(&id, &taskID, &typeStr, &flowID, &clientID, &engID, &userID, &payload, &enqueuedAt, &notBefore, &attempts)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = $1`, id); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	decoded, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:         taskID,
		Type:       TaskType(typeStr),
		FlowID:     flowID,
		Payload:    decoded,
		EnqueuedAt: enqueuedAt,
		NotBefore:  notBefore,
		Attempts:   attempts,
	}
	t.Scope.ClientID = clientID
	t.Scope.EngagementID = engID
	t.Scope.UserID = userID
	return t, nil
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
