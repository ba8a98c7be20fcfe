package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transferd/internal/metrics"
	"transferd/internal/repository"
	"transferd/internal/task"
)

// SQL is a broker backed by a table in the task repository's database, so
// cooperating servers share one queue. A message is claimed by deleting it,
// which hands every message to exactly one consumer.
type SQL struct {
	db           *sql.DB
	dialect      repository.Dialect
	pollInterval time.Duration
	metrics      *metrics.Collector
	logger       *zap.Logger
	now          func() time.Time
}

// NewSQL creates the messages table if needed
func NewSQL(db *sql.DB, dialect repository.Dialect, pollInterval time.Duration, metricsCollector *metrics.Collector, logger *zap.Logger) (*SQL, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	q := &SQL{
		db:           db,
		dialect:      dialect,
		pollInterval: pollInterval,
		metrics:      metricsCollector,
		logger:       logger,
		now:          time.Now,
	}
	if err := q.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create dispatch table: %w", err)
	}
	return q, nil
}

func (q *SQL) createTables() error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if q.dialect == repository.DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	query := `
	CREATE TABLE IF NOT EXISTS dispatch_messages (
		` + idColumn + `,
		queue TEXT NOT NULL,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delayed BOOLEAN NOT NULL DEFAULT FALSE,
		visible_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dispatch_messages_queue ON dispatch_messages(queue, visible_at);
	`
	_, err := q.db.Exec(query)
	return err
}

// Enqueue inserts a message that becomes visible after delay
func (q *SQL) Enqueue(ctx context.Context, msg task.Message, queueName string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	query := repository.Rebind(q.dialect,
		`INSERT INTO dispatch_messages (queue, task_id, kind, delayed, visible_at) VALUES (?, ?, ?, ?, ?)`)
	_, err := q.db.ExecContext(ctx, query, queueName, msg.TaskID, string(msg.Kind), msg.Delayed, q.now().Add(delay).UnixNano())
	if err != nil {
		q.count(queueName, "error")
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	q.count(queueName, "enqueued")
	return nil
}

// Receive polls until a visible message is claimed or ctx ends
func (q *SQL) Receive(ctx context.Context, queueName string) (task.Message, error) {
	for {
		msg, ok, err := q.claim(ctx, queueName)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("Failed to claim dispatch message", zap.String("queue", queueName), zap.Error(err))
			q.count(queueName, "error")
		}
		if ok {
			q.count(queueName, "received")
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return task.Message{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQL) claim(ctx context.Context, queueName string) (task.Message, bool, error) {
	lock := ""
	if q.dialect == repository.DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query := repository.Rebind(q.dialect, `
		DELETE FROM dispatch_messages WHERE id = (
			SELECT id FROM dispatch_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at, id LIMIT 1`+lock+`
		) RETURNING task_id, kind, delayed`)

	var (
		msg  task.Message
		kind string
	)
	err := q.db.QueryRowContext(ctx, query, queueName, q.now().UnixNano()).Scan(&msg.TaskID, &kind, &msg.Delayed)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Message{}, false, nil
	}
	if err != nil {
		return task.Message{}, false, err
	}
	msg.Kind = task.Kind(kind)
	return msg, true, nil
}

// Close is a no-op; the database belongs to the repository
func (q *SQL) Close() error { return nil }

func (q *SQL) count(queueName, outcome string) {
	if q.metrics != nil {
		q.metrics.IncDispatch(queueName, outcome)
	}
}
