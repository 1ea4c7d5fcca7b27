package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// SQLQueue is a persistent task queue backed by a "tasks" table. Due tasks
// are claimed in a transaction and deleted in the same transaction; the
// order is not_before, then insertion order.
type SQLQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	postgres     bool
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given SQLite DB and
// returns a new queue. Like the SQLite store, it limits db to a single
// connection.
func NewSQLiteQueue(ctx context.Context, db *sql.DB, pollInterval time.Duration) (*SQLQueue, error) {
	db.SetMaxOpenConns(1)
	q := &SQLQueue{db: db, pollInterval: pollInterval}
	if err := q.initSchema(ctx, "INTEGER PRIMARY KEY AUTOINCREMENT"); err != nil {
		return nil, err
	}
	return q, nil
}

// NewPostgresQueue creates the required schema if needed and returns a
// queue. Concurrent consumers claim rows with FOR UPDATE SKIP LOCKED.
func NewPostgresQueue(ctx context.Context, db *sql.DB, pollInterval time.Duration) (*SQLQueue, error) {
	q := &SQLQueue{db: db, pollInterval: pollInterval, postgres: true}
	if err := q.initSchema(ctx, "BIGSERIAL PRIMARY KEY"); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) initSchema(ctx context.Context, serialPK string) error {
	if q.pollInterval <= 0 {
		q.pollInterval = 50 * time.Millisecond
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			seq ` + serialPK + `,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			step_number INTEGER NOT NULL DEFAULT 0,
			escalated INTEGER NOT NULL DEFAULT 0,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_not_before ON tasks(not_before, seq)`,
	} {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init tasks schema: %w", err)
		}
	}
	return nil
}

func (q *SQLQueue) rebind(query string) string {
	if !q.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	escalated := 0
	if t.Escalated {
		escalated = 1
	}
	_, err := q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO tasks (id, type, instance_id, step_number, escalated, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, string(t.Type), t.InstanceID, t.StepNumber, escalated,
		t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(), t.Attempts,
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(q.pollInterval)
	tmr.Stop()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing due: wait a bit and retry.
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// claim removes and returns the next due task, or nil when none is due.
func (q *SQLQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	lock := ""
	if q.postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	var (
		seq                   int64
		t                     Task
		typ                   string
		escalated             int
		enqueuedAt, notBefore int64
	)
	err = tx.QueryRowContext(ctx, q.rebind(`
		SELECT seq, id, type, instance_id, step_number, escalated, enqueued_at, not_before, attempts
		FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT 1`+lock), time.Now().UnixNano(),
	).Scan(&seq, &t.ID, &typ, &t.InstanceID, &t.StepNumber, &escalated, &enqueuedAt, &notBefore, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, q.rebind(`DELETE FROM tasks WHERE seq = ?`), seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Type = TaskType(typ)
	t.Escalated = escalated != 0
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	t.NotBefore = time.Unix(0, notBefore)
	return &t, nil
}

// Len returns the number of stored tasks.
func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		slog.Default().Warn("task_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return n
}
