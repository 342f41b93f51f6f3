package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowpilot/shared"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables used by PostgresStore. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS flowpilot_instances (
	id            TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	revision      BIGINT NOT NULL,
	doc           JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS flowpilot_history (
	instance_id TEXT NOT NULL REFERENCES flowpilot_instances(id) ON DELETE CASCADE,
	seq         BIGINT NOT NULL,
	doc         JSONB NOT NULL,
	PRIMARY KEY (instance_id, seq)
);
CREATE TABLE IF NOT EXISTS flowpilot_tasks (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS flowpilot_tasks_open
	ON flowpilot_tasks (instance_id, node_id) WHERE status IN ('pending', 'in_progress');
CREATE TABLE IF NOT EXISTS flowpilot_timers (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	fire_at     TIMESTAMPTZ NOT NULL,
	consumed    BOOLEAN NOT NULL DEFAULT false,
	cancelled   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS flowpilot_timers_pending
	ON flowpilot_timers (fire_at) WHERE NOT consumed AND NOT cancelled;
`

// PostgresStore is a Store backed by PostgreSQL. Instances, history entries
// and tasks are stored as JSONB documents next to the columns they are
// queried by.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and applies Schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.db }

// Close closes the pool.
func (s *PostgresStore) Close() { s.db.Close() }

func translate(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *shared.WorkflowInstance, changes Changes) error {
	inst.Revision = 1
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO flowpilot_instances (id, definition_id, status, revision, doc) VALUES ($1, $2, $3, $4, $5)`,
			inst.ID, inst.DefinitionID, string(inst.Status), inst.Revision, doc); err != nil {
			return translate(err, "instance "+inst.ID)
		}
		return applyChanges(ctx, tx, inst.ID, changes)
	})
}

func (s *PostgresStore) LoadInstance(ctx context.Context, id string) (*shared.WorkflowInstance, error) {
	var doc []byte
	if err := s.db.QueryRow(ctx, `SELECT doc FROM flowpilot_instances WHERE id = $1`, id).Scan(&doc); err != nil {
		return nil, translate(err, "instance "+id)
	}
	var inst shared.WorkflowInstance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}

// SaveInstance writes the instance if its revision still matches the stored
// one. History, task and timer writes share its transaction.
func (s *PostgresStore) SaveInstance(ctx context.Context, inst *shared.WorkflowInstance, changes Changes) error {
	expected := inst.Revision
	next := *inst
	next.Revision = expected + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE flowpilot_instances SET status = $1, revision = $2, doc = $3 WHERE id = $4 AND revision = $5`,
			string(inst.Status), next.Revision, doc, inst.ID, expected)
		if err != nil {
			return translate(err, "instance "+inst.ID)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flowpilot_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
				return translate(err, "instance "+inst.ID)
			}
			if !exists {
				return fmt.Errorf("instance %s: %w", inst.ID, ErrNotFound)
			}
			return fmt.Errorf("instance %s revision %d: %w", inst.ID, expected, ErrConflict)
		}
		return applyChanges(ctx, tx, inst.ID, changes)
	})
	if err != nil {
		return err
	}
	inst.Revision = next.Revision
	return nil
}

// Upserts only replace rows that are still open or pending. A row that was
// resolved by someone else matches no row, which aborts the transaction.
const (
	upsertTask = `INSERT INTO flowpilot_tasks (id, instance_id, node_id, status, created_at, doc)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc
WHERE flowpilot_tasks.status IN ('pending', 'in_progress')`
	upsertTimer = `INSERT INTO flowpilot_timers (` + timerColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET consumed = EXCLUDED.consumed, cancelled = EXCLUDED.cancelled
WHERE NOT flowpilot_timers.consumed AND NOT flowpilot_timers.cancelled`
)

func applyChanges(ctx context.Context, tx pgx.Tx, instanceID string, changes Changes) error {
	if err := appendHistory(ctx, tx, instanceID, changes.History); err != nil {
		return err
	}
	// Tasks are written one statement at a time and in order: a task
	// resolved earlier in the commit must free its node before the unique
	// open-task index sees the next one.
	for _, t := range changes.Tasks {
		doc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		tag, err := tx.Exec(ctx, upsertTask, t.ID, t.InstanceID, t.NodeID, string(t.Status), t.CreatedAt, doc)
		if err != nil {
			return translate(err, "task "+t.ID)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s is already resolved: %w", t.ID, ErrConflict)
		}
	}
	for _, t := range changes.Timers {
		tag, err := tx.Exec(ctx, upsertTimer, t.ID, t.InstanceID, t.NodeID, t.FireAt, t.Consumed, t.Cancelled, t.CreatedAt)
		if err != nil {
			return translate(err, "timer "+t.ID)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("timer %s is no longer pending: %w", t.ID, ErrConflict)
		}
	}
	return nil
}

func appendHistory(ctx context.Context, tx pgx.Tx, instanceID string, entries []shared.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM flowpilot_history WHERE instance_id = $1`, instanceID).Scan(&seq); err != nil {
		return translate(err, "history "+instanceID)
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		seq++
		e.InstanceID = instanceID
		e.Seq = seq
		doc, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode history entry: %w", err)
		}
		batch.Queue(`INSERT INTO flowpilot_history (instance_id, seq, doc) VALUES ($1, $2, $3)`, instanceID, seq, doc)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return translate(err, "history "+instanceID)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, instanceID string) ([]shared.HistoryEntry, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flowpilot_instances WHERE id = $1)`, instanceID).Scan(&exists); err != nil {
		return nil, translate(err, "instance "+instanceID)
	}
	if !exists {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	rows, err := s.db.Query(ctx, `SELECT doc FROM flowpilot_history WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, translate(err, "history "+instanceID)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (shared.HistoryEntry, error) {
		var doc []byte
		var e shared.HistoryEntry
		if err := row.Scan(&doc); err != nil {
			return e, err
		}
		err := json.Unmarshal(doc, &e)
		return e, err
	})
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *shared.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO flowpilot_tasks (id, instance_id, node_id, status, created_at, doc) VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.InstanceID, task.NodeID, string(task.Status), task.CreatedAt, doc)
	if err != nil {
		return translate(err, "task "+task.ID)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*shared.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT doc FROM flowpilot_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *shared.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE flowpilot_tasks SET status = $1, doc = $2 WHERE id = $3`, string(task.Status), doc, task.ID)
	if err != nil {
		return translate(err, "task "+task.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

const openTaskStatuses = `status IN ('pending', 'in_progress')`

func (s *PostgresStore) FindOpenTask(ctx context.Context, instanceID, nodeID string) (*shared.Task, error) {
	tasks, err := s.queryTasks(ctx,
		`SELECT doc FROM flowpilot_tasks WHERE instance_id = $1 AND node_id = $2 AND `+openTaskStatuses, instanceID, nodeID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("open task for %s/%s: %w", instanceID, nodeID, ErrNotFound)
	}
	return tasks[0], nil
}

func (s *PostgresStore) ListOpenTasks(ctx context.Context, instanceID string) ([]*shared.Task, error) {
	return s.queryTasks(ctx,
		`SELECT doc FROM flowpilot_tasks WHERE instance_id = $1 AND `+openTaskStatuses+` ORDER BY created_at, id`, instanceID)
}

func (s *PostgresStore) ListTasksForUser(ctx context.Context, userID string) ([]*shared.Task, error) {
	return s.queryTasks(ctx, `
		SELECT doc FROM flowpilot_tasks
		WHERE `+openTaskStatuses+`
		  AND ((doc->'assignee'->>'type' <> 'group' AND doc->'assignee'->>'id' = $1)
		       OR (doc->'assignee'->>'type' = 'group' AND doc->'assignee'->'members' ? $1))
		ORDER BY created_at, id`, userID)
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*shared.Task, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "tasks")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*shared.Task, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return nil, err
		}
		var t shared.Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		return &t, nil
	})
}

const timerColumns = `id, instance_id, node_id, fire_at, consumed, cancelled, created_at`

func scanTimer(row pgx.CollectableRow) (*shared.Timer, error) {
	var t shared.Timer
	err := row.Scan(&t.ID, &t.InstanceID, &t.NodeID, &t.FireAt, &t.Consumed, &t.Cancelled, &t.CreatedAt)
	return &t, err
}

func (s *PostgresStore) CreateTimer(ctx context.Context, timer *shared.Timer) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO flowpilot_timers (`+timerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		timer.ID, timer.InstanceID, timer.NodeID, timer.FireAt, timer.Consumed, timer.Cancelled, timer.CreatedAt)
	if err != nil {
		return translate(err, "timer "+timer.ID)
	}
	return nil
}

func (s *PostgresStore) GetTimer(ctx context.Context, id string) (*shared.Timer, error) {
	timers, err := s.queryTimers(ctx, `SELECT `+timerColumns+` FROM flowpilot_timers WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(timers) == 0 {
		return nil, fmt.Errorf("timer %s: %w", id, ErrNotFound)
	}
	return timers[0], nil
}

// ConsumeTimer flips a pending timer to consumed with a single conditional
// update, so concurrent fires race on the row and only one wins.
func (s *PostgresStore) ConsumeTimer(ctx context.Context, id string) (bool, error) {
	return s.flipTimer(ctx, id, `UPDATE flowpilot_timers SET consumed = true WHERE id = $1 AND NOT consumed AND NOT cancelled`)
}

func (s *PostgresStore) CancelTimer(ctx context.Context, id string) (bool, error) {
	return s.flipTimer(ctx, id, `UPDATE flowpilot_timers SET cancelled = true WHERE id = $1 AND NOT consumed AND NOT cancelled`)
}

func (s *PostgresStore) flipTimer(ctx context.Context, id, query string) (bool, error) {
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, translate(err, "timer "+id)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTimer(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ListPendingTimers(ctx context.Context) ([]*shared.Timer, error) {
	return s.queryTimers(ctx,
		`SELECT `+timerColumns+` FROM flowpilot_timers WHERE NOT consumed AND NOT cancelled ORDER BY fire_at, id`)
}

func (s *PostgresStore) ListDueTimers(ctx context.Context, now time.Time) ([]*shared.Timer, error) {
	return s.queryTimers(ctx,
		`SELECT `+timerColumns+` FROM flowpilot_timers WHERE NOT consumed AND NOT cancelled AND fire_at <= $1 ORDER BY fire_at, id`, now)
}

func (s *PostgresStore) ListInstanceTimers(ctx context.Context, instanceID string) ([]*shared.Timer, error) {
	return s.queryTimers(ctx,
		`SELECT `+timerColumns+` FROM flowpilot_timers WHERE instance_id = $1 ORDER BY fire_at, id`, instanceID)
}

func (s *PostgresStore) queryTimers(ctx context.Context, query string, args ...any) ([]*shared.Timer, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "timers")
	}
	return pgx.CollectRows(rows, scanTimer)
}
