package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pushflow/internal/domain"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrTaskInFlight = errors.New("task is mid-flight")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS push_tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  content TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL DEFAULT 'notification',
  push_mode TEXT NOT NULL CHECK(push_mode IN ('immediate','scheduled','recurring')),
  scheduled_at DATETIME,
  recur_kind TEXT,
  recur_every INTEGER NOT NULL DEFAULT 0,
  recur_unit TEXT NOT NULL DEFAULT '',
  recur_at TEXT NOT NULL DEFAULT '',
  recur_expr TEXT NOT NULL DEFAULT '',
  next_run_at DATETIME,
  executed_count INTEGER NOT NULL DEFAULT 0,
  max_executions INTEGER NOT NULL DEFAULT 1,
  target_type TEXT NOT NULL CHECK(target_type IN ('all','specific','role')),
  target_user_ids TEXT NOT NULL DEFAULT '[]',
  target_role_ids TEXT NOT NULL DEFAULT '[]',
  notify_on_success INTEGER NOT NULL DEFAULT 0,
  success_title TEXT NOT NULL DEFAULT '',
  success_body TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('active','inactive')) DEFAULT 'active',
  push_status TEXT NOT NULL CHECK(push_status IN ('draft','sending','sent','failed','completed')),
  total_sent INTEGER NOT NULL DEFAULT 0,
  total_read INTEGER NOT NULL DEFAULT 0,
  last_executed_at DATETIME,
  lease_owner TEXT,
  lease_until DATETIME,
  creator_id TEXT NOT NULL DEFAULT '',
  creator_name TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_push_tasks_scheduled ON push_tasks(push_mode, push_status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_push_tasks_recurring ON push_tasks(push_mode, status, push_status, next_run_at);
CREATE TABLE IF NOT EXISTS push_executions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  executed_at DATETIME NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  sent_count INTEGER NOT NULL DEFAULT 0,
  failed_count INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  executed_count INTEGER NOT NULL DEFAULT 0,
  max_executions INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(task_id) REFERENCES push_tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_push_executions_task ON push_executions(task_id, id);
`
	_, err := db.Exec(schema)
	return err
}

// ListFilter narrows List results; zero values mean no filtering.
type ListFilter struct {
	Mode       domain.PushMode
	PushStatus domain.PushStatus
	Limit      int
}

// ExecutionResult is the per-task outcome of one poll-tick execution,
// applied as one transaction: history append + counters + state transition.
type ExecutionResult struct {
	TaskID        string
	ExecutedAt    time.Time
	Success       bool
	SentCount     int
	FailedCount   int
	Error         string
	NewPushStatus domain.PushStatus
	ExecutedCount int        // counter value after this execution
	NextRunAt     *time.Time // recurring continue only
}

type Store interface {
	Create(ctx context.Context, t domain.PushTask) (string, error)
	Get(ctx context.Context, id string) (domain.PushTask, error)
	List(ctx context.Context, f ListFilter) ([]domain.PushTask, error)
	Due(ctx context.Context, now time.Time) ([]domain.PushTask, error)
	Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id, owner string) error
	ApplyResult(ctx context.Context, res ExecutionResult) error
	MarkCompleted(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.TaskStatus) error
	Delete(ctx context.Context, id string, now time.Time) error
	History(ctx context.Context, taskID string) ([]domain.ExecutionRecord, error)
	RecoverStale(ctx context.Context, now time.Time) (int, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Create(ctx context.Context, t domain.PushTask) (string, error) {
	id := t.ID
	if id == "" {
		id = "pt_" + uuid.NewString()
	}
	userIDs, err := json.Marshal(orEmpty(t.TargetUserIDs))
	if err != nil {
		return "", err
	}
	roleIDs, err := json.Marshal(orEmpty(t.TargetRoleIDs))
	if err != nil {
		return "", err
	}

	var recurKind sql.NullString
	var recurEvery, executed, maxExec int
	var recurUnit, recurAt, recurExpr string
	var nextRun sql.NullTime
	maxExec = 1
	if t.Recurring != nil {
		recurKind = sql.NullString{String: string(t.Recurring.Kind), Valid: true}
		recurEvery = t.Recurring.Every
		recurUnit = string(t.Recurring.Unit)
		recurAt = t.Recurring.At
		recurExpr = t.Recurring.Expr
		executed = t.Recurring.ExecutedCount
		maxExec = t.Recurring.MaxExecutions
		if !t.Recurring.NextRunAt.IsZero() {
			nextRun = sql.NullTime{Time: t.Recurring.NextRunAt, Valid: true}
		}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO push_tasks (id,title,content,description,type,push_mode,scheduled_at,
  recur_kind,recur_every,recur_unit,recur_at,recur_expr,next_run_at,executed_count,max_executions,
  target_type,target_user_ids,target_role_ids,notify_on_success,success_title,success_body,
  status,push_status,total_sent,total_read,creator_id,creator_name,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,0,?,?,?,?)
`, id, t.Title, t.Content, t.Description, t.Type, t.Mode, nullTime(t.ScheduledAt),
		recurKind, recurEvery, recurUnit, recurAt, recurExpr, nextRun, executed, maxExec,
		t.TargetType, string(userIDs), string(roleIDs), t.NotifyOnSuccess, t.SuccessTitle, t.SuccessBody,
		t.Status, t.PushStatus, t.CreatorID, t.CreatorName, t.CreatedAt, t.UpdatedAt)
	return id, err
}

const taskColumns = `id,title,content,description,type,push_mode,scheduled_at,
recur_kind,recur_every,recur_unit,recur_at,recur_expr,next_run_at,executed_count,max_executions,
target_type,target_user_ids,target_role_ids,notify_on_success,success_title,success_body,
status,push_status,total_sent,total_read,last_executed_at,creator_id,creator_name,created_at,updated_at`

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.PushTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM push_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.PushTask{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) List(ctx context.Context, f ListFilter) ([]domain.PushTask, error) {
	q := `SELECT ` + taskColumns + ` FROM push_tasks WHERE 1=1`
	args := []any{}
	if f.Mode != "" {
		q += ` AND push_mode=?`
		args = append(args, f.Mode)
	}
	if f.PushStatus != "" {
		q += ` AND push_status=?`
		args = append(args, f.PushStatus)
	}
	q += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.PushTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Due returns candidate tasks for one poll tick. Candidates are a snapshot:
// the poller must re-fetch each task before acting on it.
func (s *sqliteStore) Due(ctx context.Context, now time.Time) ([]domain.PushTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM push_tasks
WHERE (push_mode='immediate' AND push_status='sending')
   OR (push_mode='scheduled' AND push_status='draft' AND scheduled_at <= ?)
   OR (push_mode='recurring' AND status='active' AND push_status IN ('draft','sending') AND next_run_at <= ?)
ORDER BY created_at ASC`, now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.PushTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim takes the per-task lease via a conditional update so concurrent
// scheduler instances cannot both win the same task.
func (s *sqliteStore) Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE push_tasks SET lease_owner=?, lease_until=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND (lease_owner IS NULL OR lease_until <= ? OR lease_owner = ?)`,
		owner, now.Add(ttl), id, now, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Release(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE push_tasks SET lease_owner=NULL, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND lease_owner=?`, id, owner)
	return err
}

func (s *sqliteStore) ApplyResult(ctx context.Context, res ExecutionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO push_executions(task_id,executed_at,success,sent_count,failed_count,error,executed_count,max_executions)
SELECT ?,?,?,?,?,?,?,max_executions FROM push_tasks WHERE id=?`,
		res.TaskID, res.ExecutedAt, res.Success, res.SentCount, res.FailedCount, res.Error, res.ExecutedCount, res.TaskID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE push_tasks
SET push_status=?,
    executed_count=?,
    next_run_at=COALESCE(?, next_run_at),
    total_sent=total_sent+?,
    last_executed_at=?,
    lease_owner=NULL, lease_until=NULL,
    updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
		res.NewPushStatus, res.ExecutedCount, nullTime(res.NextRunAt), res.SentCount, res.ExecutedAt, res.TaskID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// MarkCompleted promotes a task whose budget is already exhausted. Also
// clears the lease so the row is not stuck behind a dead claim.
func (s *sqliteStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE push_tasks
SET push_status='completed', lease_owner=NULL, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND push_status <> 'completed'`, id)
	return err
}

func (s *sqliteStore) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE push_tasks SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task and its history. Refused while the task holds an
// unexpired lease (mid-flight).
func (s *sqliteStore) Delete(ctx context.Context, id string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT lease_until FROM push_tasks WHERE id=?`, id)
	var leaseUntil sql.NullTime
	err = row.Scan(&leaseUntil)
	if err == sql.ErrNoRows {
		err = ErrNotFound
		return err
	}
	if err != nil {
		return err
	}
	if leaseUntil.Valid && leaseUntil.Time.After(now) {
		err = ErrTaskInFlight
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM push_executions WHERE task_id=?`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM push_tasks WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) History(ctx context.Context, taskID string) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,executed_at,success,sent_count,failed_count,error,executed_count,max_executions
FROM push_executions WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ExecutedAt, &r.Success, &r.SentCount,
			&r.FailedCount, &r.Error, &r.ExecutedCount, &r.MaxExecutions); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// RecoverStale clears leases whose owners went away, e.g. after a crash.
func (s *sqliteStore) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE push_tasks SET lease_owner=NULL, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE lease_owner IS NOT NULL AND lease_until <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.PushTask, error) {
	var t domain.PushTask
	var scheduledAt, nextRunAt, lastExecutedAt sql.NullTime
	var recurKind sql.NullString
	var recurEvery, executed, maxExec int
	var recurUnit, recurAt, recurExpr, userIDs, roleIDs string

	err := row.Scan(&t.ID, &t.Title, &t.Content, &t.Description, &t.Type, &t.Mode, &scheduledAt,
		&recurKind, &recurEvery, &recurUnit, &recurAt, &recurExpr, &nextRunAt, &executed, &maxExec,
		&t.TargetType, &userIDs, &roleIDs, &t.NotifyOnSuccess, &t.SuccessTitle, &t.SuccessBody,
		&t.Status, &t.PushStatus, &t.TotalSent, &t.TotalRead, &lastExecutedAt,
		&t.CreatorID, &t.CreatorName, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.PushTask{}, err
	}
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	if lastExecutedAt.Valid {
		t.LastExecutedAt = &lastExecutedAt.Time
	}
	if recurKind.Valid {
		rc := &domain.RecurringConfig{
			Kind:          domain.RecurringKind(recurKind.String),
			Every:         recurEvery,
			Unit:          domain.IntervalUnit(recurUnit),
			At:            recurAt,
			Expr:          recurExpr,
			ExecutedCount: executed,
			MaxExecutions: maxExec,
		}
		if nextRunAt.Valid {
			rc.NextRunAt = nextRunAt.Time
		}
		t.Recurring = rc
	}
	if err := json.Unmarshal([]byte(userIDs), &t.TargetUserIDs); err != nil {
		return domain.PushTask{}, fmt.Errorf("target_user_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(roleIDs), &t.TargetRoleIDs); err != nil {
		return domain.PushTask{}, fmt.Errorf("target_role_ids: %w", err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
