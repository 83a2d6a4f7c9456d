package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/sopline/internal/backoff"
	"github.com/target/sopline/internal/data/pgxutil"
	"github.com/target/sopline/internal/domain/model"
)

// TaskChannel returns the LISTEN/NOTIFY channel for a task type.
func TaskChannel(taskType model.TaskType) string {
	return "task_added_" + string(taskType)
}

// SQL used by ReserveNext to atomically reserve the next task.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM tasks
    WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE tasks t
  SET
    status = 'running',
    started_at = COALESCE(t.started_at, $2),
    lease_expires_at = $3,
    updated_at = $2
  FROM cte
  WHERE t.id = cte.id
  RETURNING t.id, t.type, t.status, t.payload, t.job_id, t.scheduled_at, t.started_at, t.completed_at, t.retry_count, t.max_retries, t.last_error, t.lease_expires_at, t.created_at, t.updated_at`

const insertTaskSQL = `
  INSERT INTO tasks(type, status, payload, job_id, scheduled_at, max_retries)
  VALUES ($1, 'pending', $2, $3, $4, $5)
  RETURNING ` + taskColumns

// Create inserts a pending task and notifies listeners for its type.
func (r *TaskRepo) Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("create task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	args := r.insertArgs(req)
	var task *model.Task
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, insertTaskSQL, args...)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			t, collectErr := collectTaskFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect task: %w", collectErr)
			}
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, TaskChannel(req.Type), t.ID); err != nil {
				return fmt.Errorf("send task notification: %w", err)
			}
			task = t
			return nil
		},
	}); txErr != nil {
		return nil, storeErr("create task", txErr)
	}
	return task, nil
}

// CreateInTx inserts a task within an existing SQL transaction. The notification is
// delivered when the caller commits.
func (r *TaskRepo) CreateInTx(ctx context.Context, sqlTx *sql.Tx, req *model.CreateTaskRequest) (*model.Task, error) {
	if sqlTx == nil {
		return nil, errors.New("transaction is required")
	}
	if req == nil {
		return nil, errors.New("create task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	task, err := scanTaskFromRow(sqlTx.QueryRowContext(ctx, insertTaskSQL, r.insertArgs(req)...))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, TaskChannel(req.Type), task.ID); err != nil {
		return nil, fmt.Errorf("send task notification: %w", err)
	}
	return task, nil
}

func (r *TaskRepo) insertArgs(req *model.CreateTaskRequest) []any {
	scheduledAt := r.clock.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	maxRetries := model.DefaultTaskMaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}
	return []any{req.Type, []byte(req.Payload), req.JobID, scheduledAt, maxRetries}
}

func collectTaskFromRows(rows pgx.Rows) (*model.Task, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	task, err := scanTaskFromRow(rows)
	if err != nil {
		return nil, err
	}
	return task, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type taskRowData struct {
	payload                                []byte
	jobID, lastError                       sql.NullString
	startedAt, completedAt, leaseExpiresAt sql.NullTime
}

func scanTaskFromRow(scanner rowScanner) (*model.Task, error) {
	task := &model.Task{}
	var d taskRowData
	if err := scanner.Scan(
		&task.ID,
		&task.Type,
		&task.Status,
		&d.payload,
		&d.jobID,
		&task.ScheduledAt,
		&d.startedAt,
		&d.completedAt,
		&task.RetryCount,
		&task.MaxRetries,
		&d.lastError,
		&d.leaseExpiresAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	task.Payload = cloneJSON(d.payload)
	task.JobID = cloneNullableString(d.jobID)
	task.LastError = cloneNullableString(d.lastError)
	task.StartedAt = cloneNullableTime(d.startedAt)
	task.CompletedAt = cloneNullableTime(d.completedAt)
	task.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	return task, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock namespace for requeueExpired, one minor key per task type.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(taskType model.TaskType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskType))
	return int64(h.Sum32() & uint32(math.MaxInt32))
}

// requeueExpired moves running tasks whose lease lapsed back to pending.
func (r *TaskRepo) requeueExpired(ctx context.Context, taskType model.TaskType) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRequeueMajor, advisoryLockRequeueMinor(taskType)).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			res, err := tx.ExecContext(ctx, `
          UPDATE tasks
          SET status = 'pending', lease_expires_at = NULL
          WHERE type = $1 AND status = 'running'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
        `, taskType, r.clock.Now().UTC())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			rowsAffected, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	if rowsAffected > 0 {
		r.logger.WarnContext(ctx, "requeued tasks with expired leases", "type", taskType, "count", rowsAffected)
	}
	return rowsAffected, nil
}

// ReserveNext reserves the next due task of the given type, returning
// model.ErrNoTasksAvailable when the queue is empty.
func (r *TaskRepo) ReserveNext(ctx context.Context, taskType model.TaskType, leaseSeconds int) (*model.Task, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("invalid task type: %s", taskType)
	}
	if _, err := r.requeueExpired(ctx, taskType); err != nil {
		return nil, storeErr("requeue expired tasks", err)
	}

	var task *model.Task
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.clock.Now().UTC()
			leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, reserveNextUpdateSQL, taskType, now, leaseExpiresAt)
			if qerr != nil {
				return fmt.Errorf("reserve task: %w", qerr)
			}
			defer rows.Close()

			t, cerr := collectTaskFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoTasksAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve task: %w", cerr)
			}
			task = t
			return nil
		},
	})
	if errors.Is(err, model.ErrNoTasksAvailable) {
		return nil, model.ErrNoTasksAvailable
	}
	if err != nil {
		return nil, storeErr("reserve task", err)
	}
	return task, nil
}

// Heartbeat extends the lease on a running task. It reports false when the task is no
// longer running (lease lost or already finished).
func (r *TaskRepo) Heartbeat(ctx context.Context, taskID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}
	now := r.clock.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, taskID, now.Add(time.Duration(leaseSeconds)*time.Second), now)
	if err != nil {
		return false, storeErr("heartbeat task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

// Complete marks a running task as completed.
func (r *TaskRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, now)
	if err != nil {
		return false, storeErr("complete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return n > 0, nil
}

// Fail records a failed attempt. The task is re-scheduled after an exponential delay
// until retry_count reaches max_retries, then it is marked failed.
func (r *TaskRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	var updated bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var retryCount int
			err := tx.QueryRowContext(ctx, `
				SELECT retry_count FROM tasks WHERE id = $1 AND status = 'running' FOR UPDATE
			`, id).Scan(&retryCount)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("lock task: %w", err)
			}

			now := r.clock.Now().UTC()
			retryAt := now.Add(backoff.Delay(retryCount, r.retryBase()))
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET
				  last_error = $2,
				  retry_count = retry_count + 1,
				  status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
				  completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
				  lease_expires_at = NULL,
				  scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE $4::timestamptz END,
				  updated_at = $3
				WHERE id = $1
			`, id, errMsg, now, retryAt); err != nil {
				return fmt.Errorf("fail task: %w", err)
			}
			updated = true
			return nil
		},
	})
	if err != nil {
		return false, storeErr("fail task", err)
	}
	return updated, nil
}

// Stats returns task counts by status for one type.
func (r *TaskRepo) Stats(ctx context.Context, taskType model.TaskType) (*model.TaskStats, error) {
	var s model.TaskStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM tasks
  WHERE type = $1
  `, taskType).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, storeErr("task stats", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a task of the given type is announced or ctx ends.
func (r *TaskRepo) WaitForNotification(ctx context.Context, taskType model.TaskType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	channel := TaskChannel(taskType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, err := conn.ExecContext(ctx, "LISTEN "+quoted); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a task by its ID.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		task, err = collectTaskFromRows(rows)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	return task, nil
}

// Delete removes a task unless it is currently leased.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE id = $1
		  AND status IN ('pending', 'completed', 'failed')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
	`, id, now)
	if err != nil {
		return storeErr("delete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	task, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == model.TaskStatusRunning {
		return ErrTaskNotDeletable
	}
	if task.LeaseExpiresAt != nil && now.Before(*task.LeaseExpiresAt) {
		return ErrTaskReserved
	}
	return errors.New("unexpected state: task is deletable but delete failed")
}
