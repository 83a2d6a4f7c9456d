package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
const (
	advisoryLockReaperMajor       = 1000
	advisoryLockReaperDeleteTasks = 1
)

// DeleteFinishedBefore deletes up to BatchSize tasks in the given terminal status whose
// completion predates Before. Concurrent reapers skip the batch instead of contending.
func (r *TaskRepo) DeleteFinishedBefore(ctx context.Context, params core.DeleteFinishedTasksParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid task status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperDeleteTasks).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			res, err := tx.ExecContext(ctx, `
				DELETE FROM tasks
				WHERE id IN (
					SELECT id FROM tasks
					WHERE status = $1
					  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $3
				)
			`, params.Status, params.Before.UTC(), params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete finished tasks: %w", err)
			}
			rowsAffected, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return 0, storeErr("delete finished tasks", err)
	}
	return rowsAffected, nil
}
