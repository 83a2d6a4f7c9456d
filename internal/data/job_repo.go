package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/data/pgxutil"
	"github.com/target/sopline/internal/domain/job"
	"github.com/target/sopline/internal/domain/model"
)

// JobRepoConfig holds the collaborators the job repository writes through inside its transactions.
type JobRepoConfig struct {
	Tasks    core.TaskRepositoryTx
	Webhooks core.WebhookRepositoryTx
	Logger   *slog.Logger
	Clock    Clock
}

// JobRepo persists video jobs.
type JobRepo struct {
	DB       *sql.DB
	tasks    core.TaskRepositoryTx
	webhooks core.WebhookRepositoryTx
	clock    Clock
	logger   *slog.Logger
}

// NewJobRepo creates a new JobRepo instance.
func NewJobRepo(db *sql.DB, cfg JobRepoConfig) *JobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{
		DB:       db,
		tasks:    cfg.Tasks,
		webhooks: cfg.Webhooks,
		clock:    clockOrSystem(cfg.Clock),
		logger:   logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id,
  source_locator,
  source_kind,
  status,
  user_id,
  session_id,
  callback_url,
  webhook_id,
  template,
  error,
  metadata,
  created_at,
  updated_at
`

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 1000
)

// Create inserts a PENDING job with empty metadata, registers its webhook when one is given,
// and enqueues the process_video task, all in one transaction.
func (r *JobRepo) Create(ctx context.Context, params core.CreateJobParams) (*model.Job, error) {
	req := params.Request
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if r.tasks == nil {
		return nil, errors.New("job repository has no task queue")
	}

	var created *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var webhookID *string
			if params.Webhook != nil {
				if r.webhooks == nil {
					return errors.New("job repository has no webhook store")
				}
				wh, err := r.webhooks.CreateInTx(ctx, tx, params.Webhook)
				if err != nil {
					return err
				}
				webhookID = &wh.ID
			}

			now := r.clock.Now().UTC()
			j, err := scanJobFromRow(tx.QueryRowContext(ctx, `
				INSERT INTO jobs(source_locator, source_kind, status, user_id, session_id, callback_url, webhook_id, template, metadata, created_at, updated_at)
				VALUES ($1, $2, 'PENDING', $3, $4, $5, $6, $7, '{}'::jsonb, $8, $8)
				RETURNING `+jobColumns,
				strings.TrimSpace(req.SourceLocator), req.SourceKind, nonEmpty(req.UserID), nonEmpty(req.SessionID),
				nonEmpty(req.CallbackURL), webhookID, req.Template, now,
			))
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}

			if err := r.enqueueInTx(ctx, tx, j); err != nil {
				return err
			}
			created = j
			return nil
		},
	})
	if err != nil {
		return nil, storeErr("create job", err)
	}
	return created, nil
}

func (r *JobRepo) enqueueInTx(ctx context.Context, tx *sql.Tx, j *model.Job) error {
	payload, err := json.Marshal(model.ProcessVideoPayload{
		JobID:         j.ID,
		SourceLocator: j.SourceLocator,
		SourceKind:    j.SourceKind,
	})
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	jobID := j.ID
	if _, err := r.tasks.CreateInTx(ctx, tx, &model.CreateTaskRequest{
		Type:    model.TaskTypeProcessVideo,
		Payload: payload,
		JobID:   &jobID,
	}); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

type jobRowData struct {
	userID, sessionID, callbackURL, webhookID, errMsg sql.NullString
	metadata                                          []byte
}

func scanJobFromRow(scanner rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var d jobRowData
	if err := scanner.Scan(
		&j.ID,
		&j.SourceLocator,
		&j.SourceKind,
		&j.Status,
		&d.userID,
		&d.sessionID,
		&d.callbackURL,
		&d.webhookID,
		&j.Template,
		&d.errMsg,
		&d.metadata,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.UserID = cloneNullableString(d.userID)
	j.SessionID = cloneNullableString(d.sessionID)
	j.CallbackURL = cloneNullableString(d.callbackURL)
	j.WebhookID = cloneNullableString(d.webhookID)
	j.Error = cloneNullableString(d.errMsg)
	j.Metadata = cloneJSON(d.metadata)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJobFromRow(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return j, nil
}

type jobFilterQueryBuilder struct {
	where  []string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) add(condition string, value any) {
	b.where = append(b.where, fmt.Sprintf(condition, b.argIdx))
	b.args = append(b.args, value)
	b.argIdx++
}

func buildJobListQuery(opts *model.JobListOptions) (string, []any) {
	b := &jobFilterQueryBuilder{argIdx: 1}
	limit, offset := defaultJobListLimit, 0
	if opts != nil {
		if opts.Status != nil {
			b.add("status = $%d", *opts.Status)
		}
		if opts.SourceKind != nil {
			b.add("source_kind = $%d", *opts.SourceKind)
		}
		if opts.UserID != nil && *opts.UserID != "" {
			b.add("user_id = $%d", *opts.UserID)
		}
		if opts.SessionID != nil && *opts.SessionID != "" {
			b.add("session_id = $%d", *opts.SessionID)
		}
		if opts.CreatedBefore != nil {
			b.add("created_at < $%d", opts.CreatedBefore.UTC())
		}
		if opts.Limit > 0 {
			limit = min(opts.Limit, maxJobListLimit)
		}
		offset = max(opts.Offset, 0)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(b.where) > 0 {
		query += ` WHERE ` + strings.Join(b.where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, b.argIdx, b.argIdx+1)
	return query, append(b.args, limit, offset)
}

// List returns jobs matching opts, newest first.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	query, args := buildJobListQuery(opts)

	var out []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			j, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return fmt.Errorf("scan job: %w", scanErr)
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	return out, nil
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Transition moves a job to req.Status only when its current status allows that edge.
// The error column is written on FAILED and cleared on every other target.
func (r *JobRepo) Transition(ctx context.Context, req model.TransitionRequest) (*model.Job, error) {
	if !req.Status.Valid() {
		return nil, fmt.Errorf("invalid job status: %s", req.Status)
	}
	var errMsg *string
	if req.Status == model.JobStatusFailed {
		msg := req.Error
		errMsg = &msg
	}

	j, err := scanJobFromRow(r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    error = $3,
		    updated_at = $4
		WHERE id = $1 AND status = ANY($5::text[])
		RETURNING `+jobColumns,
		req.JobID, req.Status, errMsg, r.clock.Now().UTC(), statusStrings(job.AllowedFrom(req.Status)),
	))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storeErr("transition job", err)
	}
	return nil, r.explainRejected(ctx, req.JobID, req.Status)
}

// explainRejected turns a guarded UPDATE that matched nothing into NotFound or the illegal edge.
func (r *JobRepo) explainRejected(ctx context.Context, id string, to model.JobStatus) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if terr := job.CheckTransition(current.Status, to); terr != nil {
		return terr
	}
	// The row changed between the UPDATE and the re-read.
	return &job.TransitionError{From: current.Status, To: to}
}

// Retry moves a FAILED job back to PENDING, clears its error, and enqueues a fresh task.
func (r *JobRepo) Retry(ctx context.Context, id string) (*model.Job, error) {
	var retried *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			j, err := scanJobFromRow(tx.QueryRowContext(ctx, `
				UPDATE jobs
				SET status = 'PENDING', error = NULL, updated_at = $2
				WHERE id = $1 AND status = 'FAILED'
				RETURNING `+jobColumns, id, r.clock.Now().UTC()))
			if err != nil {
				return err
			}
			if err := r.enqueueInTx(ctx, tx, j); err != nil {
				return err
			}
			retried = j
			return nil
		},
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainRejected(ctx, id, model.JobStatusPending)
	}
	if err != nil {
		return nil, storeErr("retry job", err)
	}
	return retried, nil
}

// MergeMetadata applies a shallow union of patch onto the stored metadata in one statement.
func (r *JobRepo) MergeMetadata(ctx context.Context, id string, patch model.Metadata) error {
	if len(patch) == 0 {
		return nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		    updated_at = $3
		WHERE id = $1
	`, id, raw, r.clock.Now().UTC())
	if err != nil {
		return storeErr("merge job metadata", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Delete removes a job record together with its webhook registration. Jobs being
// processed are refused.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var webhookID sql.NullString
			err := tx.QueryRowContext(ctx, `
				DELETE FROM jobs
				WHERE id = $1 AND status <> 'PROCESSING'
				RETURNING webhook_id
			`, id).Scan(&webhookID)
			if err != nil {
				return err
			}
			if webhookID.Valid {
				if _, err := tx.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, webhookID.String); err != nil {
					return fmt.Errorf("delete webhook: %w", err)
				}
			}
			return nil
		},
	})
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobProcessing
	}
	if err != nil {
		return storeErr("delete job", err)
	}
	return nil
}
