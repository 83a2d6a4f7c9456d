package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/sopline/internal/data/pgxutil"
	"github.com/target/sopline/internal/domain/model"
)

// maxDeliveryResponseBytes bounds the captured response body.
const maxDeliveryResponseBytes = 4096

// WebhookDeliveryRepo appends delivery attempts. Rows are never updated.
type WebhookDeliveryRepo struct {
	DB *sql.DB
}

// NewWebhookDeliveryRepo creates a WebhookDeliveryRepo.
func NewWebhookDeliveryRepo(db *sql.DB) *WebhookDeliveryRepo {
	return &WebhookDeliveryRepo{DB: db}
}

const deliveryColumns = `id, webhook_id, job_id, event, attempt, status, response, error, created_at`

// Create inserts one delivery record.
func (r *WebhookDeliveryRepo) Create(ctx context.Context, req *model.CreateWebhookDeliveryRequest) (*model.WebhookDelivery, error) {
	if req == nil {
		return nil, errors.New("create delivery request is required")
	}
	d, err := scanDelivery(r.DB.QueryRowContext(ctx, `
		INSERT INTO webhook_deliveries(webhook_id, job_id, event, attempt, status, response, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+deliveryColumns,
		req.WebhookID, req.JobID, req.Event, req.Attempt, req.Status, truncate(req.Response), req.Error,
	))
	if err != nil {
		return nil, storeErr("insert webhook delivery", err)
	}
	return d, nil
}

// ListByJob returns delivery attempts for a job, oldest first.
func (r *WebhookDeliveryRepo) ListByJob(ctx context.Context, jobID string, limit, offset int) ([]*model.WebhookDelivery, error) {
	if limit <= 0 {
		limit = defaultJobListLimit
	}
	limit = min(limit, maxJobListLimit)
	offset = max(offset, 0)

	var out []*model.WebhookDelivery
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+deliveryColumns+`
			FROM webhook_deliveries
			WHERE job_id = $1
			ORDER BY created_at ASC, attempt ASC
			LIMIT $2 OFFSET $3
		`, jobID, limit, offset)
		if err != nil {
			return fmt.Errorf("query deliveries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, scanErr := scanDelivery(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr("list webhook deliveries", err)
	}
	return out, nil
}

func scanDelivery(row rowScanner) (*model.WebhookDelivery, error) {
	var (
		d             model.WebhookDelivery
		response, msg sql.NullString
	)
	if err := row.Scan(&d.ID, &d.WebhookID, &d.JobID, &d.Event, &d.Attempt, &d.Status, &response, &msg, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Response = cloneNullableString(response)
	d.Error = cloneNullableString(msg)
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func truncate(s *string) *string {
	if s == nil || len(*s) <= maxDeliveryResponseBytes {
		return s
	}
	v := (*s)[:maxDeliveryResponseBytes]
	return &v
}
