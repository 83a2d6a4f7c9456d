package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/target/sopline/internal/data/cryptoutil"
	"github.com/target/sopline/internal/domain/model"
)

// WebhookRepo stores callback registrations. Secrets are sealed with the configured
// Encryptor before they reach the database.
type WebhookRepo struct {
	DB        *sql.DB
	encryptor cryptoutil.Encryptor
}

// NewWebhookRepo creates a WebhookRepo. A nil encryptor stores secrets with the noop marker.
func NewWebhookRepo(db *sql.DB, enc cryptoutil.Encryptor) *WebhookRepo {
	if enc == nil {
		enc = cryptoutil.NoopEncryptor{}
	}
	return &WebhookRepo{DB: db, encryptor: enc}
}

const webhookColumns = `id, url, secret, array_to_json(events), is_active, created_at`

// CreateInTx registers a webhook inside the caller's transaction.
func (r *WebhookRepo) CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateWebhookRequest) (*model.Webhook, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	if req == nil || strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("webhook url is required")
	}
	if req.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	events := req.Events
	if len(events) == 0 {
		events = []string{model.EventJobStatusChanged}
	}

	sealed, err := r.encryptor.Encrypt([]byte(req.Secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt webhook secret: %w", err)
	}

	wh, err := r.scan(tx.QueryRowContext(ctx, `
		INSERT INTO webhooks(url, secret, events, is_active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING `+webhookColumns, strings.TrimSpace(req.URL), sealed, events))
	if err != nil {
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	return wh, nil
}

// GetByID returns the registration with its secret decrypted.
func (r *WebhookRepo) GetByID(ctx context.Context, id string) (*model.Webhook, error) {
	wh, err := r.scan(r.DB.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, storeErr("get webhook", err)
	}
	return wh, nil
}

func (r *WebhookRepo) scan(row rowScanner) (*model.Webhook, error) {
	var (
		wh     model.Webhook
		sealed string
		events []byte
	)
	if err := row.Scan(&wh.ID, &wh.URL, &sealed, &events, &wh.IsActive, &wh.CreatedAt); err != nil {
		return nil, err
	}
	secret, err := r.encryptor.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt webhook secret: %w", err)
	}
	wh.Secret = string(secret)
	if err := json.Unmarshal(events, &wh.Events); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	wh.CreatedAt = wh.CreatedAt.UTC()
	return &wh, nil
}
