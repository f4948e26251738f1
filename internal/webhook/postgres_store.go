package webhook

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists webhook events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the webhook_events table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_events (
			id                 VARCHAR(36) PRIMARY KEY,
			invoice_id         VARCHAR(36) NOT NULL,
			merchant_id        VARCHAR(36) NOT NULL,
			event_type         VARCHAR(32) NOT NULL,
			url                TEXT NOT NULL,
			payload            BYTEA NOT NULL,
			status             VARCHAR(16) NOT NULL DEFAULT 'pending',
			attempts           INTEGER NOT NULL DEFAULT 0,
			last_attempt_at    TIMESTAMPTZ,
			next_retry_at      TIMESTAMPTZ,
			last_response_code INTEGER NOT NULL DEFAULT 0,
			last_response_body TEXT NOT NULL DEFAULT '',
			failure_reason     TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_events_invoice ON webhook_events(invoice_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_webhook_events_due ON webhook_events(status, next_retry_at)
			WHERE status IN ('pending', 'retrying');
	`)
	return err
}

const eventColumns = `id, invoice_id, merchant_id, event_type, url, payload, status, attempts,
	last_attempt_at, next_retry_at, last_response_code, last_response_body, failure_reason, created_at`

func (p *PostgresStore) Create(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, invoice_id, merchant_id, event_type, url, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.InvoiceID, e.MerchantID, e.Type, e.URL, e.Payload, e.Status, e.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	return scanEvent(row)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status = 'pending'
		   OR (status = 'retrying' AND next_retry_at <= $1)
		ORDER BY created_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) ListByInvoice(ctx context.Context, invoiceID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE invoice_id = $1 ORDER BY created_at ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) Update(ctx context.Context, e *Event) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET
			status = $2,
			attempts = $3,
			last_attempt_at = $4,
			next_retry_at = $5,
			last_response_code = $6,
			last_response_body = $7,
			failure_reason = $8
		WHERE id = $1
	`, e.ID, e.Status, e.Attempts, e.LastAttemptAt, e.NextRetryAt,
		e.LastResponseCode, e.LastResponseBody, e.FailureReason)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var lastAttempt, nextRetry sql.NullTime

	err := row.Scan(
		&e.ID, &e.InvoiceID, &e.MerchantID, &e.Type, &e.URL, &e.Payload,
		&e.Status, &e.Attempts, &lastAttempt, &nextRetry,
		&e.LastResponseCode, &e.LastResponseBody, &e.FailureReason, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastAttempt.Valid {
		e.LastAttemptAt = &lastAttempt.Time
	}
	if nextRetry.Valid {
		e.NextRetryAt = &nextRetry.Time
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
