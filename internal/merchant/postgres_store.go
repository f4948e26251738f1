package merchant

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists merchants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed merchant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the merchants table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS merchants (
			id             VARCHAR(36) PRIMARY KEY,
			name           TEXT NOT NULL,
			webhook_url    TEXT NOT NULL DEFAULT '',
			webhook_secret VARCHAR(64) NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, m *Merchant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO merchants (id, name, webhook_url, webhook_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.Name, m.WebhookURL, m.WebhookSecret, m.CreatedAt, m.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Merchant, error) {
	m := &Merchant{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, webhook_url, webhook_secret, created_at, updated_at
		FROM merchants WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.WebhookURL, &m.WebhookSecret, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (p *PostgresStore) Update(ctx context.Context, m *Merchant) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE merchants SET name = $2, webhook_url = $3, webhook_secret = $4, updated_at = $5
		WHERE id = $1
	`, m.ID, m.Name, m.WebhookURL, m.WebhookSecret, m.UpdatedAt)
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
