package invoice

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists invoices in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the invoices table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			id                    VARCHAR(36) PRIMARY KEY,
			reference             VARCHAR(64) NOT NULL UNIQUE,
			merchant_id           VARCHAR(36) NOT NULL,
			recipient             VARCHAR(64) NOT NULL,
			amount                TEXT NOT NULL,
			asset_kind            VARCHAR(16) NOT NULL,
			asset_mint            VARCHAR(64) NOT NULL DEFAULT '',
			asset_symbol          VARCHAR(16) NOT NULL DEFAULT '',
			asset_decimals        INTEGER NOT NULL,
			title                 TEXT NOT NULL DEFAULT '',
			description           TEXT NOT NULL DEFAULT '',
			status                VARCHAR(16) NOT NULL DEFAULT 'pending',
			payer_address         VARCHAR(64),
			transaction_signature VARCHAR(128),
			confirmed_amount      TEXT,
			confirmed_at          TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at            TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_merchant ON invoices(merchant_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_invoices_scannable ON invoices(status) WHERE status IN ('pending', 'processing');
	`)
	return err
}

const invoiceColumns = `id, reference, merchant_id, recipient, amount, asset_kind, asset_mint,
	asset_symbol, asset_decimals, title, description, status, payer_address,
	transaction_signature, confirmed_amount, confirmed_at, created_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, reference, merchant_id, recipient, amount, asset_kind,
			asset_mint, asset_symbol, asset_decimals, title, description, status,
			created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, inv.ID, inv.Reference, inv.MerchantID, inv.Recipient, inv.Amount, inv.AssetKind,
		inv.AssetMint, inv.AssetSymbol, inv.AssetDecimals, inv.Title, inv.Description,
		inv.Status, inv.CreatedAt, inv.ExpiresAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE reference = $1`, reference)
	return scanInvoice(row)
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT $2
	`, merchantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInvoices(rows)
}

func (p *PostgresStore) ListScannable(ctx context.Context, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInvoices(rows)
}

// UpdateStatus applies the transition in a single conditional UPDATE.
// The WHERE clause re-checks the state machine at write time, so two
// racing sweeps can never both succeed.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, proof *Proof) (bool, error) {
	var payer, sig, confirmed sql.NullString
	var confirmedAt sql.NullTime
	if proof != nil {
		payer = sql.NullString{String: proof.PayerAddress, Valid: true}
		sig = sql.NullString{String: proof.TransactionSignature, Valid: true}
		confirmed = sql.NullString{String: proof.ConfirmedAmount, Valid: true}
		confirmedAt = sql.NullTime{Time: proof.ConfirmedAt, Valid: true}
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			status = $2,
			payer_address = COALESCE($3, payer_address),
			transaction_signature = COALESCE($4, transaction_signature),
			confirmed_amount = COALESCE($5, confirmed_amount),
			confirmed_at = COALESCE($6, confirmed_at)
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'expired')
		  AND NOT (status = 'processing' AND $2 = 'pending')
		  AND status <> $2
	`, id, status, payer, sig, confirmed, confirmedAt)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "lost the race" from "no such invoice".
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var payer, sig, confirmed sql.NullString
	var confirmedAt, expiresAt sql.NullTime

	err := row.Scan(
		&inv.ID, &inv.Reference, &inv.MerchantID, &inv.Recipient, &inv.Amount,
		&inv.AssetKind, &inv.AssetMint, &inv.AssetSymbol, &inv.AssetDecimals,
		&inv.Title, &inv.Description, &inv.Status, &payer, &sig, &confirmed,
		&confirmedAt, &inv.CreatedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inv.PayerAddress = payer.String
	inv.TransactionSignature = sig.String
	inv.ConfirmedAmount = confirmed.String
	if confirmedAt.Valid {
		inv.ConfirmedAt = &confirmedAt.Time
	}
	if expiresAt.Valid {
		inv.ExpiresAt = &expiresAt.Time
	}
	return inv, nil
}

func scanInvoices(rows *sql.Rows) ([]*Invoice, error) {
	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}
