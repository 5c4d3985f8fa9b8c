package lender

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested lender does not exist.
var ErrNotFound = errors.New("lender: not found")

// Repository provides access to lender records. The engine only reads
// lenders; the administrative collaborator owns creation and key issuance.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const lenderColumns = `id, name, api_key_id, api_key_hash, webhook_url, webhook_secret, active, created_at, updated_at`

// GetByID fetches a lender by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Lender, error) {
	const query = `SELECT ` + lenderColumns + ` FROM lenders WHERE id = $1`
	return r.queryOne(ctx, query, id)
}

// GetByAPIKeyID fetches a lender by the public half of its API key.
func (r *Repository) GetByAPIKeyID(ctx context.Context, keyID string) (Lender, error) {
	const query = `SELECT ` + lenderColumns + ` FROM lenders WHERE api_key_id = $1`
	return r.queryOne(ctx, query, keyID)
}

// UpdateWebhookURL sets the lender's notification endpoint.
func (r *Repository) UpdateWebhookURL(ctx context.Context, id string, url *string) (Lender, error) {
	const query = `
		UPDATE lenders
		SET webhook_url = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + lenderColumns

	var l Lender
	if err := scanLender(r.pool.QueryRow(ctx, query, id, url), &l); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lender{}, ErrNotFound
		}
		return Lender{}, fmt.Errorf("lender: update webhook url: %w", err)
	}
	return l, nil
}

// List fetches up to limit lenders ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Lender, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `SELECT ` + lenderColumns + ` FROM lenders ORDER BY name ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lender: list: %w", err)
	}
	defer rows.Close()

	lenders := make([]Lender, 0, limit)
	for rows.Next() {
		var l Lender
		if err := scanLender(rows, &l); err != nil {
			return nil, fmt.Errorf("lender: scan: %w", err)
		}
		lenders = append(lenders, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lender: iterate: %w", err)
	}

	return lenders, nil
}

func (r *Repository) queryOne(ctx context.Context, query string, arg any) (Lender, error) {
	var l Lender
	if err := scanLender(r.pool.QueryRow(ctx, query, arg), &l); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lender{}, ErrNotFound
		}
		return Lender{}, fmt.Errorf("lender: query: %w", err)
	}
	return l, nil
}

func scanLender(row pgx.Row, l *Lender) error {
	return row.Scan(
		&l.ID,
		&l.Name,
		&l.APIKeyID,
		&l.APIKeyHash,
		&l.WebhookURL,
		&l.WebhookSecret,
		&l.Active,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
}
