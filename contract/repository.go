package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the contract does not exist.
	ErrNotFound = errors.New("contract: not found")
	// ErrDuplicateExternalID signals the lender already submitted a contract
	// under this external id.
	ErrDuplicateExternalID = errors.New("contract: duplicate external id")
)

// Repository defines the data access the submission and status services
// need. Mutations take pgx.Tx so they join the caller's transaction.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	FindMatchCandidates(ctx context.Context, tx pgx.Tx, lenderID string, f Fields, windowStart time.Time) ([]Candidate, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	SetTerminalStatus(ctx context.Context, tx pgx.Tx, id string, status Status, statusDate time.Time) (Contract, error)
	GetOwned(ctx context.Context, id, lenderID string) (Contract, error)
}

const contractColumns = `id, lender_id, external_id, street, city, state, zip, phone, email, apn,
	signed_date, status, funded_date, cancelled_date, created_at, updated_at`

// PGRepository is the pgx-backed Repository implementation.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a new ACTIVE contract. The (lender_id, external_id)
// uniqueness constraint maps to ErrDuplicateExternalID, making resubmission
// a no-op error with nothing mutated.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	const query = `
		INSERT INTO contracts (id, lender_id, external_id, street, city, state, zip, phone, email, apn, signed_date, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, 'ACTIVE')
		RETURNING ` + contractColumns

	row := tx.QueryRow(ctx, query,
		c.ID,
		c.LenderID,
		c.ExternalID,
		c.Fields.Street,
		c.Fields.City,
		c.Fields.State,
		c.Fields.Zip,
		c.Fields.Phone,
		c.Fields.Email,
		c.Fields.APN,
		c.SignedDate,
	)

	created, err := scanContract(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, ErrDuplicateExternalID
		}
		return Contract{}, fmt.Errorf("contract: create: %w", err)
	}
	return created, nil
}

// FindMatchCandidates scans the active window for rival contracts sharing at
// least one match key with the candidate fields. Optional keys participate
// only when present on both sides; the signed-date boundary is inclusive.
// Candidate rows are locked so a concurrent status transition cannot resolve
// a rival's links while this transaction is still creating new ones.
func (r *PGRepository) FindMatchCandidates(ctx context.Context, tx pgx.Tx, lenderID string, f Fields, windowStart time.Time) ([]Candidate, error) {
	const query = `
		SELECT c.id, c.lender_id, c.external_id, c.street, c.city, c.state, c.zip, c.phone, c.email, c.apn,
		       c.signed_date, c.status, c.funded_date, c.cancelled_date, c.created_at, c.updated_at,
		       l.name
		FROM contracts c
		JOIN lenders l ON l.id = c.lender_id
		WHERE c.status = 'ACTIVE'
		  AND c.lender_id <> $1
		  AND c.signed_date >= $2
		  AND (
			($3 <> '' AND c.apn = $3)
			OR (c.street = $4 AND c.zip = $5)
			OR ($6 <> '' AND c.email = $6)
			OR ($7 <> '' AND c.phone = $7)
		  )
		ORDER BY c.signed_date DESC, c.created_at DESC
		FOR UPDATE OF c
	`

	rows, err := tx.Query(ctx, query, lenderID, windowStart, f.APN, f.Street, f.Zip, f.Email, f.Phone)
	if err != nil {
		return nil, fmt.Errorf("contract: find match candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0, 4)
	for rows.Next() {
		var (
			cand  Candidate
			phone *string
			email *string
			apn   *string
		)
		if err := rows.Scan(
			&cand.ID,
			&cand.LenderID,
			&cand.ExternalID,
			&cand.Fields.Street,
			&cand.Fields.City,
			&cand.Fields.State,
			&cand.Fields.Zip,
			&phone,
			&email,
			&apn,
			&cand.SignedDate,
			&cand.Status,
			&cand.FundedDate,
			&cand.CancelledDate,
			&cand.CreatedAt,
			&cand.UpdatedAt,
			&cand.LenderName,
		); err != nil {
			return nil, fmt.Errorf("contract: scan candidate: %w", err)
		}
		cand.Fields.Phone = deref(phone)
		cand.Fields.Email = deref(email)
		cand.Fields.APN = deref(apn)
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate candidates: %w", err)
	}

	return candidates, nil
}

// GetForUpdate locks the contract row for the duration of the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	const query = `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1 FOR UPDATE`

	c, err := scanContract(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get for update: %w", err)
	}
	return c, nil
}

// SetTerminalStatus applies a terminal status and its date stamp.
func (r *PGRepository) SetTerminalStatus(ctx context.Context, tx pgx.Tx, id string, status Status, statusDate time.Time) (Contract, error) {
	const query = `
		UPDATE contracts
		SET status = $2,
		    funded_date = CASE WHEN $2 = 'FUNDED' THEN $3::date ELSE funded_date END,
		    cancelled_date = CASE WHEN $2 = 'CANCELLED' THEN $3::date ELSE cancelled_date END,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, query, id, status, statusDate))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: set terminal status: %w", err)
	}
	return c, nil
}

// GetOwned fetches a contract constrained to its owning lender.
func (r *PGRepository) GetOwned(ctx context.Context, id, lenderID string) (Contract, error) {
	const query = `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1 AND lender_id = $2`

	c, err := scanContract(r.pool.QueryRow(ctx, query, id, lenderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get owned: %w", err)
	}
	return c, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c     Contract
		phone *string
		email *string
		apn   *string
	)
	err := row.Scan(
		&c.ID,
		&c.LenderID,
		&c.ExternalID,
		&c.Fields.Street,
		&c.Fields.City,
		&c.Fields.State,
		&c.Fields.Zip,
		&phone,
		&email,
		&apn,
		&c.SignedDate,
		&c.Status,
		&c.FundedDate,
		&c.CancelledDate,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	c.Fields.Phone = deref(phone)
	c.Fields.Email = deref(email)
	c.Fields.APN = deref(apn)
	return c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
