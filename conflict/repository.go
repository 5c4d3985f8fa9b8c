package conflict

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
	// ErrLinkExists signals an OPEN link already covers the contract pair.
	// Callers treat it as "reuse the existing link", never as a failure.
	ErrLinkExists = errors.New("conflict: open link already exists")
	// ErrNotOwned signals the contract does not belong to the querying lender.
	ErrNotOwned = errors.New("conflict: contract not owned by lender")
)

// CreateLinkParams identifies the contract pair and the match evidence.
type CreateLinkParams struct {
	ContractA string
	ContractB string
	MatchedOn []MatchKey
}

// ResolvedLink is one link flipped to RESOLVED joined with everything the
// ledger needs to notify the other side.
type ResolvedLink struct {
	LinkID          string
	MatchedOn       []MatchKey
	OtherContractID string
	OtherLenderID   string
	OtherExternalID string
	OwnerSignedDate time.Time
	OwnerLenderName string
}

// ViewRow is the raw join backing a CounterpartView.
type ViewRow struct {
	LinkID          string
	MatchedOn       []MatchKey
	LinkStatus      Status
	RivalLenderName string
	RivalSignedDate time.Time
	RivalStatus     string
}

// Repository persists conflict links. Mutations run inside the caller's
// transaction so link state commits atomically with the contract change that
// caused it.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateLink inserts an OPEN link for the unordered pair. The partial unique
// index on (contract_lo, contract_hi) WHERE status='OPEN' is the concurrency
// guard: a duplicate, whether from a resubmission or a racing transaction,
// surfaces as ErrLinkExists.
func (r *Repository) CreateLink(ctx context.Context, tx pgx.Tx, params CreateLinkParams) (Link, error) {
	if params.ContractA == "" || params.ContractB == "" {
		return Link{}, fmt.Errorf("conflict: link requires both contract ids")
	}
	if params.ContractA == params.ContractB {
		return Link{}, fmt.Errorf("conflict: link requires two distinct contracts")
	}
	if len(params.MatchedOn) == 0 {
		return Link{}, fmt.Errorf("conflict: link requires match evidence")
	}

	const query = `
		INSERT INTO conflict_links (contract_lo, contract_hi, matched_on, status)
		VALUES (LEAST($1::uuid, $2::uuid), GREATEST($1::uuid, $2::uuid), $3, 'OPEN')
		RETURNING id, contract_lo, contract_hi, matched_on, status, created_at, resolved_at
	`

	var (
		link Link
		keys []string
	)
	err := tx.QueryRow(ctx, query, params.ContractA, params.ContractB, keyStrings(params.MatchedOn)).Scan(
		&link.ID,
		&link.ContractLo,
		&link.ContractHi,
		&keys,
		&link.Status,
		&link.CreatedAt,
		&link.ResolvedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Link{}, ErrLinkExists
		}
		return Link{}, fmt.Errorf("conflict: create link: %w", err)
	}
	link.MatchedOn = matchKeys(keys)
	return link, nil
}

// ResolveTouching flips every OPEN link touching contractID to RESOLVED and
// returns them joined with the counterpart contract and both lender names.
func (r *Repository) ResolveTouching(ctx context.Context, tx pgx.Tx, contractID string) ([]ResolvedLink, error) {
	const query = `
		UPDATE conflict_links cl
		SET status = 'RESOLVED',
		    resolved_at = now()
		FROM contracts own
		JOIN lenders ol ON ol.id = own.lender_id,
		     contracts other
		WHERE cl.status = 'OPEN'
		  AND (cl.contract_lo = $1 OR cl.contract_hi = $1)
		  AND own.id = $1
		  AND other.id = CASE WHEN cl.contract_lo = $1 THEN cl.contract_hi ELSE cl.contract_lo END
		RETURNING cl.id, cl.matched_on, other.id, other.lender_id, other.external_id,
		          own.signed_date, ol.name
	`

	rows, err := tx.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("conflict: resolve links: %w", err)
	}
	defer rows.Close()

	resolved := make([]ResolvedLink, 0, 4)
	for rows.Next() {
		var (
			rl   ResolvedLink
			keys []string
		)
		if err := rows.Scan(
			&rl.LinkID,
			&keys,
			&rl.OtherContractID,
			&rl.OtherLenderID,
			&rl.OtherExternalID,
			&rl.OwnerSignedDate,
			&rl.OwnerLenderName,
		); err != nil {
			return nil, fmt.Errorf("conflict: scan resolved link: %w", err)
		}
		rl.MatchedOn = matchKeys(keys)
		resolved = append(resolved, rl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conflict: iterate resolved links: %w", err)
	}

	return resolved, nil
}

// ListForContract returns every link touching the contract, provided the
// contract belongs to lenderID, joined with counterpart data for the
// privacy-filtered view.
func (r *Repository) ListForContract(ctx context.Context, contractID, lenderID string) ([]ViewRow, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1 AND lender_id = $2)`,
		contractID, lenderID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("conflict: verify ownership: %w", err)
	}
	if !exists {
		return nil, ErrNotOwned
	}

	const query = `
		SELECT cl.id, cl.matched_on, cl.status, rl.name, rival.signed_date, rival.status
		FROM conflict_links cl
		JOIN contracts rival
		  ON rival.id = CASE WHEN cl.contract_lo = $1 THEN cl.contract_hi ELSE cl.contract_lo END
		JOIN lenders rl ON rl.id = rival.lender_id
		WHERE cl.contract_lo = $1 OR cl.contract_hi = $1
		ORDER BY cl.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("conflict: list links: %w", err)
	}
	defer rows.Close()

	views := make([]ViewRow, 0, 4)
	for rows.Next() {
		var (
			v    ViewRow
			keys []string
		)
		if err := rows.Scan(&v.LinkID, &keys, &v.LinkStatus, &v.RivalLenderName, &v.RivalSignedDate, &v.RivalStatus); err != nil {
			return nil, fmt.Errorf("conflict: scan link row: %w", err)
		}
		v.MatchedOn = matchKeys(keys)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conflict: iterate link rows: %w", err)
	}

	return views, nil
}

func keyStrings(keys []MatchKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

func matchKeys(keys []string) []MatchKey {
	out := make([]MatchKey, len(keys))
	for i, k := range keys {
		out[i] = MatchKey(k)
	}
	return out
}
