package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists notification events. Enqueue runs inside the
// triggering transaction so the outbox commits atomically with the state
// change that produced it; the remaining methods are used by the dispatcher
// outside any caller transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Enqueue appends a PENDING event to the outbox within tx.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, params EnqueueParams) error {
	if params.LenderID == "" {
		return fmt.Errorf("notify: enqueue missing lender id")
	}
	if params.EventType == "" {
		return fmt.Errorf("notify: enqueue missing event type")
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	const query = `
		INSERT INTO notification_events (lender_id, event_type, payload, status)
		VALUES ($1, $2, $3::jsonb, 'PENDING')
	`
	if _, err := tx.Exec(ctx, query, params.LenderID, params.EventType, payload); err != nil {
		return fmt.Errorf("notify: enqueue event: %w", err)
	}
	return nil
}

// ClaimDue marks up to limit due PENDING events as claimed by claimToken and
// returns them joined with the recipient's endpoint configuration. SKIP
// LOCKED keeps concurrent dispatcher instances from double-claiming; the TTL
// lets a crashed claimant's events become due again.
func (r *Repository) ClaimDue(ctx context.Context, limit int, claimToken string, claimedUntil time.Time) ([]Delivery, error) {
	const query = `
		UPDATE notification_events ne
		SET claim_token = $2,
		    claimed_until = $3
		FROM lenders l
		WHERE ne.id IN (
			SELECT id FROM notification_events
			WHERE status = 'PENDING'
			  AND next_attempt_at <= now()
			  AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		  AND l.id = ne.lender_id
		RETURNING ne.id, ne.lender_id, ne.event_type, ne.payload, ne.status,
		          ne.attempts, ne.next_attempt_at, ne.last_error, ne.response_code,
		          ne.created_at, ne.delivered_at,
		          l.webhook_url, l.webhook_secret
	`

	rows, err := r.pool.Query(ctx, query, limit, claimToken, claimedUntil)
	if err != nil {
		return nil, fmt.Errorf("notify: claim due events: %w", err)
	}
	defer rows.Close()

	deliveries := make([]Delivery, 0, limit)
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(
			&d.ID,
			&d.LenderID,
			&d.EventType,
			&d.Payload,
			&d.Status,
			&d.Attempts,
			&d.NextAttemptAt,
			&d.LastError,
			&d.ResponseCode,
			&d.CreatedAt,
			&d.DeliveredAt,
			&d.WebhookURL,
			&d.WebhookSecret,
		); err != nil {
			return nil, fmt.Errorf("notify: scan claimed event: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate claimed events: %w", err)
	}

	return deliveries, nil
}

// MarkDelivered finalizes a successful attempt.
func (r *Repository) MarkDelivered(ctx context.Context, eventID, claimToken string, responseCode int) error {
	const query = `
		UPDATE notification_events
		SET status = 'DELIVERED',
		    attempts = attempts + 1,
		    response_code = $3,
		    last_error = NULL,
		    delivered_at = now(),
		    claim_token = NULL,
		    claimed_until = NULL
		WHERE id = $1 AND claim_token = $2
	`
	if _, err := r.pool.Exec(ctx, query, eventID, claimToken, responseCode); err != nil {
		return fmt.Errorf("notify: mark delivered: %w", err)
	}
	return nil
}

// ScheduleRetry records a failed attempt and releases the claim so the event
// becomes due again at nextAttemptAt.
func (r *Repository) ScheduleRetry(ctx context.Context, eventID, claimToken string, nextAttemptAt time.Time, lastError string, responseCode *int) error {
	const query = `
		UPDATE notification_events
		SET attempts = attempts + 1,
		    next_attempt_at = $3,
		    last_error = $4,
		    response_code = $5,
		    claim_token = NULL,
		    claimed_until = NULL
		WHERE id = $1 AND claim_token = $2
	`
	if _, err := r.pool.Exec(ctx, query, eventID, claimToken, nextAttemptAt, lastError, responseCode); err != nil {
		return fmt.Errorf("notify: schedule retry: %w", err)
	}
	return nil
}

// MarkFailed terminally fails an event after its retry budget is exhausted
// or when no delivery endpoint exists. Failed events stay visible for
// operators and are not retried automatically.
func (r *Repository) MarkFailed(ctx context.Context, eventID, claimToken string, lastError string, responseCode *int) error {
	const query = `
		UPDATE notification_events
		SET status = 'FAILED',
		    attempts = attempts + 1,
		    last_error = $3,
		    response_code = $4,
		    claim_token = NULL,
		    claimed_until = NULL
		WHERE id = $1 AND claim_token = $2
	`
	if _, err := r.pool.Exec(ctx, query, eventID, claimToken, lastError, responseCode); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}

// ListForLender returns the most recent events for a lender, newest first.
func (r *Repository) ListForLender(ctx context.Context, lenderID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT id, lender_id, event_type, payload, status, attempts,
		       next_attempt_at, last_error, response_code, created_at, delivered_at
		FROM notification_events
		WHERE lender_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, lenderID, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID,
			&e.LenderID,
			&e.EventType,
			&e.Payload,
			&e.Status,
			&e.Attempts,
			&e.NextAttemptAt,
			&e.LastError,
			&e.ResponseCode,
			&e.CreatedAt,
			&e.DeliveredAt,
		); err != nil {
			return nil, fmt.Errorf("notify: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate events: %w", err)
	}

	return events, nil
}
