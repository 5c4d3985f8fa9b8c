package contract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lienflow/conflict"
	"lienflow/notify"
)

// TestSubmitAndFund_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the submission pipeline end to end: normalization, matching,
// link creation, outbox enqueue, and resolution on funding.
func TestSubmitAndFund_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "contracts") || !tableExists(ctx, t, pool, "conflict_links") || !tableExists(ctx, t, pool, "notification_events") {
		t.Skip("database schema missing; apply migrations/001_init.sql first")
	}

	nonce := time.Now().UnixNano()
	var lenderA, lenderB string
	if err := pool.QueryRow(ctx,
		`INSERT INTO lenders (name, api_key_id, api_key_hash, webhook_secret) VALUES ($1, $2, 'x', 's') RETURNING id`,
		fmt.Sprintf("Alpha Capital %d", nonce), fmt.Sprintf("key-a-%d", nonce)).Scan(&lenderA); err != nil {
		t.Fatalf("seed lender a: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO lenders (name, api_key_id, api_key_hash, webhook_secret) VALUES ($1, $2, 'x', 's') RETURNING id`,
		fmt.Sprintf("Beta Funding %d", nonce), fmt.Sprintf("key-b-%d", nonce)).Scan(&lenderB); err != nil {
		t.Fatalf("seed lender b: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM conflict_links WHERE contract_lo IN (SELECT id FROM contracts WHERE lender_id IN ($1, $2)) OR contract_hi IN (SELECT id FROM contracts WHERE lender_id IN ($1, $2))`, lenderA, lenderB)
		pool.Exec(ctx2, `DELETE FROM notification_events WHERE lender_id IN ($1, $2)`, lenderA, lenderB)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE lender_id IN ($1, $2)`, lenderA, lenderB)
		pool.Exec(ctx2, `DELETE FROM lenders WHERE id IN ($1, $2)`, lenderA, lenderB)
	})

	repo := NewRepository(pool)
	ledger := conflict.NewLedger(conflict.NewRepository(pool), notify.NewRepository(pool))
	svc := NewService(pool, repo, ledger)
	statusSvc := NewStatusService(pool, repo, ledger)

	// Rival submits first.
	first, err := svc.Submit(ctx, SubmitParams{
		LenderID:   lenderB,
		LenderName: "Beta Funding",
		ExternalID: fmt.Sprintf("b-%d", nonce),
		Street:     "456 Oak Avenue",
		City:       "Austin",
		State:      "TX",
		Zip:        "78701",
		SignedDate: time.Now().AddDate(0, 0, -10),
	})
	if err != nil {
		t.Fatalf("submit rival: %v", err)
	}
	if first.Outcome != OutcomeNoHit {
		t.Fatalf("expected NO_HIT for the first submission, got %s", first.Outcome)
	}

	// Same property from the other lender: different formatting, same identity.
	second, err := svc.Submit(ctx, SubmitParams{
		LenderID:   lenderA,
		LenderName: "Alpha Capital",
		ExternalID: fmt.Sprintf("a-%d", nonce),
		Street:     "456 Oak Ave.",
		City:       "AUSTIN",
		State:      "tx",
		Zip:        "78701-2210",
		SignedDate: time.Now().AddDate(0, 0, -2),
	})
	if err != nil {
		t.Fatalf("submit matching: %v", err)
	}
	if second.Outcome != OutcomeExistingContract {
		t.Fatalf("expected EXISTING_CONTRACT, got %s", second.Outcome)
	}
	if len(second.Conflicts) != 1 || second.Conflicts[0].CounterpartLenderName == "" {
		t.Fatalf("expected one counterpart view, got %+v", second.Conflicts)
	}

	// One OPEN link, one NEW_CONFLICT event addressed to the rival.
	var linkCount int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conflict_links WHERE status = 'OPEN' AND (contract_lo = $1 OR contract_hi = $1)`,
		second.Contract.ID).Scan(&linkCount); err != nil {
		t.Fatalf("verify links: %v", err)
	}
	if linkCount != 1 {
		t.Fatalf("expected 1 OPEN link, got %d", linkCount)
	}

	var eventCount int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_events WHERE lender_id = $1 AND event_type = 'NEW_CONFLICT'`,
		lenderB).Scan(&eventCount); err != nil {
		t.Fatalf("verify events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected 1 NEW_CONFLICT event for the rival, got %d", eventCount)
	}

	// Resubmission under the same external id must not create anything.
	if _, err := svc.Submit(ctx, SubmitParams{
		LenderID:   lenderA,
		LenderName: "Alpha Capital",
		ExternalID: fmt.Sprintf("a-%d", nonce),
		Street:     "456 Oak Ave.",
		City:       "Austin",
		State:      "TX",
		Zip:        "78701",
		SignedDate: time.Now(),
	}); !errors.Is(err, ErrDuplicateExternalID) {
		t.Fatalf("expected ErrDuplicateExternalID, got %v", err)
	}

	// Funding resolves the link and notifies the counterpart.
	result, err := statusSvc.Transition(ctx, TransitionParams{
		ContractID: second.Contract.ID,
		LenderID:   lenderA,
		NewStatus:  StatusFunded,
	})
	if err != nil {
		t.Fatalf("fund contract: %v", err)
	}
	if result.ConflictsResolved != 1 {
		t.Fatalf("expected 1 conflict resolved, got %d", result.ConflictsResolved)
	}

	var openLeft int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conflict_links WHERE status = 'OPEN' AND (contract_lo = $1 OR contract_hi = $1)`,
		second.Contract.ID).Scan(&openLeft); err != nil {
		t.Fatalf("re-verify links: %v", err)
	}
	if openLeft != 0 {
		t.Fatalf("expected no OPEN links after funding, got %d", openLeft)
	}

	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_events WHERE lender_id = $1 AND event_type = 'CONFLICT_CONTRACT_FUNDED'`,
		lenderB).Scan(&eventCount); err != nil {
		t.Fatalf("verify funded events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected 1 CONFLICT_CONTRACT_FUNDED event, got %d", eventCount)
	}

	// A second transition attempt is rejected; the contract is terminal.
	if _, err := statusSvc.Transition(ctx, TransitionParams{
		ContractID: second.Contract.ID,
		LenderID:   lenderA,
		NewStatus:  StatusCancelled,
	}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on a terminal contract, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
