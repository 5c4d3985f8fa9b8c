package contract

import (
	"context"
	"errors"
	"testing"
	"time"
)

func activeContract() Contract {
	return Contract{
		ID:         "contract-1",
		LenderID:   "lender-a",
		ExternalID: "ext-1",
		Status:     StatusActive,
		SignedDate: date("2026-06-01"),
	}
}

func TestTransition_FundResolvesConflicts(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeContractRepo{lockContract: activeContract()}
	ledger := &fakeLedger{resolved: 2}
	svc := NewStatusService(pool, repo, ledger).WithClock(func() time.Time { return date("2026-06-20") })

	result, err := svc.Transition(context.Background(), TransitionParams{
		ContractID: "contract-1",
		LenderID:   "lender-a",
		NewStatus:  StatusFunded,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.Contract.Status != StatusFunded {
		t.Errorf("expected FUNDED, got %s", result.Contract.Status)
	}
	if result.ConflictsResolved != 2 {
		t.Errorf("expected 2 conflicts resolved, got %d", result.ConflictsResolved)
	}
	if ledger.resolveFor.ContractID != "contract-1" || ledger.resolveFor.NewStatus != "FUNDED" {
		t.Errorf("expected ledger driven with contract and status, got %+v", ledger.resolveFor)
	}
	if !repo.setDate.Equal(date("2026-06-20")) {
		t.Errorf("expected status date defaulted to today, got %v", repo.setDate)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestTransition_ExplicitStatusDate(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeContractRepo{lockContract: activeContract()}
	svc := NewStatusService(pool, repo, &fakeLedger{})

	funded := date("2026-06-18")
	if _, err := svc.Transition(context.Background(), TransitionParams{
		ContractID: "contract-1",
		LenderID:   "lender-a",
		NewStatus:  StatusCancelled,
		StatusDate: &funded,
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if !repo.setDate.Equal(funded) {
		t.Errorf("expected supplied status date used, got %v", repo.setDate)
	}
}

func TestTransition_NotOwner(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeContractRepo{lockContract: activeContract()}
	svc := NewStatusService(pool, repo, &fakeLedger{})

	_, err := svc.Transition(context.Background(), TransitionParams{
		ContractID: "contract-1",
		LenderID:   "lender-b",
		NewStatus:  StatusFunded,
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
	if repo.setStatus != "" {
		t.Errorf("expected no status written")
	}
}

func TestTransition_AlreadyTerminal(t *testing.T) {
	funded := activeContract()
	funded.Status = StatusFunded

	pool := &fakePool{}
	repo := &fakeContractRepo{lockContract: funded}
	svc := NewStatusService(pool, repo, &fakeLedger{})

	_, err := svc.Transition(context.Background(), TransitionParams{
		ContractID: "contract-1",
		LenderID:   "lender-a",
		NewStatus:  StatusCancelled,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
}

func TestTransition_RejectsNonTerminalTarget(t *testing.T) {
	pool := &fakePool{}
	svc := NewStatusService(pool, &fakeContractRepo{}, &fakeLedger{})

	_, err := svc.Transition(context.Background(), TransitionParams{
		ContractID: "contract-1",
		LenderID:   "lender-a",
		NewStatus:  StatusActive,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if pool.tx != nil {
		t.Errorf("expected no transaction for an invalid target status")
	}
}

func TestTransition_ResolutionFailureAbortsTx(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeContractRepo{lockContract: activeContract()}
	ledger := &fakeLedger{resolveErr: errors.New("conflict: resolve touching")}
	svc := NewStatusService(pool, repo, ledger)

	if _, err := svc.Transition(context.Background(), TransitionParams{
		ContractID: "contract-1",
		LenderID:   "lender-a",
		NewStatus:  StatusFunded,
	}); err == nil {
		t.Fatalf("expected resolution error to propagate")
	}
	if pool.tx.committed {
		t.Errorf("expected status update rolled back with the failed resolution")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback")
	}
}
