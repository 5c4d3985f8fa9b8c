package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lienflow/conflict"
)

var (
	// ErrNotOwner signals a transition requested by a non-owning lender.
	ErrNotOwner = errors.New("contract: not owned by lender")
	// ErrInvalidTransition signals a transition on a non-ACTIVE contract or
	// to a non-terminal target. Of concurrent duplicate requests only the
	// first succeeds; the rest observe the row already terminal.
	ErrInvalidTransition = errors.New("contract: invalid status transition")
)

// conflictResolver is the slice of the conflict ledger the status service
// drives.
type conflictResolver interface {
	ResolveForContract(ctx context.Context, tx pgx.Tx, params conflict.ResolveParams) (int, error)
}

// StatusService governs the contract lifecycle: ACTIVE transitions exactly
// once to FUNDED or CANCELLED. The status write, every dependent conflict
// resolution, and the notification enqueues commit in one transaction; no
// partially-resolved conflict set is ever observable.
type StatusService struct {
	pool   TxBeginner
	repo   Repository
	ledger conflictResolver
	now    func() time.Time
}

func NewStatusService(pool TxBeginner, repo Repository, ledger conflictResolver) *StatusService {
	return &StatusService{
		pool:   pool,
		repo:   repo,
		ledger: ledger,
		now:    time.Now,
	}
}

// WithClock overrides the status-date clock. Test seam.
func (s *StatusService) WithClock(now func() time.Time) *StatusService {
	s.now = now
	return s
}

// TransitionParams identifies the contract, the requesting lender, and the
// terminal status to apply. StatusDate defaults to today.
type TransitionParams struct {
	ContractID string
	LenderID   string
	NewStatus  Status
	StatusDate *time.Time
}

// TransitionResult reports the updated contract and how many open conflicts
// the transition resolved.
type TransitionResult struct {
	Contract          Contract
	ConflictsResolved int
}

// Transition applies a terminal status. The row lock serializes concurrent
// requests on the same contract: the first wins, later ones find the
// contract no longer ACTIVE and fail with ErrInvalidTransition.
func (s *StatusService) Transition(ctx context.Context, params TransitionParams) (TransitionResult, error) {
	if params.ContractID == "" {
		return TransitionResult{}, fmt.Errorf("contract: transition missing contract id")
	}
	if params.LenderID == "" {
		return TransitionResult{}, fmt.Errorf("contract: transition missing lender id")
	}
	if params.NewStatus != StatusFunded && params.NewStatus != StatusCancelled {
		return TransitionResult{}, ErrInvalidTransition
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("contract: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		return TransitionResult{}, err
	}
	if current.LenderID != params.LenderID {
		return TransitionResult{}, ErrNotOwner
	}
	if current.Status != StatusActive {
		return TransitionResult{}, ErrInvalidTransition
	}

	statusDate := s.now()
	if params.StatusDate != nil {
		statusDate = *params.StatusDate
	}

	updated, err := s.repo.SetTerminalStatus(ctx, tx, params.ContractID, params.NewStatus, statusDate)
	if err != nil {
		return TransitionResult{}, err
	}

	resolved, err := s.ledger.ResolveForContract(ctx, tx, conflict.ResolveParams{
		ContractID: params.ContractID,
		NewStatus:  string(params.NewStatus),
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, fmt.Errorf("contract: commit transition tx: %w", err)
	}

	return TransitionResult{
		Contract:          updated,
		ConflictsResolved: resolved,
	}, nil
}
