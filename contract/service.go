package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lienflow/conflict"
	"lienflow/normalize"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// conflictRecorder is the slice of the conflict ledger the submission
// service drives.
type conflictRecorder interface {
	RecordConflicts(ctx context.Context, tx pgx.Tx, params conflict.RecordParams) (int, error)
}

// Outcome is the submission verdict returned to the caller.
type Outcome string

const (
	// OutcomeNoHit means no live rival contract shares a match key.
	OutcomeNoHit Outcome = "NO_HIT"
	// OutcomeExistingContract means at least one rival lender is already
	// working the same deal.
	OutcomeExistingContract Outcome = "EXISTING_CONTRACT"
)

// SubmitParams carries one lender's raw contract submission. Identity fields
// arrive raw; the service normalizes them before anything touches the store.
type SubmitParams struct {
	LenderID   string
	LenderName string
	ExternalID string
	Street     string
	City       string
	State      string
	Zip        string
	Phone      string
	Email      string
	APN        string
	SignedDate time.Time
}

// SubmitResult is the synchronous answer to a submission. Conflicts holds
// one privacy-filtered view per rival lender; the rivals themselves are
// notified asynchronously through the outbox.
type SubmitResult struct {
	Outcome   Outcome
	Contract  Contract
	Conflicts []conflict.CounterpartView
}

// Service runs the submission pipeline: Normalizer, Matcher, and Conflict
// Ledger execute as one transaction so a matched pair can never be observed
// without its link.
type Service struct {
	pool   TxBeginner
	repo   Repository
	ledger conflictRecorder
	now    func() time.Time
	idGen  func() string
}

func NewService(pool TxBeginner, repo Repository, ledger conflictRecorder) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		ledger: ledger,
		now:    time.Now,
		idGen:  uuid.NewString,
	}
}

// WithClock overrides the evaluation clock. Test seam.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides contract id generation. Test seam.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Submit registers a contract and reports whether rival lenders are already
// working the same deal. Normalization failures and duplicate external ids
// return before any state is written.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if params.LenderID == "" {
		return SubmitResult{}, fmt.Errorf("contract: submit missing lender id")
	}
	if params.ExternalID == "" {
		return SubmitResult{}, fmt.Errorf("contract: submit missing external id")
	}
	if params.SignedDate.IsZero() {
		return SubmitResult{}, fmt.Errorf("contract: submit missing signed date")
	}

	fields, err := normalizeFields(params)
	if err != nil {
		return SubmitResult{}, err
	}

	evalTime := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("contract: begin submit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Contract{
		ID:         s.idGen(),
		LenderID:   params.LenderID,
		ExternalID: params.ExternalID,
		Fields:     fields,
		SignedDate: params.SignedDate,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	candidates, err := s.repo.FindMatchCandidates(ctx, tx, params.LenderID, fields, MatchWindowStart(evalTime))
	if err != nil {
		return SubmitResult{}, err
	}

	groups := evaluateMatches(fields, candidates)
	if len(groups) > 0 {
		record := conflict.RecordParams{
			ContractID: created.ID,
			LenderID:   params.LenderID,
			LenderName: params.LenderName,
			SignedDate: created.SignedDate,
		}
		for _, g := range groups {
			for _, m := range g.All {
				record.Matches = append(record.Matches, conflict.RivalRef{
					ContractID: m.Candidate.ID,
					LenderID:   m.Candidate.LenderID,
					ExternalID: m.Candidate.ExternalID,
					MatchedOn:  m.MatchedOn,
				})
			}
		}
		if _, err := s.ledger.RecordConflicts(ctx, tx, record); err != nil {
			return SubmitResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("contract: commit submit tx: %w", err)
	}

	result := SubmitResult{
		Outcome:  OutcomeNoHit,
		Contract: created,
	}
	if len(groups) > 0 {
		result.Outcome = OutcomeExistingContract
		result.Conflicts = make([]conflict.CounterpartView, 0, len(groups))
		for _, g := range groups {
			result.Conflicts = append(result.Conflicts, conflict.CounterpartView{
				CounterpartLenderName: g.LenderName,
				CounterpartSignedDate: g.Surfaced.Candidate.SignedDate,
				DaysSinceSigned:       conflict.DaysBetween(g.Surfaced.Candidate.SignedDate, evalTime),
				MatchedOn:             g.Surfaced.MatchedOn,
				LinkStatus:            conflict.StatusOpen,
			})
		}
	}
	return result, nil
}

// GetOwned returns the lender's own contract in full.
func (s *Service) GetOwned(ctx context.Context, contractID, lenderID string) (Contract, error) {
	return s.repo.GetOwned(ctx, contractID, lenderID)
}

func normalizeFields(params SubmitParams) (Fields, error) {
	var (
		f   Fields
		err error
	)
	if f.Street, err = normalize.Street(params.Street); err != nil {
		return Fields{}, err
	}
	if f.City, err = normalize.City(params.City); err != nil {
		return Fields{}, err
	}
	if f.State, err = normalize.State(params.State); err != nil {
		return Fields{}, err
	}
	if f.Zip, err = normalize.Zip(params.Zip); err != nil {
		return Fields{}, err
	}
	if f.Phone, err = normalize.Phone(params.Phone); err != nil {
		return Fields{}, err
	}
	if f.Email, err = normalize.Email(params.Email); err != nil {
		return Fields{}, err
	}
	if f.APN, err = normalize.APN(params.APN); err != nil {
		return Fields{}, err
	}
	return f, nil
}
