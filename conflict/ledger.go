package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lienflow/notify"
)

// LinkRepository abstracts link persistence for the ledger.
type LinkRepository interface {
	CreateLink(ctx context.Context, tx pgx.Tx, params CreateLinkParams) (Link, error)
	ResolveTouching(ctx context.Context, tx pgx.Tx, contractID string) ([]ResolvedLink, error)
	ListForContract(ctx context.Context, contractID, lenderID string) ([]ViewRow, error)
}

// EventOutbox enqueues notification events inside the caller's transaction.
type EventOutbox interface {
	Enqueue(ctx context.Context, tx pgx.Tx, params notify.EnqueueParams) error
}

// Ledger owns the conflict relationship lifecycle: link creation during
// submission, resolution on status change, and the privacy view exposed to
// each party. All mutations run inside the caller's transaction so link
// state and notification enqueues commit atomically with the triggering
// contract write.
type Ledger struct {
	repo   LinkRepository
	outbox EventOutbox
	now    func() time.Time
}

func NewLedger(repo LinkRepository, outbox EventOutbox) *Ledger {
	return &Ledger{
		repo:   repo,
		outbox: outbox,
		now:    time.Now,
	}
}

// WithClock overrides the ledger's clock. Test seam.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// RivalRef identifies one matched rival contract.
type RivalRef struct {
	ContractID string
	LenderID   string
	ExternalID string
	MatchedOn  []MatchKey
}

// RecordParams describes a freshly submitted contract and its match results.
type RecordParams struct {
	ContractID string
	LenderID   string
	LenderName string
	SignedDate time.Time
	Matches    []RivalRef
}

// RecordConflicts creates one OPEN link per matched rival contract and
// enqueues a NEW_CONFLICT event to each rival whose link is newly created.
// Pairs already covered by an OPEN link are reused silently, so duplicate
// evaluations never double-link or double-notify. The submitter is not
// notified: it learns of conflicts synchronously from the submission
// response. Returns the number of links created.
func (l *Ledger) RecordConflicts(ctx context.Context, tx pgx.Tx, params RecordParams) (int, error) {
	created := 0
	for _, rival := range params.Matches {
		if rival.LenderID == params.LenderID {
			return created, fmt.Errorf("conflict: self-conflict for lender %s", params.LenderID)
		}

		link, err := l.repo.CreateLink(ctx, tx, CreateLinkParams{
			ContractA: params.ContractID,
			ContractB: rival.ContractID,
			MatchedOn: rival.MatchedOn,
		})
		if err != nil {
			if errors.Is(err, ErrLinkExists) {
				continue
			}
			return created, err
		}
		created++

		payload := eventPayload(notify.EventNewConflict, link.ID, rival.ExternalID, params.LenderName, params.SignedDate, rival.MatchedOn)
		payload["counterpart_status"] = "ACTIVE"
		if err := l.outbox.Enqueue(ctx, tx, notify.EnqueueParams{
			LenderID:  rival.LenderID,
			EventType: notify.EventNewConflict,
			Payload:   payload,
		}); err != nil {
			return created, err
		}
	}
	return created, nil
}

// ResolveParams describes the contract leaving ACTIVE status.
type ResolveParams struct {
	ContractID string
	// NewStatus is the terminal status being applied, FUNDED or CANCELLED.
	NewStatus string
}

// ResolveForContract flips every OPEN link touching the contract to RESOLVED
// and enqueues one event per link to the lender on the other side: funding
// produces CONFLICT_CONTRACT_FUNDED, cancellation CONFLICT_RESOLVED. A
// contract with no OPEN links resolves nothing and notifies no one. Returns
// the number of links resolved.
func (l *Ledger) ResolveForContract(ctx context.Context, tx pgx.Tx, params ResolveParams) (int, error) {
	eventType := notify.EventConflictResolved
	if params.NewStatus == "FUNDED" {
		eventType = notify.EventConflictContractFunded
	}

	resolved, err := l.repo.ResolveTouching(ctx, tx, params.ContractID)
	if err != nil {
		return 0, err
	}

	for _, link := range resolved {
		payload := eventPayload(eventType, link.LinkID, link.OtherExternalID, link.OwnerLenderName, link.OwnerSignedDate, link.MatchedOn)
		payload["counterpart_status"] = params.NewStatus
		if err := l.outbox.Enqueue(ctx, tx, notify.EnqueueParams{
			LenderID:  link.OtherLenderID,
			EventType: eventType,
			Payload:   payload,
		}); err != nil {
			return 0, err
		}
	}

	return len(resolved), nil
}

// ListForContract builds the privacy-filtered conflict views for a lender
// querying its own contract. Counterpart identity fields never enter the
// view type; terminal status is exposed only once the link is RESOLVED.
func (l *Ledger) ListForContract(ctx context.Context, contractID, lenderID string) ([]CounterpartView, error) {
	rows, err := l.repo.ListForContract(ctx, contractID, lenderID)
	if err != nil {
		return nil, err
	}

	today := l.now()
	views := make([]CounterpartView, 0, len(rows))
	for _, row := range rows {
		v := CounterpartView{
			LinkID:                row.LinkID,
			CounterpartLenderName: row.RivalLenderName,
			CounterpartSignedDate: row.RivalSignedDate,
			DaysSinceSigned:       DaysBetween(row.RivalSignedDate, today),
			MatchedOn:             orderKeys(row.MatchedOn),
			LinkStatus:            row.LinkStatus,
		}
		if row.LinkStatus == StatusResolved {
			v.CounterpartStatus = row.RivalStatus
		}
		views = append(views, v)
	}
	return views, nil
}

// eventPayload builds the self-contained notification body. It carries only
// the counterpart's lender name, signed date, matched key kinds, and status;
// raw identity fields never cross the lender boundary.
func eventPayload(eventType notify.EventType, linkID, yourContractID, counterpartName string, counterpartSigned time.Time, matched []MatchKey) map[string]any {
	return map[string]any{
		"event":                   string(eventType),
		"link_id":                 linkID,
		"your_contract_id":        yourContractID,
		"counterpart_lender_name": counterpartName,
		"counterpart_signed_date": counterpartSigned.Format("2006-01-02"),
		"matched_on":              keyStrings(orderKeys(matched)),
	}
}

// orderKeys sorts match evidence by authority, APN first.
func orderKeys(keys []MatchKey) []MatchKey {
	ordered := make([]MatchKey, 0, len(keys))
	for _, k := range KeyPrecedence {
		for _, have := range keys {
			if have == k {
				ordered = append(ordered, k)
				break
			}
		}
	}
	return ordered
}

// DaysBetween counts whole days from one instant to another, clamped at
// zero. It feeds the DaysSinceSigned figure on every counterpart view.
func DaysBetween(from, to time.Time) int {
	d := int(to.Sub(from).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
