package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lienflow/contract"
	"lienflow/normalize"
	"lienflow/notify"
)

// Property is one identity a contract can be written against. The pool of
// properties is small and shared across lenders so submissions collide.
type Property struct {
	Street string
	City   string
	State  string
	Zip    string
	Phone  string
	Email  string
	APN    string
}

// Properties returns identities with deliberately messy formatting; the
// normalizer must collapse every variant of the same property to one key.
func Properties() []Property {
	return []Property{
		{Street: "123 Main Street, Apt. 4", City: "Austin", State: "tx", Zip: "78701-2210", Phone: "(512) 555-0100", Email: "Owner.One@Example.com", APN: "100-200-300"},
		{Street: "123 MAIN ST APT 4", City: "AUSTIN", State: "TX", Zip: "78701", Phone: "512-555-0100", Email: "owner.one@example.com", APN: "100-200-300"},
		{Street: "456 Oak Avenue", City: "Dallas", State: "TX", Zip: "75201", Email: "owner.two@example.com"},
		{Street: "456 Oak Ave.", City: "Dallas", State: "TX", Zip: "75201-1000"},
		{Street: "789 North Elm Boulevard", City: "Houston", State: "TX", Zip: "77002", Phone: "+1 713 555 0199"},
	}
}

var externalSeq atomic.Int64

// Submitter submits contracts for one lender against the shared property
// pool. Normalization rejections and duplicate external ids are expected
// under contention; anything else is a real failure.
func Submitter(ctx context.Context, svc *contract.Service, lenderID, lenderName string, props []Property, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		p := props[rand.Intn(len(props))]
		_, err := svc.Submit(ctx, contract.SubmitParams{
			LenderID:   lenderID,
			LenderName: lenderName,
			ExternalID: fmt.Sprintf("stress-%d", externalSeq.Add(1)),
			Street:     p.Street,
			City:       p.City,
			State:      p.State,
			Zip:        p.Zip,
			Phone:      p.Phone,
			Email:      p.Email,
			APN:        p.APN,
			SignedDate: time.Now().AddDate(0, 0, -rand.Intn(30)),
		})
		if err != nil && !errors.Is(err, contract.ErrDuplicateExternalID) && !errors.Is(err, normalize.ErrInvalidFormat) && !retryableTxError(err) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("submitter: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Transitioner funds or cancels random ACTIVE contracts of one lender.
// Losing the race to another transitioner is expected.
func Transitioner(ctx context.Context, pool *pgxpool.Pool, svc *contract.StatusService, lenderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var contractID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM contracts WHERE lender_id = $1 AND status = 'ACTIVE' ORDER BY random() LIMIT 1`,
			lenderID).Scan(&contractID)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) && !retryableTxError(err) {
				return fmt.Errorf("transitioner pick: %w", err)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		target := contract.StatusFunded
		if rand.Intn(2) == 0 {
			target = contract.StatusCancelled
		}
		_, err = svc.Transition(ctx, contract.TransitionParams{
			ContractID: contractID,
			LenderID:   lenderID,
			NewStatus:  target,
		})
		if err != nil &&
			!errors.Is(err, contract.ErrInvalidTransition) &&
			!errors.Is(err, contract.ErrNotFound) &&
			!retryableTxError(err) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("transitioner: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// DispatchWorker drains the outbox repeatedly. Several workers may run at
// once; claim tokens keep them from double-delivering.
func DispatchWorker(ctx context.Context, d *notify.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := d.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) && !retryableTxError(err) {
			return fmt.Errorf("dispatch worker: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// retryableTxError reports failures the database resolves by cancelling one
// participant: deadlocks, serialization aborts, and connections the chaos
// actor terminated. Real clients retry; the actors just move on.
func retryableTxError(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return errors.Is(err, io.ErrUnexpectedEOF)
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "57P01"
}

// FlakySender fails a fraction of deliveries so retry and dead-letter paths
// get exercised. It never touches the network.
type FlakySender struct {
	FailPercent int

	Delivered atomic.Int64
	Failed    atomic.Int64
}

func (s *FlakySender) Send(ctx context.Context, d notify.Delivery) (int, error) {
	if rand.Intn(100) < s.FailPercent {
		s.Failed.Add(1)
		return 503, fmt.Errorf("simulated endpoint outage: %w", notify.ErrDeliveryFailed)
	}
	s.Delivered.Add(1)
	return 200, nil
}
