package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrDeliveryFailed marks an attempt that must be retried or, once the
// budget is spent, terminally failed. It never propagates to the request
// that enqueued the event.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// DispatchRepository is the outbox access the dispatcher needs.
type DispatchRepository interface {
	ClaimDue(ctx context.Context, limit int, claimToken string, claimedUntil time.Time) ([]Delivery, error)
	MarkDelivered(ctx context.Context, eventID, claimToken string, responseCode int) error
	ScheduleRetry(ctx context.Context, eventID, claimToken string, nextAttemptAt time.Time, lastError string, responseCode *int) error
	MarkFailed(ctx context.Context, eventID, claimToken string, lastError string, responseCode *int) error
}

// Dispatcher drains the notification outbox: events are delivered in
// parallel across lenders and sequentially within each lender's batch, with
// exponential backoff up to a bounded attempt budget.
type Dispatcher struct {
	logger      *slog.Logger
	repo        DispatchRepository
	sender      Sender
	interval    time.Duration
	batchSize   int
	claimTTL    time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
	idGen       func() string
}

// DispatcherConfig bundles tuning knobs; zero values get defaults.
type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	ClaimTTL    time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(logger *slog.Logger, repo DispatchRepository, sender Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Minute
	}
	return &Dispatcher{
		logger:      logger,
		repo:        repo,
		sender:      sender,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		claimTTL:    cfg.ClaimTTL,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		now:         time.Now,
		idGen:       uuid.NewString,
	}
}

// WithClock overrides the dispatcher's clock. Test seam.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run executes the periodic drain loop until context cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.ProcessOnce(ctx); err != nil {
			d.logger.ErrorContext(ctx, "dispatch iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch of due events and attempts delivery.
func (d *Dispatcher) ProcessOnce(ctx context.Context) error {
	claimToken := d.idGen()
	deliveries, err := d.repo.ClaimDue(ctx, d.batchSize, claimToken, d.now().Add(d.claimTTL))
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		return nil
	}

	// Parallel across lenders, in order within a lender's slice. Ordering is
	// still only best effort overall: a retried event re-enters a later batch.
	byLender := make(map[string][]Delivery)
	for _, del := range deliveries {
		byLender[del.LenderID] = append(byLender[del.LenderID], del)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range byLender {
		batch := batch
		g.Go(func() error {
			for _, del := range batch {
				d.attempt(gctx, del, claimToken)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) attempt(ctx context.Context, del Delivery, claimToken string) {
	if del.WebhookURL == nil || *del.WebhookURL == "" {
		if err := d.repo.MarkFailed(ctx, del.ID, claimToken, "no webhook endpoint configured", nil); err != nil {
			d.logger.ErrorContext(ctx, "mark failed", "event_id", del.ID, "error", err)
		}
		return
	}

	code, sendErr := d.sender.Send(ctx, del)
	if sendErr == nil {
		if err := d.repo.MarkDelivered(ctx, del.ID, claimToken, code); err != nil {
			d.logger.ErrorContext(ctx, "mark delivered", "event_id", del.ID, "error", err)
		}
		return
	}

	var codePtr *int
	if code != 0 {
		codePtr = &code
	}

	attemptsAfter := del.Attempts + 1
	if attemptsAfter >= d.maxAttempts {
		d.logger.WarnContext(ctx, "delivery exhausted",
			"event_id", del.ID,
			"lender_id", del.LenderID,
			"event_type", del.EventType,
			"attempts", attemptsAfter,
			"error", sendErr,
		)
		if err := d.repo.MarkFailed(ctx, del.ID, claimToken, sendErr.Error(), codePtr); err != nil {
			d.logger.ErrorContext(ctx, "mark failed", "event_id", del.ID, "error", err)
		}
		return
	}

	next := d.now().Add(d.backoff(del.Attempts))
	d.logger.WarnContext(ctx, "delivery failed; retry scheduled",
		"event_id", del.ID,
		"lender_id", del.LenderID,
		"event_type", del.EventType,
		"attempts", attemptsAfter,
		"next_attempt_at", next,
		"error", sendErr,
	)
	if err := d.repo.ScheduleRetry(ctx, del.ID, claimToken, next, sendErr.Error(), codePtr); err != nil {
		d.logger.ErrorContext(ctx, "schedule retry", "event_id", del.ID, "error", err)
	}
}

// backoff doubles per completed attempt, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.baseBackoff << uint(attempts)
	if b > d.maxBackoff || b <= 0 {
		return d.maxBackoff
	}
	return b
}
