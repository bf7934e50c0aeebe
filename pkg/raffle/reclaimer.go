package raffle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reclaimer returns stale pending tickets to available. A reservation older
// than TTL is reclaimable; the sweep runs on a fixed interval, so a ticket may
// stay pending for up to interval past its TTL before it is released.
type Reclaimer struct {
	store  Store
	ttl    time.Duration
	nowFn  func() int64
	logger OperationLogger
}

// NewReclaimer wires a Reclaimer.
func NewReclaimer(store Store, ttl time.Duration, now func() int64, options ...ReclaimerOption) (*Reclaimer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidServiceConfig)
	}
	reclaimer := &Reclaimer{store: store, ttl: ttl, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(reclaimer)
		}
	}
	return reclaimer, nil
}

// ReclaimerOption configures a Reclaimer instance.
type ReclaimerOption func(*Reclaimer)

// WithReclaimerLogger wires a logger that receives a callback per sweep.
func WithReclaimerLogger(logger OperationLogger) ReclaimerOption {
	return func(reclaimer *Reclaimer) {
		reclaimer.logger = logger
	}
}

// Sweep releases every pending ticket whose reservation expired before
// now-TTL. Each candidate is re-read under its row lock and released with a
// guarded pending-to-available update, so a confirm that committed between
// the scan and the write wins and the ticket is skipped rather than clobbered.
func (reclaimer *Reclaimer) Sweep(ctx context.Context) ([]string, error) {
	cutoffUnixUTC := reclaimer.nowFn() - int64(reclaimer.ttl/time.Second)
	reclaimed := make([]string, 0)
	sweepError := reclaimer.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		expired, err := transactionStore.ListExpiredPending(ctx, cutoffUnixUTC)
		if err != nil {
			return err
		}
		nowUnixUTC := reclaimer.nowFn()
		for _, stale := range expired {
			cleared := Ticket{Number: stale.Number, Status: StatusAvailable}
			err := transactionStore.UpdateTicket(ctx, cleared, StatusPending)
			if errors.Is(err, ErrTicketStateChanged) {
				continue
			}
			if err != nil {
				return err
			}
			if err := transactionStore.InsertEvent(ctx, Event{
				Number:         stale.Number.String(),
				Type:           EventExpire,
				UserID:         stale.OwnerID,
				MetadataJSON:   eventMetadata(map[string]string{"owner_name": stale.OwnerName}),
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			reclaimed = append(reclaimed, stale.Number.String())
		}
		return nil
	})
	reclaimer.logSweep(ctx, reclaimed, sweepError)
	if sweepError != nil {
		return nil, sweepError
	}
	return reclaimed, nil
}

// Run drives Sweep on a ticker until the context ends.
func (reclaimer *Reclaimer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidServiceConfig)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Sweep failures are reported through the logger; the loop keeps
			// running so a transient store outage is retried next tick.
			_, _ = reclaimer.Sweep(ctx)
		}
	}
}

func (reclaimer *Reclaimer) logSweep(ctx context.Context, reclaimed []string, err error) {
	if reclaimer.logger == nil {
		return
	}
	status := operationStatusOK
	if err != nil {
		status = operationStatusError
	}
	reclaimer.logger.LogOperation(ctx, OperationLog{
		Operation: operationSweep,
		Numbers:   reclaimed,
		Status:    status,
		Error:     err,
	})
}
