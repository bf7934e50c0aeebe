package raffle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Service contains the reservation protocol over a Store.
//
// Every operation runs as a single store transaction: the precondition check
// and the write happen against one consistent snapshot, which closes the
// read-then-write race where two buyers both observe "available" and both
// write "pending".
type Service struct {
	store     Store
	numbering Numbering
	nowFn     func() int64
	logger    OperationLogger
}

// NewService wires a Service.
func NewService(store Store, numbering Numbering, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if numbering.Total() == 0 {
		return nil, fmt.Errorf("%w: numbering is unset", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, numbering: numbering, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Numbering returns the configured ticket key space.
func (service *Service) Numbering() Numbering {
	return service.numbering
}

// Reserve moves the whole batch from available to pending, denormalizing the
// buyer onto each ticket. If any ticket is not available the transaction
// aborts with a ConflictError naming it and nothing is reserved.
func (service *Service) Reserve(ctx context.Context, buyer Buyer, rawNumbers []string) ([]Ticket, error) {
	numbers, err := service.normalizeSelection(rawNumbers)
	if err != nil {
		return nil, err
	}
	reserved := make([]Ticket, 0, len(numbers))
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		for _, number := range numbers {
			ticket, err := transactionStore.GetTicketForUpdate(ctx, number)
			if err != nil {
				return err
			}
			if ticket.Status != StatusAvailable {
				return newConflictError(number, ticket.Status, ErrTicketUnavailable)
			}
			updated := Ticket{
				Number:            number,
				Status:            StatusPending,
				OwnerID:           buyer.ID().String(),
				OwnerName:         buyer.Name(),
				OwnerEmail:        buyer.Email(),
				ReservedAtUnixUTC: nowUnixUTC,
			}
			if err := transactionStore.UpdateTicket(ctx, updated, StatusAvailable); err != nil {
				return err
			}
			if err := transactionStore.InsertEvent(ctx, Event{
				Number:         number.String(),
				Type:           EventReserve,
				UserID:         buyer.ID().String(),
				MetadataJSON:   eventMetadata(map[string]string{"owner_name": buyer.Name()}),
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			reserved = append(reserved, updated)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		UserID:    buyer.ID(),
		Numbers:   numberKeys(numbers),
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return reserved, nil
}

// Confirm moves the whole batch from pending to sold. Every ticket must still
// be pending and owned by the caller; a reservation reclaimed by the sweep is
// not silently resurrected, the batch aborts with a ConflictError instead.
func (service *Service) Confirm(ctx context.Context, userID UserID, rawNumbers []string) ([]Ticket, error) {
	numbers, err := service.normalizeSelection(rawNumbers)
	if err != nil {
		return nil, err
	}
	confirmed := make([]Ticket, 0, len(numbers))
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		for _, number := range numbers {
			ticket, err := transactionStore.GetTicketForUpdate(ctx, number)
			if err != nil {
				return err
			}
			if ticket.Status != StatusPending {
				return newConflictError(number, ticket.Status, ErrTicketNotPending)
			}
			if ticket.OwnerID != userID.String() {
				return newConflictError(number, ticket.Status, ErrTicketNotOwned)
			}
			updated := ticket
			updated.Status = StatusSold
			updated.ReservedAtUnixUTC = 0
			if err := transactionStore.UpdateTicket(ctx, updated, StatusPending); err != nil {
				return err
			}
			if err := transactionStore.InsertEvent(ctx, Event{
				Number:         number.String(),
				Type:           EventConfirm,
				UserID:         userID.String(),
				MetadataJSON:   eventMetadata(nil),
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			confirmed = append(confirmed, updated)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirm,
		UserID:    userID,
		Numbers:   numberKeys(numbers),
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return confirmed, nil
}

// Release returns the caller's pending tickets to available, clearing owner
// fields. Already-available tickets are skipped so redundant UI retries stay
// harmless; sold or foreign-owned tickets abort the batch with a ConflictError.
func (service *Service) Release(ctx context.Context, userID UserID, rawNumbers []string) ([]Ticket, error) {
	numbers, err := service.normalizeSelection(rawNumbers)
	if err != nil {
		return nil, err
	}
	released := make([]Ticket, 0, len(numbers))
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		for _, number := range numbers {
			ticket, err := transactionStore.GetTicketForUpdate(ctx, number)
			if err != nil {
				return err
			}
			if ticket.Status == StatusAvailable {
				continue
			}
			if ticket.Status != StatusPending {
				return newConflictError(number, ticket.Status, ErrTicketNotPending)
			}
			if ticket.OwnerID != userID.String() {
				return newConflictError(number, ticket.Status, ErrTicketNotOwned)
			}
			updated := Ticket{Number: number, Status: StatusAvailable}
			if err := transactionStore.UpdateTicket(ctx, updated, StatusPending); err != nil {
				return err
			}
			if err := transactionStore.InsertEvent(ctx, Event{
				Number:         number.String(),
				Type:           EventRelease,
				UserID:         userID.String(),
				MetadataJSON:   eventMetadata(nil),
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			released = append(released, updated)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRelease,
		UserID:    userID,
		Numbers:   numberKeys(numbers),
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return released, nil
}

// normalizeSelection parses, deduplicates, and orders a raw batch. Tickets are
// locked in ascending key order so overlapping concurrent batches cannot
// deadlock each other.
func (service *Service) normalizeSelection(rawNumbers []string) ([]TicketNumber, error) {
	if len(rawNumbers) == 0 {
		return nil, ErrEmptySelection
	}
	seen := make(map[string]struct{}, len(rawNumbers))
	numbers := make([]TicketNumber, 0, len(rawNumbers))
	for _, raw := range rawNumbers {
		number, err := service.numbering.Parse(raw)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[number.String()]; duplicate {
			continue
		}
		seen[number.String()] = struct{}{}
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool {
		return numbers[i].String() < numbers[j].String()
	})
	return numbers, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func numberKeys(numbers []TicketNumber) []string {
	keys := make([]string, 0, len(numbers))
	for _, number := range numbers {
		keys = append(keys, number.String())
	}
	return keys
}

func eventMetadata(fields map[string]string) string {
	if len(fields) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
