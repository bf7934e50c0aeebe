package raffle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Ticket returns a single ticket by its (possibly unpadded) number.
func (service *Service) Ticket(ctx context.Context, rawNumber string) (Ticket, error) {
	number, err := service.numbering.Parse(rawNumber)
	if err != nil {
		return Ticket{}, err
	}
	return service.store.GetTicket(ctx, number)
}

// Snapshot returns the full ticket list ordered by number, a point-in-time
// read feeding the grid rendering.
func (service *Service) Snapshot(ctx context.Context) ([]Ticket, error) {
	return service.store.ListTickets(ctx)
}

// TicketsByStatus returns all tickets in the given status, ordered by number.
func (service *Service) TicketsByStatus(ctx context.Context, status TicketStatus) ([]Ticket, error) {
	return service.store.ListTicketsByStatus(ctx, status)
}

// Participant is one buyer with at least one sold ticket.
type Participant struct {
	OwnerID   string
	OwnerName string
	Numbers   []string
}

// Participants groups sold tickets per owner, numbers sorted ascending.
func (service *Service) Participants(ctx context.Context) ([]Participant, error) {
	sold, err := service.store.ListTicketsByStatus(ctx, StatusSold)
	if err != nil {
		return nil, err
	}
	byOwner := make(map[string]*Participant)
	for _, ticket := range sold {
		if ticket.OwnerID == "" {
			continue
		}
		participant, seen := byOwner[ticket.OwnerID]
		if !seen {
			participant = &Participant{OwnerID: ticket.OwnerID, OwnerName: ticket.OwnerName}
			byOwner[ticket.OwnerID] = participant
		}
		participant.Numbers = append(participant.Numbers, ticket.Number.String())
	}
	participants := make([]Participant, 0, len(byOwner))
	for _, participant := range byOwner {
		sort.Strings(participant.Numbers)
		participants = append(participants, *participant)
	}
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].OwnerName != participants[j].OwnerName {
			return participants[i].OwnerName < participants[j].OwnerName
		}
		return participants[i].OwnerID < participants[j].OwnerID
	})
	return participants, nil
}

// Winner returns the singleton winner record, ErrNoWinner while unset.
func (service *Service) Winner(ctx context.Context) (Winner, error) {
	return service.store.GetWinner(ctx)
}

// SetWinner records the winning ticket. The ticket must be sold; the owner
// name is denormalized into the winner record for display.
func (service *Service) SetWinner(ctx context.Context, rawNumber string) (Winner, error) {
	number, err := service.numbering.Parse(rawNumber)
	if err != nil {
		return Winner{}, err
	}
	var winner Winner
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ticket, err := transactionStore.GetTicketForUpdate(ctx, number)
		if err != nil {
			return err
		}
		if ticket.Status != StatusSold {
			return newConflictError(number, ticket.Status, ErrTicketNotSold)
		}
		nowUnixUTC := service.nowFn()
		winner = Winner{
			WinningNumber: number.String(),
			WinnerName:    ticket.OwnerName,
			SetAtUnixUTC:  nowUnixUTC,
		}
		if err := transactionStore.PutWinner(ctx, winner); err != nil {
			return err
		}
		return transactionStore.InsertEvent(ctx, Event{
			Number:         number.String(),
			Type:           EventWinner,
			UserID:         ticket.OwnerID,
			MetadataJSON:   eventMetadata(map[string]string{"winner_name": ticket.OwnerName}),
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetWinner,
		Numbers:   []string{number.String()},
		Error:     operationError,
	})
	if operationError != nil {
		return Winner{}, operationError
	}
	return winner, nil
}

// Initialize bulk-populates the ticket key space as available. It is a no-op
// when the store already holds tickets, so restarts are safe.
func (service *Service) Initialize(ctx context.Context) (int, error) {
	count, err := service.store.CountTickets(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	tickets := make([]Ticket, 0, service.numbering.Total())
	for ordinal := 1; ordinal <= service.numbering.Total(); ordinal++ {
		number, err := service.numbering.Key(ordinal)
		if err != nil {
			return 0, err
		}
		tickets = append(tickets, Ticket{Number: number, Status: StatusAvailable})
	}
	operationError := service.store.BatchPutTickets(ctx, tickets)
	if operationError == nil {
		operationError = service.store.InsertEvent(ctx, Event{
			Type:           EventSeed,
			MetadataJSON:   eventMetadata(map[string]string{"tickets": fmt.Sprintf("%d", len(tickets))}),
			CreatedUnixUTC: service.nowFn(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSeed,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return len(tickets), nil
}

const minimumRegistrationAge = 18

// RegisterProfile validates and persists the registration fields for an
// authenticated user. All fields are required and the registrant must be of
// age; the stored name is what Reserve denormalizes onto tickets.
func (service *Service) RegisterProfile(ctx context.Context, profile Profile) error {
	if err := validateProfile(profile, time.Unix(service.nowFn(), 0).UTC()); err != nil {
		return err
	}
	return service.store.UpsertProfile(ctx, profile)
}

// Profile returns the stored registration for a user, ErrNoProfile if absent.
func (service *Service) Profile(ctx context.Context, userID UserID) (Profile, error) {
	return service.store.GetProfile(ctx, userID)
}

// SubmitContactMessage records a contact-form message. All fields required.
func (service *Service) SubmitContactMessage(ctx context.Context, name string, email string, message string) error {
	trimmedName := strings.TrimSpace(name)
	trimmedEmail := strings.TrimSpace(email)
	trimmedMessage := strings.TrimSpace(message)
	if trimmedName == "" || trimmedEmail == "" || trimmedMessage == "" {
		return fmt.Errorf("%w: all fields are required", ErrInvalidContactMessage)
	}
	return service.store.InsertContactMessage(ctx, ContactMessage{
		Name:            trimmedName,
		Email:           trimmedEmail,
		Message:         trimmedMessage,
		ReceivedUnixUTC: service.nowFn(),
	})
}

func validateProfile(profile Profile, now time.Time) error {
	fields := map[string]string{
		"user_id":     profile.UserID,
		"name":        profile.Name,
		"email":       profile.Email,
		"gov_id":      profile.GovID,
		"dob":         profile.DOB,
		"phone":       profile.Phone,
		"postal_code": profile.PostalCode,
		"address":     profile.Address,
	}
	for field, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidProfile, field)
		}
	}
	dob, err := time.Parse("2006-01-02", strings.TrimSpace(profile.DOB))
	if err != nil {
		return fmt.Errorf("%w: dob must be YYYY-MM-DD", ErrInvalidProfile)
	}
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	if age < minimumRegistrationAge {
		return fmt.Errorf("%w: registrant must be at least %d", ErrInvalidProfile, minimumRegistrationAge)
	}
	return nil
}
