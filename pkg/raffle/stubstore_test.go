package raffle

import (
	"context"
	"sort"
	"testing"
)

const stubNowUnixUTC int64 = 1_700_000_000

// stubStore is an in-memory Store with the same from-status update guard
// a relational store applies, so transition conflicts surface in tests.
type stubStore struct {
	tickets  map[string]Ticket
	events   []Event
	winner   *Winner
	profiles map[string]Profile
	messages []ContactMessage
	mutated  map[string]Ticket
	inTx     bool
}

func newStubStore(test *testing.T, total int) *stubStore {
	test.Helper()
	numbering, err := NewNumbering(total)
	if err != nil {
		test.Fatalf("numbering: %v", err)
	}
	store := &stubStore{
		tickets:  make(map[string]Ticket, total),
		profiles: make(map[string]Profile),
	}
	for ordinal := 1; ordinal <= total; ordinal++ {
		number, err := numbering.Key(ordinal)
		if err != nil {
			test.Fatalf("key %d: %v", ordinal, err)
		}
		store.tickets[number.String()] = Ticket{Number: number, Status: StatusAvailable}
	}
	return store
}

func (stub *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if stub.inTx {
		return fn(ctx, stub)
	}
	stub.inTx = true
	stub.mutated = make(map[string]Ticket)
	savedEvents := len(stub.events)
	savedMessages := len(stub.messages)
	savedWinner := stub.winner
	err := fn(ctx, stub)
	if err != nil {
		for key, before := range stub.mutated {
			stub.tickets[key] = before
		}
		stub.events = stub.events[:savedEvents]
		stub.messages = stub.messages[:savedMessages]
		stub.winner = savedWinner
	}
	stub.mutated = nil
	stub.inTx = false
	return err
}

func (stub *stubStore) GetTicket(_ context.Context, number TicketNumber) (Ticket, error) {
	ticket, found := stub.tickets[number.String()]
	if !found {
		return Ticket{}, ErrTicketNotFound
	}
	return ticket, nil
}

func (stub *stubStore) GetTicketForUpdate(ctx context.Context, number TicketNumber) (Ticket, error) {
	return stub.GetTicket(ctx, number)
}

func (stub *stubStore) ListTickets(_ context.Context) ([]Ticket, error) {
	tickets := make([]Ticket, 0, len(stub.tickets))
	for _, ticket := range stub.tickets {
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(left, right int) bool {
		return tickets[left].Number.String() < tickets[right].Number.String()
	})
	return tickets, nil
}

func (stub *stubStore) ListTicketsByStatus(_ context.Context, status TicketStatus) ([]Ticket, error) {
	tickets := make([]Ticket, 0)
	for _, ticket := range stub.tickets {
		if ticket.Status == status {
			tickets = append(tickets, ticket)
		}
	}
	sort.Slice(tickets, func(left, right int) bool {
		return tickets[left].Number.String() < tickets[right].Number.String()
	})
	return tickets, nil
}

func (stub *stubStore) ListExpiredPending(_ context.Context, cutoffUnixUTC int64) ([]Ticket, error) {
	tickets := make([]Ticket, 0)
	for _, ticket := range stub.tickets {
		if ticket.Status == StatusPending && ticket.ReservedAtUnixUTC <= cutoffUnixUTC {
			tickets = append(tickets, ticket)
		}
	}
	sort.Slice(tickets, func(left, right int) bool {
		return tickets[left].Number.String() < tickets[right].Number.String()
	})
	return tickets, nil
}

func (stub *stubStore) UpdateTicket(_ context.Context, ticket Ticket, from TicketStatus) error {
	key := ticket.Number.String()
	current, found := stub.tickets[key]
	if !found {
		return ErrTicketNotFound
	}
	if current.Status != from {
		return ErrTicketStateChanged
	}
	if stub.mutated != nil {
		if _, recorded := stub.mutated[key]; !recorded {
			stub.mutated[key] = current
		}
	}
	stub.tickets[key] = ticket
	return nil
}

func (stub *stubStore) BatchPutTickets(_ context.Context, tickets []Ticket) error {
	for _, ticket := range tickets {
		key := ticket.Number.String()
		if _, exists := stub.tickets[key]; exists {
			return ErrTicketExists
		}
		stub.tickets[key] = ticket
	}
	return nil
}

func (stub *stubStore) CountTickets(_ context.Context) (int64, error) {
	return int64(len(stub.tickets)), nil
}

func (stub *stubStore) InsertEvent(_ context.Context, event Event) error {
	stub.events = append(stub.events, event)
	return nil
}

func (stub *stubStore) GetWinner(_ context.Context) (Winner, error) {
	if stub.winner == nil {
		return Winner{}, ErrNoWinner
	}
	return *stub.winner, nil
}

func (stub *stubStore) PutWinner(_ context.Context, winner Winner) error {
	stub.winner = &winner
	return nil
}

func (stub *stubStore) GetProfile(_ context.Context, userID UserID) (Profile, error) {
	profile, found := stub.profiles[userID.String()]
	if !found {
		return Profile{}, ErrNoProfile
	}
	return profile, nil
}

func (stub *stubStore) UpsertProfile(_ context.Context, profile Profile) error {
	stub.profiles[profile.UserID] = profile
	return nil
}

func (stub *stubStore) InsertContactMessage(_ context.Context, message ContactMessage) error {
	stub.messages = append(stub.messages, message)
	return nil
}

func (stub *stubStore) mustTicket(test *testing.T, number string) Ticket {
	test.Helper()
	ticket, found := stub.tickets[number]
	if !found {
		test.Fatalf("ticket %s missing from stub store", number)
	}
	return ticket
}

func (stub *stubStore) setSold(test *testing.T, number string, ownerID string, ownerName string, ownerEmail string) {
	test.Helper()
	ticket := stub.mustTicket(test, number)
	ticket.Status = StatusSold
	ticket.OwnerID = ownerID
	ticket.OwnerName = ownerName
	ticket.OwnerEmail = ownerEmail
	ticket.ReservedAtUnixUTC = 0
	stub.tickets[number] = ticket
}

func (stub *stubStore) setPending(test *testing.T, number string, ownerID string, ownerName string, ownerEmail string, reservedAtUnixUTC int64) {
	test.Helper()
	ticket := stub.mustTicket(test, number)
	ticket.Status = StatusPending
	ticket.OwnerID = ownerID
	ticket.OwnerName = ownerName
	ticket.OwnerEmail = ownerEmail
	ticket.ReservedAtUnixUTC = reservedAtUnixUTC
	stub.tickets[number] = ticket
}

func (stub *stubStore) setAvailable(test *testing.T, number string) {
	test.Helper()
	ticket := stub.mustTicket(test, number)
	stub.tickets[number] = Ticket{Number: ticket.Number, Status: StatusAvailable}
}

func (stub *stubStore) eventsOfType(eventType EventType) []Event {
	matched := make([]Event, 0)
	for _, event := range stub.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func mustNumbering(test *testing.T, total int) Numbering {
	test.Helper()
	numbering, err := NewNumbering(total)
	if err != nil {
		test.Fatalf("numbering: %v", err)
	}
	return numbering
}

func mustBuyer(test *testing.T, id string, name string, email string) Buyer {
	test.Helper()
	userID, err := NewUserID(id)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	buyer, err := NewBuyer(userID, name, email)
	if err != nil {
		test.Fatalf("buyer: %v", err)
	}
	return buyer
}

func mustUserID(test *testing.T, id string) UserID {
	test.Helper()
	userID, err := NewUserID(id)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, mustNumbering(test, 100), func() int64 { return stubNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}
