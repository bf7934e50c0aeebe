package raffle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// TicketStatus defines the ticket lifecycle.
type TicketStatus string

const (
	StatusAvailable TicketStatus = "available"
	StatusPending   TicketStatus = "pending"
	StatusSold      TicketStatus = "sold"
)

// String returns the persisted status value.
func (status TicketStatus) String() string {
	return string(status)
}

// ParseTicketStatus validates a raw status value.
func ParseTicketStatus(raw string) (TicketStatus, error) {
	switch TicketStatus(raw) {
	case StatusAvailable, StatusPending, StatusSold:
		return TicketStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTicketStatus, raw)
}

// UserID identifies a ticket owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// TicketNumber is a normalized zero-padded ticket key.
type TicketNumber struct {
	value string
}

// String returns the padded key.
func (number TicketNumber) String() string {
	return number.value
}

// Numbering describes the dense ticket key space [1..Total]. The key width is
// the decimal digit count of Total, so a 1000-ticket raffle uses four digits
// and the highest key still fits.
type Numbering struct {
	total int
	width int
}

// NewNumbering validates the total ticket count and derives the key width.
func NewNumbering(total int) (Numbering, error) {
	if total <= 0 {
		return Numbering{}, fmt.Errorf("%w: total must be positive, got %d", ErrInvalidTicketCount, total)
	}
	return Numbering{total: total, width: len(strconv.Itoa(total))}, nil
}

// Total returns the number of tickets in the key space.
func (numbering Numbering) Total() int {
	return numbering.total
}

// Width returns the zero-padded key width.
func (numbering Numbering) Width() int {
	return numbering.width
}

// Key formats the i-th ticket key (1-based).
func (numbering Numbering) Key(ordinal int) (TicketNumber, error) {
	if ordinal < 1 || ordinal > numbering.total {
		return TicketNumber{}, fmt.Errorf("%w: %d out of range [1..%d]", ErrInvalidTicketNumber, ordinal, numbering.total)
	}
	return TicketNumber{value: fmt.Sprintf("%0*d", numbering.width, ordinal)}, nil
}

// Parse validates a raw ticket number and normalizes its padding.
func (numbering Numbering) Parse(raw string) (TicketNumber, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TicketNumber{}, fmt.Errorf("%w: empty value", ErrInvalidTicketNumber)
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return TicketNumber{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidTicketNumber, raw)
		}
	}
	ordinal, err := strconv.Atoi(trimmed)
	if err != nil {
		return TicketNumber{}, fmt.Errorf("%w: %q", ErrInvalidTicketNumber, raw)
	}
	return numbering.Key(ordinal)
}

// Buyer carries the identity fields denormalized onto reserved tickets.
type Buyer struct {
	id    UserID
	name  string
	email string
}

// NewBuyer validates the buyer display fields.
func NewBuyer(id UserID, name string, email string) (Buyer, error) {
	trimmedName := strings.TrimSpace(name)
	trimmedEmail := strings.TrimSpace(email)
	if trimmedName == "" {
		return Buyer{}, fmt.Errorf("%w: empty name", ErrInvalidBuyer)
	}
	if trimmedEmail == "" || !strings.Contains(trimmedEmail, "@") {
		return Buyer{}, fmt.Errorf("%w: malformed email %q", ErrInvalidBuyer, email)
	}
	return Buyer{id: id, name: trimmedName, email: trimmedEmail}, nil
}

// ID returns the buyer's user id.
func (buyer Buyer) ID() UserID {
	return buyer.id
}

// Name returns the buyer's display name.
func (buyer Buyer) Name() string {
	return buyer.name
}

// Email returns the buyer's email.
func (buyer Buyer) Email() string {
	return buyer.email
}

// Ticket is one raffle entry. Owner fields and ReservedAtUnixUTC are zero
// valued while the ticket is available; the store maps them to NULL columns.
type Ticket struct {
	Number            TicketNumber
	Status            TicketStatus
	OwnerID           string
	OwnerName         string
	OwnerEmail        string
	ReservedAtUnixUTC int64
}

// Winner is the singleton winner record. Absence means no winner yet.
type Winner struct {
	WinningNumber string
	WinnerName    string
	SetAtUnixUTC  int64
}

// Profile holds the registration fields persisted per authenticated user.
type Profile struct {
	UserID     string
	Name       string
	Email      string
	GovID      string
	DOB        string
	Phone      string
	PostalCode string
	Address    string
}

// ContactMessage is a store-and-forget message from the contact form.
type ContactMessage struct {
	Name            string
	Email           string
	Message         string
	ReceivedUnixUTC int64
}

// EventType enumerates audit event kinds appended on every transition.
type EventType string

const (
	EventReserve EventType = "reserve"
	EventConfirm EventType = "confirm"
	EventRelease EventType = "release"
	EventExpire  EventType = "expire"
	EventWinner  EventType = "winner"
	EventSeed    EventType = "seed"
)

// Event is a single immutable line in the audit trail.
type Event struct {
	Number         string
	Type           EventType
	UserID         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service and Reclaimer.
//
// WithTx runs fn against a transactional view of the store; every read through
// GetTicketForUpdate inside the closure locks the row, so two transactions
// touching the same ticket serialize and the loser of a guarded UpdateTicket
// observes ErrTicketStateChanged. All writes commit atomically or not at all.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetTicket(ctx context.Context, number TicketNumber) (Ticket, error)
	GetTicketForUpdate(ctx context.Context, number TicketNumber) (Ticket, error)
	ListTickets(ctx context.Context) ([]Ticket, error)
	ListTicketsByStatus(ctx context.Context, status TicketStatus) ([]Ticket, error)
	ListExpiredPending(ctx context.Context, cutoffUnixUTC int64) ([]Ticket, error)
	UpdateTicket(ctx context.Context, ticket Ticket, from TicketStatus) error
	BatchPutTickets(ctx context.Context, tickets []Ticket) error
	CountTickets(ctx context.Context) (int64, error)
	InsertEvent(ctx context.Context, event Event) error
	GetWinner(ctx context.Context) (Winner, error)
	PutWinner(ctx context.Context, winner Winner) error
	GetProfile(ctx context.Context, userID UserID) (Profile, error)
	UpsertProfile(ctx context.Context, profile Profile) error
	InsertContactMessage(ctx context.Context, message ContactMessage) error
}
