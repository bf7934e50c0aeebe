package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TicketRow mirrors the tickets table. Owner columns and reserved_at are NULL
// while the ticket is available.
type TicketRow struct {
	Number     string     `gorm:"primaryKey"`
	Status     string     `gorm:"not null;index:idx_tickets_status"`
	OwnerID    *string    `gorm:"index:idx_tickets_owner"`
	OwnerName  *string    `gorm:""`
	OwnerEmail *string    `gorm:""`
	ReservedAt *time.Time `gorm:"index:idx_tickets_reserved_at"`
}

func (TicketRow) TableName() string { return "tickets" }

// WinnerRow is the singleton winner record keyed by a fixed id.
type WinnerRow struct {
	ID            string    `gorm:"primaryKey"`
	WinningNumber string    `gorm:"not null"`
	WinnerName    string    `gorm:"not null"`
	SetAt         time.Time `gorm:"not null"`
}

func (WinnerRow) TableName() string { return "raffle_winner" }

// ProfileRow mirrors the user_profiles table.
type ProfileRow struct {
	UserID     string    `gorm:"primaryKey"`
	Name       string    `gorm:"not null"`
	Email      string    `gorm:"not null"`
	GovID      string    `gorm:"not null"`
	DOB        string    `gorm:"not null"`
	Phone      string    `gorm:"not null"`
	PostalCode string    `gorm:"not null"`
	Address    string    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (ProfileRow) TableName() string { return "user_profiles" }

// ContactMessageRow mirrors the contact_messages table.
type ContactMessageRow struct {
	MessageID  string    `gorm:"type:uuid;primaryKey"`
	Name       string    `gorm:"not null"`
	Email      string    `gorm:"not null"`
	Message    string    `gorm:"not null"`
	ReceivedAt time.Time `gorm:"not null"`
}

func (ContactMessageRow) TableName() string { return "contact_messages" }

func (message *ContactMessageRow) BeforeCreate(tx *gorm.DB) error {
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	return nil
}

// TicketEventRow mirrors the append-only ticket_events audit table.
type TicketEventRow struct {
	EventID      string         `gorm:"type:uuid;primaryKey"`
	TicketNumber string         `gorm:"not null;index:idx_ticket_events_number_created,priority:1"`
	EventType    string         `gorm:"not null"`
	UserID       string         `gorm:""`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_ticket_events_number_created,priority:2"`
}

func (TicketEventRow) TableName() string { return "ticket_events" }

func (event *TicketEventRow) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}
