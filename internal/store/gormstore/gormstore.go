package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/raffle/pkg/raffle"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	winnerRowID           = "current"
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectTicket    = "ticket"
	errorSubjectEvent     = "event"
	errorSubjectWinner    = "winner"
	errorSubjectProfile   = "profile"
	errorSubjectMessage   = "message"
	errorCodeGet          = "get"
	errorCodeList         = "list"
	errorCodeCount        = "count"
	errorCodeUpdate       = "update"
	errorCodeInsert       = "insert"
	errorCodeUpsert       = "upsert"
	errorCodeDuplicate    = "duplicate"
	errorCodeInvalid      = "invalid"
)

// Store implements raffle.Store using GORM.
type Store struct {
	db        *gorm.DB
	numbering raffle.Numbering
}

// New returns a Store backed by gorm.DB. The numbering is used to rehydrate
// ticket keys read back from the database.
func New(db *gorm.DB, numbering raffle.Numbering) *Store {
	return &Store{db: db, numbering: numbering}
}

// Migrate creates or updates the schema for every table the store touches.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(
		&TicketRow{},
		&WinnerRow{},
		&ProfileRow{},
		&ContactMessageRow{},
		&TicketEventRow{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore raffle.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, numbering: store.numbering})
	})
}

func (store *Store) GetTicket(ctx context.Context, number raffle.TicketNumber) (raffle.Ticket, error) {
	return store.getTicket(ctx, number, false)
}

// GetTicketForUpdate reads the ticket under a row lock so concurrent
// transactions on the same ticket serialize.
func (store *Store) GetTicketForUpdate(ctx context.Context, number raffle.TicketNumber) (raffle.Ticket, error) {
	return store.getTicket(ctx, number, true)
}

func (store *Store) getTicket(ctx context.Context, number raffle.TicketNumber, forUpdate bool) (raffle.Ticket, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row TicketRow
	err := query.Where("number = ?", number.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, raffle.ErrTicketNotFound)
		}
		return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, err)
	}
	return store.mapTicket(row)
}

func (store *Store) ListTickets(ctx context.Context) ([]raffle.Ticket, error) {
	var rows []TicketRow
	err := store.db.WithContext(ctx).Order("number ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	return store.mapTickets(rows)
}

func (store *Store) ListTicketsByStatus(ctx context.Context, status raffle.TicketStatus) ([]raffle.Ticket, error) {
	var rows []TicketRow
	err := store.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	return store.mapTickets(rows)
}

func (store *Store) ListExpiredPending(ctx context.Context, cutoffUnixUTC int64) ([]raffle.Ticket, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	var rows []TicketRow
	err := store.db.WithContext(ctx).
		Where("status = ? AND reserved_at IS NOT NULL AND reserved_at <= ?", raffle.StatusPending.String(), cutoff).
		Order("number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	return store.mapTickets(rows)
}

// UpdateTicket writes the full ticket row guarded on the expected current
// status. Zero rows affected means another transaction moved the ticket first.
func (store *Store) UpdateTicket(ctx context.Context, ticket raffle.Ticket, from raffle.TicketStatus) error {
	updates := map[string]interface{}{
		"status":      ticket.Status.String(),
		"owner_id":    nullableString(ticket.OwnerID),
		"owner_name":  nullableString(ticket.OwnerName),
		"owner_email": nullableString(ticket.OwnerEmail),
		"reserved_at": nullableTime(ticket.ReservedAtUnixUTC),
	}
	result := store.db.WithContext(ctx).
		Model(&TicketRow{}).
		Where("number = ? AND status = ?", ticket.Number.String(), from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, raffle.ErrTicketStateChanged)
	}
	return nil
}

func (store *Store) BatchPutTickets(ctx context.Context, tickets []raffle.Ticket) error {
	rows := make([]TicketRow, 0, len(tickets))
	for _, ticket := range tickets {
		rows = append(rows, TicketRow{
			Number:     ticket.Number.String(),
			Status:     ticket.Status.String(),
			OwnerID:    nullableString(ticket.OwnerID),
			OwnerName:  nullableString(ticket.OwnerName),
			OwnerEmail: nullableString(ticket.OwnerEmail),
			ReservedAt: nullableTime(ticket.ReservedAtUnixUTC),
		})
	}
	err := store.db.WithContext(ctx).CreateInBatches(rows, 200).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTicket, errorCodeDuplicate, raffle.ErrTicketExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountTickets(ctx context.Context) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&TicketRow{}).Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTicket, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertEvent(ctx context.Context, event raffle.Event) error {
	row := TicketEventRow{
		TicketNumber: event.Number,
		EventType:    string(event.Type),
		UserID:       event.UserID,
		Metadata:     datatypesJSON(event.MetadataJSON),
		CreatedAt:    time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetWinner(ctx context.Context) (raffle.Winner, error) {
	var row WinnerRow
	err := store.db.WithContext(ctx).Where("id = ?", winnerRowID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return raffle.Winner{}, wrapStoreError(errorSubjectWinner, errorCodeGet, raffle.ErrNoWinner)
		}
		return raffle.Winner{}, wrapStoreError(errorSubjectWinner, errorCodeGet, err)
	}
	return raffle.Winner{
		WinningNumber: row.WinningNumber,
		WinnerName:    row.WinnerName,
		SetAtUnixUTC:  row.SetAt.Unix(),
	}, nil
}

func (store *Store) PutWinner(ctx context.Context, winner raffle.Winner) error {
	row := WinnerRow{
		ID:            winnerRowID,
		WinningNumber: winner.WinningNumber,
		WinnerName:    winner.WinnerName,
		SetAt:         time.Unix(winner.SetAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectWinner, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetProfile(ctx context.Context, userID raffle.UserID) (raffle.Profile, error) {
	var row ProfileRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return raffle.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, raffle.ErrNoProfile)
		}
		return raffle.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return raffle.Profile{
		UserID:     row.UserID,
		Name:       row.Name,
		Email:      row.Email,
		GovID:      row.GovID,
		DOB:        row.DOB,
		Phone:      row.Phone,
		PostalCode: row.PostalCode,
		Address:    row.Address,
	}, nil
}

func (store *Store) UpsertProfile(ctx context.Context, profile raffle.Profile) error {
	row := ProfileRow{
		UserID:     profile.UserID,
		Name:       profile.Name,
		Email:      profile.Email,
		GovID:      profile.GovID,
		DOB:        profile.DOB,
		Phone:      profile.Phone,
		PostalCode: profile.PostalCode,
		Address:    profile.Address,
		UpdatedAt:  time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) InsertContactMessage(ctx context.Context, message raffle.ContactMessage) error {
	row := ContactMessageRow{
		Name:       message.Name,
		Email:      message.Email,
		Message:    message.Message,
		ReceivedAt: time.Unix(message.ReceivedUnixUTC, 0).UTC(),
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectMessage, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) mapTickets(rows []TicketRow) ([]raffle.Ticket, error) {
	tickets := make([]raffle.Ticket, 0, len(rows))
	for _, row := range rows {
		ticket, err := store.mapTicket(row)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

func (store *Store) mapTicket(row TicketRow) (raffle.Ticket, error) {
	number, err := store.numbering.Parse(row.Number)
	if err != nil {
		return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeInvalid, err)
	}
	status, err := raffle.ParseTicketStatus(row.Status)
	if err != nil {
		return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeInvalid, err)
	}
	return raffle.Ticket{
		Number:            number,
		Status:            status,
		OwnerID:           stringOrEmpty(row.OwnerID),
		OwnerName:         stringOrEmpty(row.OwnerName),
		OwnerEmail:        stringOrEmpty(row.OwnerEmail),
		ReservedAtUnixUTC: timeOrZero(row.ReservedAt),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return raffle.WrapError(errorOperationStore, subject, code, err)
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func nullableTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
