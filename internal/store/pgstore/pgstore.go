package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/raffle/pkg/raffle"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectTicket    = "ticket"
	errorSubjectEvent     = "event"
	errorSubjectWinner    = "winner"
	errorSubjectProfile   = "profile"
	errorSubjectMessage   = "message"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeGet          = "get"
	errorCodeList         = "list"
	errorCodeCount        = "count"
	errorCodeUpdate       = "update"
	errorCodeInsert       = "insert"
	errorCodeUpsert       = "upsert"
	errorCodeDuplicate    = "duplicate"
	errorCodeInvalid      = "invalid"
	errorCodeSchema       = "schema"

	sqlEnsureSchema = `
		create table if not exists tickets(
			number text primary key,
			status text not null,
			owner_id text,
			owner_name text,
			owner_email text,
			reserved_at timestamptz
		);
		create index if not exists idx_tickets_status on tickets(status);
		create index if not exists idx_tickets_reserved_at on tickets(reserved_at);
		create table if not exists raffle_winner(
			id text primary key,
			winning_number text not null,
			winner_name text not null,
			set_at timestamptz not null
		);
		create table if not exists user_profiles(
			user_id text primary key,
			name text not null,
			email text not null,
			gov_id text not null,
			dob text not null,
			phone text not null,
			postal_code text not null,
			address text not null,
			updated_at timestamptz not null
		);
		create table if not exists contact_messages(
			message_id uuid primary key default gen_random_uuid(),
			name text not null,
			email text not null,
			message text not null,
			received_at timestamptz not null
		);
		create table if not exists ticket_events(
			event_id uuid primary key default gen_random_uuid(),
			ticket_number text not null,
			event_type text not null,
			user_id text,
			metadata jsonb not null,
			created_at timestamptz not null
		);
		create index if not exists idx_ticket_events_number_created on ticket_events(ticket_number, created_at);
	`

	sqlSelectTicket = `
		select number, status, coalesce(owner_id,''), coalesce(owner_name,''), coalesce(owner_email,''),
			coalesce(extract(epoch from reserved_at)::bigint,0)
		from tickets where number = $1
	`

	sqlSelectTicketForUpdate = sqlSelectTicket + ` for update`

	sqlSelectAllTickets = `
		select number, status, coalesce(owner_id,''), coalesce(owner_name,''), coalesce(owner_email,''),
			coalesce(extract(epoch from reserved_at)::bigint,0)
		from tickets order by number asc
	`

	sqlSelectTicketsByStatus = `
		select number, status, coalesce(owner_id,''), coalesce(owner_name,''), coalesce(owner_email,''),
			coalesce(extract(epoch from reserved_at)::bigint,0)
		from tickets where status = $1 order by number asc
	`

	sqlSelectExpiredPending = `
		select number, status, coalesce(owner_id,''), coalesce(owner_name,''), coalesce(owner_email,''),
			coalesce(extract(epoch from reserved_at)::bigint,0)
		from tickets
		where status = 'pending' and reserved_at is not null and reserved_at <= to_timestamp($1)
		order by number asc
	`

	sqlUpdateTicket = `
		update tickets
		set status = $2,
			owner_id = nullif($3,''),
			owner_name = nullif($4,''),
			owner_email = nullif($5,''),
			reserved_at = to_timestamp(nullif($6,0))
		where number = $1 and status = $7
	`

	sqlInsertTicket = `
		insert into tickets(number, status, owner_id, owner_name, owner_email, reserved_at)
		values($1, $2, nullif($3,''), nullif($4,''), nullif($5,''), to_timestamp(nullif($6,0)))
	`

	sqlCountTickets = `select count(*) from tickets`

	sqlInsertEvent = `
		insert into ticket_events(ticket_number, event_type, user_id, metadata, created_at)
		values($1, $2, nullif($3,''), coalesce(nullif($4,''),'{}')::jsonb, to_timestamp($5))
	`

	sqlSelectWinner = `
		select winning_number, winner_name, extract(epoch from set_at)::bigint
		from raffle_winner where id = $1
	`

	sqlUpsertWinner = `
		insert into raffle_winner(id, winning_number, winner_name, set_at)
		values($1, $2, $3, to_timestamp($4))
		on conflict (id) do update set
			winning_number = excluded.winning_number,
			winner_name = excluded.winner_name,
			set_at = excluded.set_at
	`

	sqlSelectProfile = `
		select user_id, name, email, gov_id, dob, phone, postal_code, address
		from user_profiles where user_id = $1
	`

	sqlUpsertProfile = `
		insert into user_profiles(user_id, name, email, gov_id, dob, phone, postal_code, address, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, $8, now())
		on conflict (user_id) do update set
			name = excluded.name,
			email = excluded.email,
			gov_id = excluded.gov_id,
			dob = excluded.dob,
			phone = excluded.phone,
			postal_code = excluded.postal_code,
			address = excluded.address,
			updated_at = now()
	`

	sqlInsertContactMessage = `
		insert into contact_messages(name, email, message, received_at)
		values($1, $2, $3, to_timestamp($4))
	`
)

const winnerRowID = "current"

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// Store implements raffle.Store using a pgx connection pool (autocommit).
// Inside WithTx every call runs on the open transaction instead.
type Store struct {
	pool      *pgxpool.Pool
	runner    querier
	numbering raffle.Numbering
}

// New returns a Store backed by a pgx pool. The numbering is used to
// rehydrate ticket keys read back from the database.
func New(pool *pgxpool.Pool, numbering raffle.Numbering) *Store {
	return &Store{pool: pool, runner: pool, numbering: numbering}
}

// EnsureSchema creates the tables and indexes the store needs.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.runner.Exec(ctx, sqlEnsureSchema); err != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeSchema, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore raffle.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{runner: tx, numbering: store.numbering}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetTicket(ctx context.Context, number raffle.TicketNumber) (raffle.Ticket, error) {
	return store.scanTicketRow(store.runner.QueryRow(ctx, sqlSelectTicket, number.String()))
}

func (store *Store) GetTicketForUpdate(ctx context.Context, number raffle.TicketNumber) (raffle.Ticket, error) {
	return store.scanTicketRow(store.runner.QueryRow(ctx, sqlSelectTicketForUpdate, number.String()))
}

func (store *Store) ListTickets(ctx context.Context) ([]raffle.Ticket, error) {
	rows, err := store.runner.Query(ctx, sqlSelectAllTickets)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	defer rows.Close()
	return store.scanTickets(rows)
}

func (store *Store) ListTicketsByStatus(ctx context.Context, status raffle.TicketStatus) ([]raffle.Ticket, error) {
	rows, err := store.runner.Query(ctx, sqlSelectTicketsByStatus, status.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	defer rows.Close()
	return store.scanTickets(rows)
}

func (store *Store) ListExpiredPending(ctx context.Context, cutoffUnixUTC int64) ([]raffle.Ticket, error) {
	rows, err := store.runner.Query(ctx, sqlSelectExpiredPending, cutoffUnixUTC)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	defer rows.Close()
	return store.scanTickets(rows)
}

func (store *Store) UpdateTicket(ctx context.Context, ticket raffle.Ticket, from raffle.TicketStatus) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateTicket,
		ticket.Number.String(),
		ticket.Status.String(),
		ticket.OwnerID,
		ticket.OwnerName,
		ticket.OwnerEmail,
		ticket.ReservedAtUnixUTC,
		from.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, raffle.ErrTicketStateChanged)
	}
	return nil
}

func (store *Store) BatchPutTickets(ctx context.Context, tickets []raffle.Ticket) error {
	batch := &pgx.Batch{}
	for _, ticket := range tickets {
		batch.Queue(sqlInsertTicket,
			ticket.Number.String(),
			ticket.Status.String(),
			ticket.OwnerID,
			ticket.OwnerName,
			ticket.OwnerEmail,
			ticket.ReservedAtUnixUTC,
		)
	}
	results := store.runner.SendBatch(ctx, batch)
	defer results.Close()
	for range tickets {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectTicket, errorCodeDuplicate, raffle.ErrTicketExists)
			}
			return wrapStoreError(errorSubjectTicket, errorCodeInsert, err)
		}
	}
	return nil
}

func (store *Store) CountTickets(ctx context.Context) (int64, error) {
	var count int64
	if err := store.runner.QueryRow(ctx, sqlCountTickets).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectTicket, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertEvent(ctx context.Context, event raffle.Event) error {
	createdUnixUTC := event.CreatedUnixUTC
	if createdUnixUTC == 0 {
		createdUnixUTC = time.Now().UTC().Unix()
	}
	_, err := store.runner.Exec(ctx, sqlInsertEvent,
		event.Number,
		string(event.Type),
		event.UserID,
		event.MetadataJSON,
		createdUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetWinner(ctx context.Context) (raffle.Winner, error) {
	var winner raffle.Winner
	err := store.runner.QueryRow(ctx, sqlSelectWinner, winnerRowID).Scan(
		&winner.WinningNumber,
		&winner.WinnerName,
		&winner.SetAtUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return raffle.Winner{}, wrapStoreError(errorSubjectWinner, errorCodeGet, raffle.ErrNoWinner)
		}
		return raffle.Winner{}, wrapStoreError(errorSubjectWinner, errorCodeGet, err)
	}
	return winner, nil
}

func (store *Store) PutWinner(ctx context.Context, winner raffle.Winner) error {
	_, err := store.runner.Exec(ctx, sqlUpsertWinner,
		winnerRowID,
		winner.WinningNumber,
		winner.WinnerName,
		winner.SetAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWinner, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetProfile(ctx context.Context, userID raffle.UserID) (raffle.Profile, error) {
	var profile raffle.Profile
	err := store.runner.QueryRow(ctx, sqlSelectProfile, userID.String()).Scan(
		&profile.UserID,
		&profile.Name,
		&profile.Email,
		&profile.GovID,
		&profile.DOB,
		&profile.Phone,
		&profile.PostalCode,
		&profile.Address,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return raffle.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, raffle.ErrNoProfile)
		}
		return raffle.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return profile, nil
}

func (store *Store) UpsertProfile(ctx context.Context, profile raffle.Profile) error {
	_, err := store.runner.Exec(ctx, sqlUpsertProfile,
		profile.UserID,
		profile.Name,
		profile.Email,
		profile.GovID,
		profile.DOB,
		profile.Phone,
		profile.PostalCode,
		profile.Address,
	)
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) InsertContactMessage(ctx context.Context, message raffle.ContactMessage) error {
	receivedUnixUTC := message.ReceivedUnixUTC
	if receivedUnixUTC == 0 {
		receivedUnixUTC = time.Now().UTC().Unix()
	}
	_, err := store.runner.Exec(ctx, sqlInsertContactMessage,
		message.Name,
		message.Email,
		message.Message,
		receivedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectMessage, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) scanTickets(rows pgx.Rows) ([]raffle.Ticket, error) {
	tickets := make([]raffle.Ticket, 0, 32)
	for rows.Next() {
		ticket, err := store.scanTicketRow(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	return tickets, nil
}

func (store *Store) scanTicketRow(row pgx.Row) (raffle.Ticket, error) {
	var (
		numberValue       string
		statusValue       string
		ownerID           string
		ownerName         string
		ownerEmail        string
		reservedAtUnixUTC int64
	)
	err := row.Scan(&numberValue, &statusValue, &ownerID, &ownerName, &ownerEmail, &reservedAtUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, raffle.ErrTicketNotFound)
		}
		return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, err)
	}
	number, err := store.numbering.Parse(numberValue)
	if err != nil {
		return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeInvalid, err)
	}
	status, err := raffle.ParseTicketStatus(statusValue)
	if err != nil {
		return raffle.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeInvalid, err)
	}
	return raffle.Ticket{
		Number:            number,
		Status:            status,
		OwnerID:           ownerID,
		OwnerName:         ownerName,
		OwnerEmail:        ownerEmail,
		ReservedAtUnixUTC: reservedAtUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return raffle.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
