package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/raffle/pkg/raffle"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T, total int) (*Store, raffle.Numbering) {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "raffle.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	numbering, err := raffle.NewNumbering(total)
	if err != nil {
		test.Fatalf("numbering: %v", err)
	}
	store := New(db, numbering)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store, numbering
}

func seedTickets(test *testing.T, store *Store, numbering raffle.Numbering) {
	test.Helper()
	tickets := make([]raffle.Ticket, 0, numbering.Total())
	for ordinal := 1; ordinal <= numbering.Total(); ordinal++ {
		number, err := numbering.Key(ordinal)
		if err != nil {
			test.Fatalf("key %d: %v", ordinal, err)
		}
		tickets = append(tickets, raffle.Ticket{Number: number, Status: raffle.StatusAvailable})
	}
	if err := store.BatchPutTickets(context.Background(), tickets); err != nil {
		test.Fatalf("seed: %v", err)
	}
}

func mustParse(test *testing.T, numbering raffle.Numbering, raw string) raffle.TicketNumber {
	test.Helper()
	number, err := numbering.Parse(raw)
	if err != nil {
		test.Fatalf("parse %q: %v", raw, err)
	}
	return number
}

func TestTicketRoundTripPreservesNullOwner(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)

	ticket, err := store.GetTicket(context.Background(), mustParse(test, numbering, "07"))
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if ticket.Status != raffle.StatusAvailable {
		test.Fatalf("expected available, got %s", ticket.Status)
	}
	if ticket.OwnerID != "" || ticket.OwnerName != "" || ticket.OwnerEmail != "" || ticket.ReservedAtUnixUTC != 0 {
		test.Fatalf("expected empty owner fields, got %+v", ticket)
	}
}

func TestUpdateTicketWritesAndClearsOwnerColumns(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)
	number := mustParse(test, numbering, "07")

	reserved := raffle.Ticket{
		Number:            number,
		Status:            raffle.StatusPending,
		OwnerID:           "user-1",
		OwnerName:         "Ana Souza",
		OwnerEmail:        "ana@example.com",
		ReservedAtUnixUTC: 1_700_000_000,
	}
	if err := store.UpdateTicket(context.Background(), reserved, raffle.StatusAvailable); err != nil {
		test.Fatalf("update to pending: %v", err)
	}
	stored, err := store.GetTicket(context.Background(), number)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored != reserved {
		test.Fatalf("round trip mismatch: %+v vs %+v", stored, reserved)
	}

	cleared := raffle.Ticket{Number: number, Status: raffle.StatusAvailable}
	if err := store.UpdateTicket(context.Background(), cleared, raffle.StatusPending); err != nil {
		test.Fatalf("update to available: %v", err)
	}
	stored, err = store.GetTicket(context.Background(), number)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored != cleared {
		test.Fatalf("owner columns must be nulled: %+v", stored)
	}
}

func TestUpdateTicketGuardsOnCurrentStatus(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)
	number := mustParse(test, numbering, "07")

	sold := raffle.Ticket{Number: number, Status: raffle.StatusSold, OwnerID: "user-1", OwnerName: "Ana Souza", OwnerEmail: "ana@example.com"}
	err := store.UpdateTicket(context.Background(), sold, raffle.StatusPending)
	if !errors.Is(err, raffle.ErrTicketStateChanged) {
		test.Fatalf("expected ErrTicketStateChanged, got %v", err)
	}
	stored, err := store.GetTicket(context.Background(), number)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != raffle.StatusAvailable {
		test.Fatalf("guarded update must not apply: %+v", stored)
	}
}

func TestBatchPutTicketsRejectsDuplicates(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)

	number := mustParse(test, numbering, "01")
	err := store.BatchPutTickets(context.Background(), []raffle.Ticket{{Number: number, Status: raffle.StatusAvailable}})
	if !errors.Is(err, raffle.ErrTicketExists) {
		test.Fatalf("expected ErrTicketExists, got %v", err)
	}
}

func TestCountTickets(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	count, err := store.CountTickets(context.Background())
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 0 {
		test.Fatalf("expected empty store, got %d", count)
	}
	seedTickets(test, store, numbering)
	count, err = store.CountTickets(context.Background())
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 20 {
		test.Fatalf("expected 20 tickets, got %d", count)
	}
}

func TestListExpiredPendingAppliesCutoff(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)
	const nowUnixUTC int64 = 1_700_000_000

	stale := raffle.Ticket{
		Number:            mustParse(test, numbering, "03"),
		Status:            raffle.StatusPending,
		OwnerID:           "user-1",
		OwnerName:         "Ana Souza",
		OwnerEmail:        "ana@example.com",
		ReservedAtUnixUTC: nowUnixUTC - 3600,
	}
	fresh := raffle.Ticket{
		Number:            mustParse(test, numbering, "04"),
		Status:            raffle.StatusPending,
		OwnerID:           "user-2",
		OwnerName:         "Bruno Lima",
		OwnerEmail:        "bruno@example.com",
		ReservedAtUnixUTC: nowUnixUTC - 10,
	}
	for _, ticket := range []raffle.Ticket{stale, fresh} {
		if err := store.UpdateTicket(context.Background(), ticket, raffle.StatusAvailable); err != nil {
			test.Fatalf("update %s: %v", ticket.Number.String(), err)
		}
	}

	expired, err := store.ListExpiredPending(context.Background(), nowUnixUTC-1800)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].Number.String() != "03" {
		test.Fatalf("expected only ticket 03 expired, got %+v", expired)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)
	number := mustParse(test, numbering, "07")
	sentinel := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore raffle.Store) error {
		pending := raffle.Ticket{
			Number:            number,
			Status:            raffle.StatusPending,
			OwnerID:           "user-1",
			OwnerName:         "Ana Souza",
			OwnerEmail:        "ana@example.com",
			ReservedAtUnixUTC: 1_700_000_000,
		}
		if err := txStore.UpdateTicket(ctx, pending, raffle.StatusAvailable); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel, got %v", err)
	}
	stored, err := store.GetTicket(context.Background(), number)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != raffle.StatusAvailable || stored.OwnerID != "" {
		test.Fatalf("transaction must roll back: %+v", stored)
	}
}

func TestWinnerUpsertOverwrites(test *testing.T) {
	test.Parallel()
	store, _ := newTestStore(test, 20)

	if _, err := store.GetWinner(context.Background()); !errors.Is(err, raffle.ErrNoWinner) {
		test.Fatalf("expected ErrNoWinner, got %v", err)
	}
	first := raffle.Winner{WinningNumber: "07", WinnerName: "Ana Souza", SetAtUnixUTC: 1_700_000_000}
	if err := store.PutWinner(context.Background(), first); err != nil {
		test.Fatalf("put winner: %v", err)
	}
	second := raffle.Winner{WinningNumber: "11", WinnerName: "Bruno Lima", SetAtUnixUTC: 1_700_003_600}
	if err := store.PutWinner(context.Background(), second); err != nil {
		test.Fatalf("overwrite winner: %v", err)
	}
	stored, err := store.GetWinner(context.Background())
	if err != nil {
		test.Fatalf("get winner: %v", err)
	}
	if stored != second {
		test.Fatalf("expected %+v, got %+v", second, stored)
	}
}

func TestProfileUpsertRoundTrip(test *testing.T) {
	test.Parallel()
	store, _ := newTestStore(test, 20)
	userID, err := raffle.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}

	if _, err := store.GetProfile(context.Background(), userID); !errors.Is(err, raffle.ErrNoProfile) {
		test.Fatalf("expected ErrNoProfile, got %v", err)
	}
	profile := raffle.Profile{
		UserID:     "user-1",
		Name:       "Ana Souza",
		Email:      "ana@example.com",
		GovID:      "123.456.789-00",
		DOB:        "1990-05-01",
		Phone:      "+55 11 91234-5678",
		PostalCode: "01310-100",
		Address:    "Av. Paulista 1000",
	}
	if err := store.UpsertProfile(context.Background(), profile); err != nil {
		test.Fatalf("upsert: %v", err)
	}
	profile.Phone = "+55 11 98765-4321"
	if err := store.UpsertProfile(context.Background(), profile); err != nil {
		test.Fatalf("second upsert: %v", err)
	}
	stored, err := store.GetProfile(context.Background(), userID)
	if err != nil {
		test.Fatalf("get profile: %v", err)
	}
	if stored != profile {
		test.Fatalf("expected %+v, got %+v", profile, stored)
	}
}

func TestInsertEventAndContactMessage(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)

	event := raffle.Event{
		Number:         "07",
		Type:           raffle.EventReserve,
		UserID:         "user-1",
		MetadataJSON:   `{"owner_name":"Ana Souza"}`,
		CreatedUnixUTC: 1_700_000_000,
	}
	if err := store.InsertEvent(context.Background(), event); err != nil {
		test.Fatalf("insert event: %v", err)
	}
	message := raffle.ContactMessage{
		Name:            "Ana",
		Email:           "ana@example.com",
		Message:         "when is the draw?",
		ReceivedUnixUTC: 1_700_000_000,
	}
	if err := store.InsertContactMessage(context.Background(), message); err != nil {
		test.Fatalf("insert message: %v", err)
	}
}

func TestConcurrentReservesAdmitOneWinner(test *testing.T) {
	test.Parallel()
	store, numbering := newTestStore(test, 20)
	seedTickets(test, store, numbering)
	sqlDB, err := store.db.DB()
	if err != nil {
		test.Fatalf("db handle: %v", err)
	}
	// One connection serializes the overlapping transactions at the store,
	// exactly where the guarded update has to pick the single winner.
	sqlDB.SetMaxOpenConns(1)

	service, err := raffle.NewService(store, numbering, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("service: %v", err)
	}

	buyers := make([]raffle.Buyer, 0, 2)
	for _, identity := range []struct {
		id    string
		name  string
		email string
	}{
		{id: "user-1", name: "Ana Souza", email: "ana@example.com"},
		{id: "user-2", name: "Bruno Lima", email: "bruno@example.com"},
	} {
		userID, idErr := raffle.NewUserID(identity.id)
		if idErr != nil {
			test.Fatalf("user id: %v", idErr)
		}
		buyer, buyerErr := raffle.NewBuyer(userID, identity.name, identity.email)
		if buyerErr != nil {
			test.Fatalf("buyer: %v", buyerErr)
		}
		buyers = append(buyers, buyer)
	}

	results := make(chan error, len(buyers))
	for _, buyer := range buyers {
		go func(buyer raffle.Buyer) {
			_, reserveErr := service.Reserve(context.Background(), buyer, []string{"07"})
			results <- reserveErr
		}(buyer)
	}

	winners := 0
	losers := 0
	for range buyers {
		reserveErr := <-results
		if reserveErr == nil {
			winners++
			continue
		}
		var conflict raffle.ConflictError
		if !errors.As(reserveErr, &conflict) && !errors.Is(reserveErr, raffle.ErrTicketStateChanged) {
			test.Fatalf("loser must surface a conflict, got %v", reserveErr)
		}
		losers++
	}
	if winners != 1 || losers != 1 {
		test.Fatalf("expected exactly one winner and one conflict, got %d winners %d conflicts", winners, losers)
	}

	ticket, err := store.GetTicket(context.Background(), mustParse(test, numbering, "07"))
	if err != nil {
		test.Fatalf("get ticket: %v", err)
	}
	if ticket.Status != raffle.StatusPending || ticket.OwnerID == "" {
		test.Fatalf("contested ticket must be pending under the single winner: %+v", ticket)
	}
}
