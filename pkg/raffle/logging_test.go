package raffle

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recorderLogger struct {
	entries []OperationLog
}

func (recorder *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	recorder.entries = append(recorder.entries, entry)
}

func TestOperationsEmitLogEntries(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	recorder := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(recorder))
	buyer := mustBuyer(test, "user-1", "Ana Souza", "ana@example.com")

	if _, err := service.Reserve(context.Background(), buyer, []string{"042"}); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != operationReserve {
		test.Fatalf("expected operation %q, got %q", operationReserve, entry.Operation)
	}
	if entry.Status != operationStatusOK {
		test.Fatalf("expected status %q, got %q", operationStatusOK, entry.Status)
	}
	if entry.UserID.String() != "user-1" {
		test.Fatalf("expected user-1, got %q", entry.UserID.String())
	}
	if len(entry.Numbers) != 1 || entry.Numbers[0] != "042" {
		test.Fatalf("expected numbers [042], got %v", entry.Numbers)
	}
	if entry.Error != nil {
		test.Fatalf("expected no error, got %v", entry.Error)
	}
}

func TestFailedOperationLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	store.setSold(test, "042", "user-9", "Old Owner", "old@example.com")
	recorder := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(recorder))
	buyer := mustBuyer(test, "user-1", "Ana Souza", "ana@example.com")

	if _, err := service.Reserve(context.Background(), buyer, []string{"042"}); err == nil {
		test.Fatalf("expected reserve conflict")
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Status != operationStatusError {
		test.Fatalf("expected status %q, got %q", operationStatusError, entry.Status)
	}
	if !errors.Is(entry.Error, ErrTicketUnavailable) {
		test.Fatalf("expected ErrTicketUnavailable in log entry, got %v", entry.Error)
	}
}

func TestSweepLogsReclaimedNumbers(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	store.setPending(test, "042", "user-1", "Ana Souza", "ana@example.com", 0)
	recorder := &recorderLogger{}
	reclaimer := mustNewReclaimer(test, store, time.Hour, func() int64 { return stubNowUnixUTC }, WithReclaimerLogger(recorder))

	if _, err := reclaimer.Sweep(context.Background()); err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != operationSweep {
		test.Fatalf("expected operation %q, got %q", operationSweep, entry.Operation)
	}
	if len(entry.Numbers) != 1 || entry.Numbers[0] != "042" {
		test.Fatalf("expected numbers [042], got %v", entry.Numbers)
	}
	if entry.Status != operationStatusOK {
		test.Fatalf("expected status %q, got %q", operationStatusOK, entry.Status)
	}
}
