package raffle

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the raffle service.
var (
	ErrTicketNotFound        = errors.New("ticket not found")
	ErrTicketUnavailable     = errors.New("ticket not available")
	ErrTicketNotPending      = errors.New("ticket not pending")
	ErrTicketNotOwned        = errors.New("ticket owned by another user")
	ErrTicketNotSold         = errors.New("ticket not sold")
	ErrTicketStateChanged    = errors.New("ticket state changed concurrently")
	ErrTicketExists          = errors.New("ticket already exists")
	ErrNoWinner              = errors.New("no winner set")
	ErrNoProfile             = errors.New("profile not found")
	ErrEmptySelection        = errors.New("empty ticket selection")
	ErrInvalidTicketNumber   = errors.New("invalid ticket number")
	ErrInvalidTicketStatus   = errors.New("invalid ticket status")
	ErrInvalidTicketCount    = errors.New("invalid ticket count")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidBuyer          = errors.New("invalid buyer")
	ErrInvalidProfile        = errors.New("invalid profile")
	ErrInvalidContactMessage = errors.New("invalid contact message")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// ConflictError reports the first ticket that failed a protocol precondition.
// The whole batch aborts; Number and Status give the UI enough to deselect the
// contested ticket and retry with a fresh selection.
type ConflictError struct {
	number string
	status TicketStatus
	err    error
}

// Error returns the formatted conflict message.
func (conflictError ConflictError) Error() string {
	return fmt.Sprintf("ticket %s (%s): %v", conflictError.number, conflictError.status, conflictError.err)
}

// Unwrap returns the underlying sentinel.
func (conflictError ConflictError) Unwrap() error {
	return conflictError.err
}

// Number returns the contested ticket key.
func (conflictError ConflictError) Number() string {
	return conflictError.number
}

// Status returns the ticket status observed at conflict time.
func (conflictError ConflictError) Status() TicketStatus {
	return conflictError.status
}

func newConflictError(number TicketNumber, status TicketStatus, err error) error {
	return ConflictError{number: number.String(), status: status, err: err}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
