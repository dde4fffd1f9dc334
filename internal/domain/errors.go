package domain

import (
	"errors"
	"fmt"
)

// NotFoundError reports a missing booking, trip or transaction.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ForbiddenOwnerError reports an actor touching a booking they do not own.
type ForbiddenOwnerError struct {
	BookingID string
	ActorID   string
}

func (e ForbiddenOwnerError) Error() string {
	return fmt.Sprintf("actor %s does not own booking %s", e.ActorID, e.BookingID)
}

// InvalidBookingStateError reports a lifecycle operation attempted from the
// wrong status.
type InvalidBookingStateError struct {
	BookingID string
	Status    string
	Wanted    string
}

func (e InvalidBookingStateError) Error() string {
	return fmt.Sprintf("booking %s is %s, wanted %s", e.BookingID, e.Status, e.Wanted)
}

// DuplicatePaymentError reports an in-flight transaction already covering the
// booking.
type DuplicatePaymentError struct {
	BookingID     string
	TransactionID string
}

func (e DuplicatePaymentError) Error() string {
	return fmt.Sprintf("booking %s already has active transaction %s", e.BookingID, e.TransactionID)
}

// BookingAlreadyPaidError reports a succeeded transaction for the booking.
type BookingAlreadyPaidError struct {
	BookingID     string
	TransactionID string
}

func (e BookingAlreadyPaidError) Error() string {
	return fmt.Sprintf("booking %s already paid by transaction %s", e.BookingID, e.TransactionID)
}

// PaymentProviderError wraps any non-domain failure coming back from the
// payment provider boundary.
type PaymentProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e PaymentProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e PaymentProviderError) Unwrap() error { return e.Err }

// ValidationError reports an entity invariant violation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsForbiddenOwner(err error) bool {
	var target ForbiddenOwnerError
	return errors.As(err, &target)
}

func IsInvalidBookingState(err error) bool {
	var target InvalidBookingStateError
	return errors.As(err, &target)
}

func IsDuplicatePayment(err error) bool {
	var target DuplicatePaymentError
	return errors.As(err, &target)
}

func IsBookingAlreadyPaid(err error) bool {
	var target BookingAlreadyPaidError
	return errors.As(err, &target)
}

func IsPaymentProvider(err error) bool {
	var target PaymentProviderError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}
