package item

import (
	"errors"
	"fmt"

	"github.com/roach88/streamsale/internal/ir"
)

// Error is a rejected item operation.
//
// Every precondition failure of the item engine, the creation gate and the
// registry is an *Error; infrastructure failures (unit ledger, stream
// protocol) are wrapped plain errors instead.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Item identifies the affected item, if any.
	Item ir.ItemID

	// Account identifies the offending account, if any.
	Account ir.AccountID
}

// Code categorizes item errors.
type Code string

const (
	// CodeForbiddenSender: the caller may not perform the operation.
	CodeForbiddenSender Code = "FORBIDDEN_SENDER"

	// CodeRateMismatch: the stream rate differs from the required rate.
	CodeRateMismatch Code = "RATE_MISMATCH"

	// CodeNoAvailability: every unit is reserved or claimed.
	CodeNoAvailability Code = "NO_AVAILABILITY"

	// CodeUpdatesForbidden: open streams cannot change rate.
	CodeUpdatesForbidden Code = "UPDATES_FORBIDDEN"

	// CodeNotPaidEnough: the stream has not yet accrued the price.
	CodeNotPaidEnough Code = "NOT_PAID_ENOUGH"

	// CodeNothingToClaim: the buyer has no open stream and no owed unit.
	CodeNothingToClaim Code = "NOTHING_TO_CLAIM"

	// CodeSaleExpired: the sale end timestamp has passed.
	CodeSaleExpired Code = "SALE_EXPIRED"

	// CodeWrongToken: the stream pays in a token the item does not accept.
	CodeWrongToken Code = "WRONG_TOKEN"

	// CodeStreamExists: the buyer already streams to this item.
	CodeStreamExists Code = "STREAM_EXISTS"

	// CodeTermsLocked: price, token or end cannot change once streams or
	// claims depend on them.
	CodeTermsLocked Code = "TERMS_LOCKED"

	// CodeInvalidTerms: the terms tuple is malformed.
	CodeInvalidTerms Code = "INVALID_TERMS"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Item != "" && e.Account != "":
		return fmt.Sprintf("%s: %s (item=%s, account=%s)", e.Code, e.Message, e.Item, e.Account)
	case e.Item != "":
		return fmt.Sprintf("%s: %s (item=%s)", e.Code, e.Message, e.Item)
	case e.Account != "":
		return fmt.Sprintf("%s: %s (account=%s)", e.Code, e.Message, e.Account)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// IsCode reports whether err carries code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsForbiddenSender reports whether err is an authorization failure.
func IsForbiddenSender(err error) bool {
	return IsCode(err, CodeForbiddenSender)
}

// IsRetryable reports whether the caller may succeed later without changing
// anything: the stream simply has not paid enough yet.
func IsRetryable(err error) bool {
	return IsCode(err, CodeNotPaidEnough)
}

// NewForbiddenSender creates an authorization error.
func NewForbiddenSender(id ir.ItemID, account ir.AccountID, reason string) *Error {
	return &Error{Code: CodeForbiddenSender, Message: reason, Item: id, Account: account}
}

// NewInvalidTerms creates a malformed-terms error.
func NewInvalidTerms(id ir.ItemID, err error) *Error {
	return &Error{Code: CodeInvalidTerms, Message: err.Error(), Item: id}
}

func newError(code Code, id ir.ItemID, account ir.AccountID, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Item: id, Account: account}
}
