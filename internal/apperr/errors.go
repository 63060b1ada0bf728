// Package apperr carries the machine-readable error taxonomy shared by the
// payment and discount services and mapped to HTTP statuses by the API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindValidation Kind = "VALIDATION"
	KindGateway    Kind = "GATEWAY"
	KindInternal   Kind = "INTERNAL"
)

// Error codes surfaced to clients
const (
	CodeEventNotFound           = "EVENT_NOT_FOUND"
	CodeUserNotFound            = "USER_NOT_FOUND"
	CodePaymentNotFound         = "PAYMENT_NOT_FOUND"
	CodePaymentAlreadyCompleted = "PAYMENT_ALREADY_COMPLETED"
	CodePaymentAccessDenied     = "PAYMENT_ACCESS_DENIED"
	CodeVerificationInProgress  = "VERIFICATION_IN_PROGRESS"
	CodeGatewayInitiateFailed   = "GATEWAY_INITIATE_FAILED"
	CodeGatewayVerifyError      = "GATEWAY_VERIFY_ERROR"
	CodeGatewayUnavailable      = "GATEWAY_UNAVAILABLE"

	CodeDiscountNotFound   = "DISCOUNT_CODE_NOT_FOUND"
	CodeDiscountExists     = "DISCOUNT_CODE_EXISTS"
	CodeDiscountInUse      = "DISCOUNT_CODE_IN_USE"
	CodeInactive           = "INACTIVE"
	CodeExpired            = "EXPIRED"
	CodeMaxUsesReached     = "MAX_USES_REACHED"
	CodeEventMismatch      = "EVENT_MISMATCH"
	CodeMinPurchaseNotMet  = "MIN_PURCHASE_NOT_MET"
	CodeAlreadyUsedByUser  = "ALREADY_USED_BY_USER"
	CodeAlreadyApplied     = "ALREADY_APPLIED"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeInvalidDiscount    = "INVALID_DISCOUNT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeMissingCredentials = "MISSING_USER"
	CodeForbidden          = "FORBIDDEN"
)

// Error is a classified error with a stable code
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a response status
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func Gateway(code, msg string, err error) *Error {
	return &Error{Kind: KindGateway, Code: code, Message: msg, Err: err}
}

func Internal(code, msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: msg, Err: err}
}

// From extracts an *Error from a wrapped chain
func From(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	appErr, ok := From(err)
	return ok && appErr.Code == code
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind Kind) bool {
	appErr, ok := From(err)
	return ok && appErr.Kind == kind
}
