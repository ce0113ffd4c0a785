/*
errors.go - error taxonomy

Every failure the engine can surface carries one of a closed set of
codes. Handlers map the code's class to an HTTP status; callers inside
the engine match on the sentinel with errors.Is. The set is part of
the API contract - adding a code is fine, renaming one is a breaking
change.
*/

package core

import (
	"errors"
	"fmt"
)

// ===== CODES =====

const (
	// Validation - malformed input, nothing was attempted.
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeInvalidPeriod          = "INVALID_PERIOD"
	CodeInvalidBreakdown       = "INVALID_BREAKDOWN"
	CodeInvalidAccount         = "INVALID_ACCOUNT"
	CodeAmountNotPositive      = "AMOUNT_NOT_POSITIVE"
	CodeCurrencyMismatch       = "CURRENCY_MISMATCH"

	// Scope - the actor exists but may not touch this resource.
	CodeOutOfScope    = "OUT_OF_SCOPE"
	CodeNotAuthorized = "NOT_AUTHORIZED"

	// Not found.
	CodeMemberNotFound  = "MEMBER_NOT_FOUND"
	CodeAgentNotFound   = "AGENT_NOT_FOUND"
	CodeUserNotFound    = "USER_NOT_FOUND"
	CodePaymentNotFound = "PAYMENT_NOT_FOUND"

	// Business rule - valid request, the domain said no.
	CodeClientUpToDate        = "CLIENT_UP_TO_DATE"
	CodeArrearsCutoff         = "ARREARS_CUTOFF"
	CodePeriodInFuture        = "PERIOD_IN_FUTURE"
	CodeOverpayPeriod         = "OVERPAY_PERIOD"
	CodeBreakdownExceedsAmount = "BREAKDOWN_EXCEEDS_AMOUNT"
	CodeNothingToAllocate     = "NOTHING_TO_ALLOCATE"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"

	// Concurrency - a race or a duplicate was caught by the store.
	CodeRaceConditionOverpay = "RACE_CONDITION_OVERPAY"
	CodeDuplicatePosting     = "DUPLICATE_POSTING"

	// Infrastructure.
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodePDFRenderFailed    = "PDF_RENDER_FAILED"
)

// ===== SENTINELS =====

// One sentinel per code, so call sites can branch with errors.Is
// without unpacking the structured error.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidPeriod     = errors.New("invalid period")
	ErrInvalidBreakdown  = errors.New("invalid breakdown")
	ErrInvalidAccount    = errors.New("invalid account")
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrCurrencyMismatch  = errors.New("currency mismatch")

	ErrOutOfScope    = errors.New("out of scope")
	ErrNotAuthorized = errors.New("not authorized")

	ErrMemberNotFound  = errors.New("member not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrPaymentNotFound = errors.New("payment not found")

	ErrClientUpToDate         = errors.New("client is up to date")
	ErrArrearsCutoff          = errors.New("arrears over the cutoff, payment must be handled manually")
	ErrPeriodInFuture         = errors.New("period is in the future")
	ErrOverpayPeriod          = errors.New("allocation exceeds period balance")
	ErrBreakdownExceedsAmount = errors.New("breakdown exceeds payment amount")
	ErrNothingToAllocate      = errors.New("nothing to allocate")
	ErrInsufficientFunds      = errors.New("insufficient funds")

	ErrRaceConditionOverpay = errors.New("concurrent payment overpaid a period")
	ErrDuplicatePosting     = errors.New("duplicate posting")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPDFRenderFailed    = errors.New("receipt render failed")
)

var sentinelByCode = map[string]error{
	CodeInvalidRequest:         ErrInvalidRequest,
	CodeInvalidAmount:          ErrInvalidAmount,
	CodeInvalidPeriod:          ErrInvalidPeriod,
	CodeInvalidBreakdown:       ErrInvalidBreakdown,
	CodeInvalidAccount:         ErrInvalidAccount,
	CodeAmountNotPositive:      ErrAmountNotPositive,
	CodeCurrencyMismatch:       ErrCurrencyMismatch,
	CodeOutOfScope:             ErrOutOfScope,
	CodeNotAuthorized:          ErrNotAuthorized,
	CodeMemberNotFound:         ErrMemberNotFound,
	CodeAgentNotFound:          ErrAgentNotFound,
	CodeUserNotFound:           ErrUserNotFound,
	CodePaymentNotFound:        ErrPaymentNotFound,
	CodeClientUpToDate:         ErrClientUpToDate,
	CodeArrearsCutoff:          ErrArrearsCutoff,
	CodePeriodInFuture:         ErrPeriodInFuture,
	CodeOverpayPeriod:          ErrOverpayPeriod,
	CodeBreakdownExceedsAmount: ErrBreakdownExceedsAmount,
	CodeNothingToAllocate:      ErrNothingToAllocate,
	CodeInsufficientFunds:      ErrInsufficientFunds,
	CodeRaceConditionOverpay:   ErrRaceConditionOverpay,
	CodeDuplicatePosting:       ErrDuplicatePosting,
	CodeStorageUnavailable:     ErrStorageUnavailable,
	CodePDFRenderFailed:        ErrPDFRenderFailed,
}

// ===== CLASSES =====

// Class groups codes by how the caller should react; the HTTP layer
// maps each class to a status.
type Class int

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassScope
	ClassNotFound
	ClassBusiness
	ClassConcurrency
	ClassInfrastructure
)

var classByCode = map[string]Class{
	CodeInvalidRequest:         ClassValidation,
	CodeInvalidAmount:          ClassValidation,
	CodeInvalidPeriod:          ClassValidation,
	CodeInvalidBreakdown:       ClassValidation,
	CodeInvalidAccount:         ClassValidation,
	CodeAmountNotPositive:      ClassValidation,
	CodeCurrencyMismatch:       ClassValidation,
	CodeOutOfScope:             ClassScope,
	CodeNotAuthorized:          ClassScope,
	CodeMemberNotFound:         ClassNotFound,
	CodeAgentNotFound:          ClassNotFound,
	CodeUserNotFound:           ClassNotFound,
	CodePaymentNotFound:        ClassNotFound,
	CodeClientUpToDate:         ClassBusiness,
	CodeArrearsCutoff:          ClassBusiness,
	CodePeriodInFuture:         ClassBusiness,
	CodeOverpayPeriod:          ClassBusiness,
	CodeBreakdownExceedsAmount: ClassBusiness,
	CodeNothingToAllocate:      ClassBusiness,
	CodeInsufficientFunds:      ClassBusiness,
	CodeRaceConditionOverpay:   ClassConcurrency,
	CodeDuplicatePosting:       ClassConcurrency,
	CodeStorageUnavailable:     ClassInfrastructure,
	CodePDFRenderFailed:        ClassInfrastructure,
}

// ===== STRUCTURED ERROR =====

// Error is the structured form: a code from the closed set, a human
// message, and optional details that travel to the API response.
type Error struct {
	Code    string
	Message string
	Details map[string]any

	base error
}

// NewError builds a structured error for a known code. Unknown codes
// still work but classify as ClassUnknown.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, base: sentinelByCode[code]}
}

// With attaches one detail and returns the error, so details chain at
// the construction site.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Message == "" && e.base != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.base.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel, so errors.Is(err, ErrOverpayPeriod)
// matches structured errors built with NewError.
func (e *Error) Unwrap() error { return e.base }

// ===== INSPECTION =====

// CodeOf extracts the taxonomy code from any error in the chain, or
// "" when the error carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for code, sentinel := range sentinelByCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// ClassOf classifies any error by its taxonomy code. Errors without a
// code - driver failures, context cancellation - come back as
// ClassUnknown and should be treated as infrastructure.
func ClassOf(err error) Class {
	return classByCode[CodeOf(err)]
}

// DetailsOf returns the attached details, or nil.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// IsBusiness reports whether the error is a domain refusal rather
// than a caller or system fault.
func IsBusiness(err error) bool { return ClassOf(err) == ClassBusiness }

// IsNotFound reports whether the error is any of the not-found codes.
func IsNotFound(err error) bool { return ClassOf(err) == ClassNotFound }

// IsConflict reports whether a retry with the same input could
// succeed later (races) or already succeeded (duplicates).
func IsConflict(err error) bool { return ClassOf(err) == ClassConcurrency }
