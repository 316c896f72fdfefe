// Package apperr is the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindAuthorization
	KindNotFound
	KindConflict
	KindLedgerInconsistency
	KindDownstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindLedgerInconsistency:
		return "ledger_inconsistency"
	case KindDownstream:
		return "downstream"
	}
	return "internal"
}

// HTTPStatus is the status code the API answers with for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDownstream:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeMissingDescription    = "MISSING_DESCRIPTION"
	CodeMissingComment        = "MISSING_COMMENT"
	CodeNoSubmission          = "NO_SUBMISSION"
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotOwner              = "NOT_OWNER"
	CodeNotAssignedFreelancer = "NOT_ASSIGNED_FREELANCER"
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeMilestoneNotFound     = "MILESTONE_NOT_FOUND"
	CodePaymentNotFound       = "PAYMENT_NOT_FOUND"
	CodeApplicationNotFound   = "APPLICATION_NOT_FOUND"
	CodeNoAcceptedApplication = "NO_ACCEPTED_APPLICATION"
	CodeNotFound              = "NOT_FOUND"
	CodeAlreadyAccepted       = "ALREADY_ACCEPTED"
	CodeAlreadyApplied        = "ALREADY_APPLIED"
	CodeAlreadyFunded         = "ALREADY_FUNDED"
	CodeAlreadyReviewed       = "ALREADY_REVIEWED"
	CodeNotHeld               = "NOT_HELD"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeJobNotActive          = "JOB_NOT_ACTIVE"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeConflict              = "CONFLICT"
	CodeLedgerInconsistency   = "LEDGER_INCONSISTENCY"
	CodeStorageUnavailable    = "STORAGE_UNAVAILABLE"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error carries a kind for propagation policy and a stable code for callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the kind's status, except that a rejected state transition is
// reported as a bad request.
func (e *Error) HTTPStatus() int {
	if e.Code == CodeInvalidTransition {
		return http.StatusBadRequest
	}
	return e.Kind.HTTPStatus()
}

// Is matches sentinels by code, or by kind when the target has no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

// WithDetail returns a copy of e with one more detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Kind sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated}
	ErrAuthorization       = &Error{Kind: KindAuthorization}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrLedgerInconsistency = &Error{Kind: KindLedgerInconsistency}
	ErrDownstream          = &Error{Kind: KindDownstream}
)

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	if code == "" {
		code = CodeValidation
	}
	return New(KindValidation, code, message)
}

func Forbidden(code, message string) *Error {
	if code == "" {
		code = CodeForbidden
	}
	return New(KindAuthorization, code, message)
}

func NotFound(code, message string) *Error {
	if code == "" {
		code = CodeNotFound
	}
	return New(KindNotFound, code, message)
}

func Conflict(code, message string) *Error {
	if code == "" {
		code = CodeConflict
	}
	return New(KindConflict, code, message)
}

// InvalidTransition reports a state change outside the transition table.
func InvalidTransition(from, to, role string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("%s cannot change status from %s to %s", role, from, to),
		Details: map[string]any{"from": from, "to": to, "role": role},
	}
}

func LedgerInconsistency(message string, err error) *Error {
	return &Error{Kind: KindLedgerInconsistency, Code: CodeLedgerInconsistency, Message: message, Err: err}
}

// Downstream wraps a storage or transport failure. These are retryable.
func Downstream(err error) *Error {
	return &Error{Kind: KindDownstream, Code: CodeStorageUnavailable, Message: "storage temporarily unavailable", Err: err}
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Retryable(err error) bool {
	return KindOf(err) == KindDownstream
}

// From converts any error into an *Error, wrapping foreign errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}
