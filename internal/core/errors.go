package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error so callers can distinguish
// "your request was invalid" from "try again later".
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindInvalidAmount      ErrorKind = "invalid_amount"
	KindInvalidPercentage  ErrorKind = "invalid_percentage"
	KindOverAllocation     ErrorKind = "over_allocation"
	KindNoBudgetCategories ErrorKind = "no_budget_categories"
	KindInvalidRequest     ErrorKind = "invalid_request"
)

// Error is a structured domain error with a kind and a human-readable
// message. Store-level faults are never wrapped into an Error; they
// propagate as plain wrapped errors and surface as internal errors.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidAmount      = &Error{Kind: KindInvalidAmount, Message: "invalid amount"}
	ErrInvalidPercentage  = &Error{Kind: KindInvalidPercentage, Message: "invalid percentage"}
	ErrOverAllocation     = &Error{Kind: KindOverAllocation, Message: "over-allocation"}
	ErrNoBudgetCategories = &Error{Kind: KindNoBudgetCategories, Message: "no active budget categories"}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
)

// Errorf builds a domain error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the domain kind of err, or "" if err is not a domain error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
