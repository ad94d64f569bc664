package main

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("too many requests")
	ErrUnavailable  = errors.New("service unavailable")

	ErrInsufficientStock = fmt.Errorf("%w: stock changed, please retry", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: status transition not allowed", ErrConflict)
	ErrEmailTaken        = fmt.Errorf("%w: email already registered", ErrConflict)
	ErrDuplicateRequest  = fmt.Errorf("%w: idempotency key already used", ErrConflict)
	ErrStaleStatus       = fmt.Errorf("%w: order status changed, reload and retry", ErrConflict)
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
