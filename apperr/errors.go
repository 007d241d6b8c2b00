// Package apperr defines the error taxonomy shared by the agent pipeline.
package apperr

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindInvalidState Kind = "invalid_state"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation_error"
	KindDownstream   Kind = "downstream_failure"
	KindInternal     Kind = "internal_error"
)

// Error carries a Kind alongside the failing operation and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind when the target is an *Error without a cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Unauthorized(op, msg string) *Error { return New(KindUnauthorized, op, msg) }
func Forbidden(op, msg string) *Error    { return New(KindForbidden, op, msg) }
func NotFound(op, msg string) *Error     { return New(KindNotFound, op, msg) }
func Validation(op, msg string) *Error   { return New(KindValidation, op, msg) }

func InvalidState(op, format string, args ...any) *Error {
	return New(KindInvalidState, op, fmt.Sprintf(format, args...))
}

func Downstream(op string, err error) *Error { return Wrap(KindDownstream, op, err) }
func Internal(op string, err error) *Error   { return Wrap(KindInternal, op, err) }

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code the API answers with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return fiber.StatusUnauthorized
	case KindForbidden:
		return fiber.StatusForbidden
	case KindInvalidState:
		return fiber.StatusConflict
	case KindNotFound:
		return fiber.StatusNotFound
	case KindValidation:
		return fiber.StatusBadRequest
	case KindDownstream:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
