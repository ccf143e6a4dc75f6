package api

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindServer       Kind = "server"
	KindTimeout      Kind = "timeout"
	KindUnreachable  Kind = "unreachable"
	KindRejected     Kind = "rejected"
	KindDecode       Kind = "decode"
	KindCanceled     Kind = "canceled"
)

// Error is what every gateway call returns on failure. Message carries the
// server's own wording when the response had one.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Status > 0:
		return fmt.Sprintf("api %s (%d): %s", e.Kind, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("api %s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("api %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("api %s (%d)", e.Kind, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// MessageOr returns the server message carried by err, or fallback.
func MessageOr(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
