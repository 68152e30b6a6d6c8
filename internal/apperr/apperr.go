// Package apperr defines the error taxonomy shared by submission, deletion
// and job execution paths.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindValidation              Kind = "validation"
	KindNotFound                Kind = "not_found"
	KindConflict                Kind = "conflict"
	KindTransientClassification Kind = "transient_classification"
	KindClassification          Kind = "classification"
	KindInfrastructure          Kind = "infrastructure"
	KindUnknown                 Kind = "unknown"
)

// Error carries a Kind alongside a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so errors.Is(err, apperr.ErrConflict) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrClassification = &Error{Kind: KindClassification}
	ErrInfrastructure = &Error{Kind: KindInfrastructure}

	ErrTransientClassification = &Error{Kind: KindTransientClassification}
)

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict returns a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Infrastructure wraps a persistence or transport fault.
func Infrastructure(err error, format string, args ...any) *Error {
	return Wrap(KindInfrastructure, err, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain carries an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
