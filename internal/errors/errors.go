// Package errors provides error handling for the entity engine.
//
// It re-exports github.com/cockroachdb/errors and layers the engine's error
// taxonomy on top of it:
//
//	ValidationError     missing/illegal field, immutable-field mutation, bad relationship name
//	NotFoundError       entity or attribute absent
//	ConflictError       duplicate id, attribute schema type mismatch
//	StoreError          connectivity/query failure in one backing store
//	PartialFailureError per-store outcomes of a multi-store operation
//
// Domain categories are sentinel marks, so callers test them with the Is*
// helpers or errors.Is against the sentinels. StoreError, SchemaConflictError
// and PartialFailureError are concrete types retrievable with errors.As.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
	Combine      = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinels for the engine's error categories.
var (
	ErrValidation = New("validation failed")
	ErrNotFound   = New("not found")
	ErrConflict   = New("conflict")
	ErrStore      = New("store failure")
)

// NewValidationError creates an error in the validation category.
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NewNotFoundError creates an error in the not-found category.
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewConflictError creates an error in the conflict category.
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// IsValidation reports whether err is or wraps a validation error.
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsNotFound reports whether err is or wraps a not-found error.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps a conflict error,
// including schema conflicts.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrConflict) {
		return true
	}
	var sc *SchemaConflictError
	return As(err, &sc)
}

// IsDomain reports whether err belongs to one of the caller-facing categories
// (validation, not found, conflict). Such errors are never tagged as store
// failures.
func IsDomain(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsConflict(err)
}
