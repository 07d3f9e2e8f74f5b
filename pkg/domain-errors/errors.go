// Package domainerrors provides coded errors that services return and the
// transport layer translates into responses.
//
// Stores return sentinel errors (see pkg/platform/sentinel); services map those
// facts into a Code so handlers never have to know which store produced them.
package domainerrors

import (
	"errors"
	"strings"
)

// Code classifies a domain error.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvariantViolation Code = "invariant_violation"
	CodeUnauthorized       Code = "unauthorized"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInternal           Code = "internal_error"
	CodeTimeout            Code = "timeout"
	CodeNotSupported       Code = "not_supported"

	// Resource interaction taxonomy.
	CodeGone                       Code = "gone"
	CodeAlreadyDeleted             Code = "already_deleted"
	CodeVersionConflict            Code = "version_conflict"
	CodeIDMismatch                 Code = "id_mismatch"
	CodeInvalidBase                Code = "invalid_base"
	CodeIDsNotMatching             Code = "ids_not_matching"
	CodeAmbiguousConditionalMatch  Code = "ambiguous_conditional_match"
	CodeUpdateAsCreateNotAllowed   Code = "update_as_create_not_allowed"
	CodeUnsupportedSearchParameter Code = "unsupported_search_parameter"
	CodeStorageUnavailable         Code = "storage_unavailable"
)

// Error is a coded domain error. Details carries structured extras such as the
// offending search parameter names.
type Error struct {
	Code    Code
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Details, ", "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails returns e with details appended.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// As extracts the outermost domain error from err's chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether the outermost domain error in err's chain carries code.
func HasCode(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}

// Is is an alias of HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the code of the outermost domain error, or CodeInternal.
func CodeOf(err error) Code {
	if de, ok := As(err); ok {
		return de.Code
	}
	return CodeInternal
}
