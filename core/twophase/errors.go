package twophase

import (
	"errors"
	"fmt"
)

// Code classifies an error surfaced to the client.
type Code string

const (
	CodeDuplicateObject        Code = "DUPLICATE_OBJECT"
	CodeInvalidParameterValue  Code = "INVALID_PARAMETER_VALUE"
	CodeOutOfMemory            Code = "OUT_OF_MEMORY"
	CodeUndefinedObject        Code = "UNDEFINED_OBJECT"
	CodeObjectNotInPrereqState Code = "OBJECT_NOT_IN_PREREQUISITE_STATE"
	CodeInsufficientPrivilege  Code = "INSUFFICIENT_PRIVILEGE"
	CodeFeatureNotSupported    Code = "FEATURE_NOT_SUPPORTED"
	CodeProgramLimitExceeded   Code = "PROGRAM_LIMIT_EXCEEDED"
	CodeDataCorrupted          Code = "DATA_CORRUPTED"
)

var (
	ErrGidTooLong          = errors.New("transaction identifier is too long")
	ErrGidNotPrintable     = errors.New("transaction identifier must be printable")
	ErrDuplicateGid        = errors.New("transaction identifier is already in use")
	ErrMaxPreparedXacts    = errors.New("maximum number of prepared transactions reached")
	ErrGidNotFound         = errors.New("prepared transaction does not exist")
	ErrGxactBusy           = errors.New("prepared transaction is busy")
	ErrPermissionDenied    = errors.New("permission denied to finish prepared transaction")
	ErrWrongDatabase       = errors.New("prepared transaction belongs to another database")
	ErrRecordTooLarge      = errors.New("two-phase state file maximum length exceeded")
	ErrIntentLimit         = errors.New("too many append-only commit intents")
	ErrIntentUnderflow     = errors.New("append-only commit intent count would become negative")
	ErrCorruptRecord       = errors.New("two-phase state information is corrupt")
	ErrDuplicateIndexEntry = errors.New("prepared transaction is already in the recovery map")
	ErrNoTransaction       = errors.New("no transaction is in progress")
	ErrNotPreparing        = errors.New("session is not preparing a transaction")
	ErrXidNotPrepared      = errors.New("transaction is not prepared")
	ErrInvalidRmid         = errors.New("invalid two-phase resource manager id")
	ErrRegistrySealed      = errors.New("two-phase resource managers can only be registered at startup")
)

// Error is an error with a client-visible code, as returned by the coordinator.
type Error struct {
	Code    Code
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, err error, hint string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Hint: hint, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
