package models

import (
	"encoding/json"
	"errors"

	"github.com/benmeehan/boxrelay/internal/constants"
)

// Failure is a tagged relay error. Two failures are equal under errors.Is when
// their reasons match, so the sentinels below work with wrapped values.
type Failure struct {
	Reason  string
	Message string
	Detail  json.RawMessage
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Reason
	}
	return f.Reason + ": " + f.Message
}

// Is reports whether target is a Failure with the same reason.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Reason == f.Reason
}

// NewFailure builds a failure with an optional message.
func NewFailure(reason, message string) *Failure {
	return &Failure{Reason: reason, Message: message}
}

var (
	ErrInvalidKey         = &Failure{Reason: constants.ReasonInvalidKey}
	ErrRevoked            = &Failure{Reason: constants.ReasonRevoked}
	ErrInactiveBox        = &Failure{Reason: constants.ReasonInactiveBox}
	ErrHardwareMismatch   = &Failure{Reason: constants.ReasonHardwareMismatch}
	ErrUnsupportedVersion = &Failure{Reason: constants.ReasonUnsupportedVersion}
	ErrCapacityExceeded   = &Failure{Reason: constants.ReasonCapacityExceeded}

	ErrBoxOffline     = &Failure{Reason: constants.ReasonBoxOffline}
	ErrTimeout        = &Failure{Reason: constants.ReasonTimeout}
	ErrConnectionLost = &Failure{Reason: constants.ReasonConnectionLost}
	ErrBoxError       = &Failure{Reason: constants.ReasonBoxError}
	ErrInvalidArgs    = &Failure{Reason: constants.ReasonInvalidArgs}
	ErrCancelled      = &Failure{Reason: constants.ReasonCancelled}
)

// ReasonOf extracts the reason code carried by err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return constants.ReasonInternalError
}

// FailedResult builds a CommandResult from an error.
func FailedResult(err error) CommandResult {
	res := CommandResult{OK: false, Error: ReasonOf(err)}
	var f *Failure
	if errors.As(err, &f) {
		res.Detail = f.Detail
	}
	return res
}
