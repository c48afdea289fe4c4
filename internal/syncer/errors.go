package syncer

import (
	"errors"
	"fmt"

	"github.com/statesync/statesync/internal/remote"
	"github.com/statesync/statesync/internal/schema"
)

var (
	// ErrSyncInProgress reports a cycle requested while one is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnknownRef reports a content lookup for a reference this
	// machine has no record of.
	ErrUnknownRef = errors.New("unknown sync reference")
)

// Code classifies a sync failure for the auto-sync coordinator.
type Code int

const (
	CodeUnknown Code = iota
	CodeConflict
	CodeTurnedOff
	CodeSessionExpired
	CodeTooManyRequests
	CodeInProgress
)

func (c Code) String() string {
	switch c {
	case CodeConflict:
		return "conflict"
	case CodeTurnedOff:
		return "turned-off"
	case CodeSessionExpired:
		return "session-expired"
	case CodeTooManyRequests:
		return "too-many-requests"
	case CodeInProgress:
		return "in-progress"
	default:
		return "unknown"
	}
}

// Error is a classified sync failure for one resource kind.
type Error struct {
	Kind schema.Kind
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync %s failed (%s): %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps err in an Error with the code derived from the
// remote sentinels.
func Classify(kind schema.Kind, err error) error {
	if err == nil {
		return nil
	}
	code := CodeUnknown
	switch {
	case errors.Is(err, remote.ErrPreconditionFailed):
		code = CodeConflict
	case errors.Is(err, remote.ErrTurnedOff):
		code = CodeTurnedOff
	case errors.Is(err, remote.ErrSessionExpired):
		code = CodeSessionExpired
	case errors.Is(err, remote.ErrTooManyRequests):
		code = CodeTooManyRequests
	case errors.Is(err, ErrSyncInProgress):
		code = CodeInProgress
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

// CodeOf extracts the failure code from err, CodeUnknown when err is
// not a classified sync error.
func CodeOf(err error) Code {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return CodeUnknown
}
