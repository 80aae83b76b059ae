package reconciler

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound         = errors.New("file not found")
	ErrAlreadyConverted     = errors.New("file is already converted")
	ErrConversionFailed     = errors.New("file conversion failed")
	ErrConversionWaiting    = errors.New("file conversion is waiting")
	ErrConversionInProgress = errors.New("file is converting")
	ErrConversionNotStarted = errors.New("file conversion has not been started")
)

// RemoteQueryError means the conversion status could not be read. It never
// causes a step transition and is safe to retry.
type RemoteQueryError struct {
	FileID string
	TaskID string
	Cause  error
}

func (e *RemoteQueryError) Error() string {
	return fmt.Sprintf("query conversion task %s for file %s: %v", e.TaskID, e.FileID, e.Cause)
}

func (e *RemoteQueryError) Unwrap() error {
	return e.Cause
}

// Kind is the discriminated outcome of a reconciliation.
type Kind int

const (
	KindSuccess Kind = iota
	KindRecordNotFound
	KindAlreadyConverted
	KindConversionFailed
	KindConversionWaiting
	KindConversionInProgress
	KindConversionNotStarted
	KindRemoteQuery
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRecordNotFound:
		return "record_not_found"
	case KindAlreadyConverted:
		return "already_converted"
	case KindConversionFailed:
		return "conversion_failed"
	case KindConversionWaiting:
		return "conversion_waiting"
	case KindConversionInProgress:
		return "conversion_in_progress"
	case KindConversionNotStarted:
		return "conversion_not_started"
	case KindRemoteQuery:
		return "remote_query_error"
	default:
		return "internal"
	}
}

// Transient reports whether polling again later may produce a different result.
func (k Kind) Transient() bool {
	switch k {
	case KindConversionWaiting, KindConversionInProgress, KindRemoteQuery, KindInternal:
		return true
	}
	return false
}

// KindOf maps any error returned by FinishConversion to its Kind.
func KindOf(err error) Kind {
	var remoteErr *RemoteQueryError
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, ErrFileNotFound):
		return KindRecordNotFound
	case errors.Is(err, ErrAlreadyConverted):
		return KindAlreadyConverted
	case errors.Is(err, ErrConversionFailed):
		return KindConversionFailed
	case errors.Is(err, ErrConversionWaiting):
		return KindConversionWaiting
	case errors.Is(err, ErrConversionInProgress):
		return KindConversionInProgress
	case errors.Is(err, ErrConversionNotStarted):
		return KindConversionNotStarted
	case errors.As(err, &remoteErr):
		return KindRemoteQuery
	default:
		return KindInternal
	}
}
