package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a state failure and decides what the poller does next.
type Kind int

const (
	// KindRetry re-queues the file after the next backoff interval.
	KindRetry Kind = iota
	// KindRetryBlockInput retries like KindRetry and pauses intake for the folder.
	KindRetryBlockInput
	// KindAbort moves the file to the error area.
	KindAbort
	// KindInternal is an invariant violation; logged at error level, then aborted.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindRetry:
		return "RETRY"
	case KindRetryBlockInput:
		return "RETRY_BLOCK_INPUT"
	case KindAbort:
		return "ABORT"
	case KindInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Retryable reports whether the kind is eligible for the backoff table.
func (k Kind) Retryable() bool {
	return k == KindRetry || k == KindRetryBlockInput
}

// StateError is returned by state execution.
type StateError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *StateError) Error() string {
	msg := e.Msg
	if e.Kind == KindInternal {
		msg = "Internal Error: " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func Fail(kind Kind, msg string, err error) *StateError {
	return &StateError{Kind: kind, Msg: msg, Err: err}
}

func Retry(msg string, err error) *StateError { return Fail(KindRetry, msg, err) }
func Abort(msg string, err error) *StateError { return Fail(KindAbort, msg, err) }
func Internal(msg string) *StateError { return Fail(KindInternal, msg, nil) }
func BlockInput(msg string, err error) *StateError { return Fail(KindRetryBlockInput, msg, err) }

// KindOf classifies err. Errors that are not a *StateError are terminal.
func KindOf(err error) Kind {
	var se *StateError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindAbort
}
