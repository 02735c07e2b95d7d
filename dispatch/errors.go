package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/rowhook/event"
)

var (
	// ErrImmediateListener matches every *ImmediateError
	ErrImmediateListener = errors.New("immediate listener failed")

	// ErrDeferredFlush matches every *FlushError
	ErrDeferredFlush = errors.New("deferred flush failed")

	// ErrNoTransaction is returned when resolving a context that carries no
	// active transaction, including a second resolve of the same transaction.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrTransactionActive is returned when beginning on a context whose
	// transaction has not resolved yet.
	ErrTransactionActive = errors.New("transaction already active")
)

// ImmediateError reports the immediate listener that aborted a write.
type ImmediateError struct {
	Listener string
	Event    event.Event
	Err      error
}

func (e *ImmediateError) Error() string {
	return fmt.Sprintf("immediate listener %q failed on %s: %v", e.Listener, e.Event, e.Err)
}

func (e *ImmediateError) Unwrap() []error {
	return []error{ErrImmediateListener, e.Err}
}

// ListenerFailure is one deferred listener that failed during a flush.
type ListenerFailure struct {
	Listener string
	Events   int
	Err      error
}

// FlushError collects every deferred listener failure of one resolution.
// The transaction outcome it reports is final.
type FlushError struct {
	TxnID     uint64
	Committed bool
	Failures  []ListenerFailure
}

func (e *FlushError) Error() string {
	outcome := "rollback"
	if e.Committed {
		outcome = "commit"
	}

	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Listener, f.Err))
	}
	return fmt.Sprintf("deferred flush after %s of txn %d failed for %d listener(s): %s",
		outcome, e.TxnID, len(e.Failures), strings.Join(parts, "; "))
}

func (e *FlushError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrDeferredFlush)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
