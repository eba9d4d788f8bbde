// Package emvutils decodes smart card ATRs, discovers payment applications
// via the Payment System Environment and the list-of-AIDs fallback, and
// selects an application, producing the EMV File Control Information needed
// before transaction processing begins.
package emvutils

import (
	"errors"
	"fmt"
)

// Sentinel errors distinguishing the three bands a caller must react to
// differently: programmer faults are never mapped onto a card outcome,
// transport faults always terminate the session, and the protocol result
// band (see TalResult in pkg/emv) is continuable and is not modeled as an
// error at all.
var (
	// ErrInternal marks a programmer fault: a bug or a caller misuse that no
	// retry or fallback can paper over.
	ErrInternal = errors.New("internal error")
	// ErrInvalidParameter marks a caller-supplied argument that violates a
	// precondition (e.g. a candidate index out of range in Session.Select).
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrReaderFailure marks an I/O failure talking to the card reader.
	ErrReaderFailure = errors.New("reader failure")
	// ErrInvalidResponse marks a response APDU shorter than the mandatory
	// 2-byte status word.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrCardError marks a session-terminating card-side failure: an ATR
	// that fails ISO or EMV validation, or a TAL error-band result promoted
	// to the session outcome.
	ErrCardError = errors.New("card error")
	// ErrCardBlocked marks a card that has signalled it will not proceed
	// with any application (a first-command 6A81 during PSE or selection).
	ErrCardBlocked = errors.New("card blocked")
	// ErrNotAccepted marks a session that reached an empty candidate list
	// with no further fallback to try.
	ErrNotAccepted = errors.New("not accepted")
)

// Internal wraps an underlying cause as a programmer fault.
func Internal(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}

// InvalidParameter wraps an underlying cause as an invalid-parameter fault.
func InvalidParameter(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidParameter)...)
}

// ReaderFailure wraps an underlying cause as a reader I/O fault.
func ReaderFailure(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrReaderFailure)...)
}

// InvalidResponse wraps an underlying cause as a malformed-response fault.
func InvalidResponse(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidResponse)...)
}
