// Package errors re-exports github.com/cockroachdb/errors and defines the
// failure taxonomy shared by the gate coordinator.
//
// Callers classify failures with Is against the sentinels below; wrapping
// with Wrap/Wrapf keeps the sentinel reachable.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark
)

var (
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	FlattenHints = crdb.FlattenHints
)

// Ingress.
var (
	// ErrParse marks a capture notification that could not be decoded.
	ErrParse = New("malformed capture notification")

	// ErrUnboundStation marks a face event from a station with no gate direction.
	ErrUnboundStation = New("station has no gate direction")

	// ErrProtocol marks an event that contradicts the pair already pending.
	ErrProtocol = New("capture protocol violation")
)

// Recognition services.
var (
	// ErrServiceFailure marks a non-success or unparsable answer from OCR or face matching.
	ErrServiceFailure = New("recognition service failure")

	// ErrNoPlate marks an OCR answer that recognised no plate.
	ErrNoPlate = New("no plate recognised")
)

// Store.
var (
	ErrStoreFailure = New("store failure")
	ErrNotFound     = New("not found")

	// ErrRejected marks a slot mutation that would leave [0, capacity].
	ErrRejected = New("slot counter at bound")

	// ErrConflict marks an optimistic write that kept losing to concurrent writers.
	ErrConflict = New("concurrent update conflict")

	// ErrAlreadyOut marks a session whose isOut flag is already set.
	ErrAlreadyOut = New("session already out")
)

// Control flow.
var (
	ErrTimeout = New("operation timed out")
	ErrAborted = New("crossing aborted")
)

// MarkStore wraps err as a store failure while keeping any domain sentinel
// (not found, rejected, conflict, already out) it already carries.
func MarkStore(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrStoreFailure)
}

// IsStoreFault reports whether err is a store failure that is not one of the
// expected domain outcomes.
func IsStoreFault(err error) bool {
	if err == nil {
		return false
	}
	if IsAny(err, ErrNotFound, ErrRejected, ErrAlreadyOut) {
		return false
	}
	return Is(err, ErrStoreFailure)
}
