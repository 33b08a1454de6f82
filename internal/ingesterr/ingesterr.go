// Package ingesterr defines the outcome taxonomy for a message that fails
// somewhere in the ingest pipeline (spec.md §7 "Error handling"). It
// generalizes the status-plus-cause shape visible at every
// auth.AuthErr-returning call site in the teacher (server/auth/token/auth_token.go):
// a small fixed set of kinds the caller switches on, each wrapping an
// underlying cause via github.com/cockroachdb/errors so the original stack
// and any storage error survive for logging.
package ingesterr

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies how the ingest pipeline should react to a failure.
type Kind int

const (
	// KindDeliver means the message is persisted into its resolved chat
	// and surfaced normally.
	KindDeliver Kind = iota
	// KindDrop means the message must be silently discarded: duplicate
	// Message-ID, MDN with no matching original, or similar (spec.md §4.7).
	KindDrop
	// KindTrash means the message is well-formed but its sender or chat is
	// blocked; it is persisted into the reserved Trash chat rather than
	// its resolved chat (spec.md §3, ChatIDTrash).
	KindTrash
	// KindRetryable means a transient error occurred (network, lock
	// contention) and the whole message should be reattempted from the
	// top of the pipeline.
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindDeliver:
		return "deliver"
	case KindDrop:
		return "drop"
	case KindTrash:
		return "trash"
	case KindRetryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by ingest pipeline stages.
type Error struct {
	Kind  Kind
	Stage string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Stage + ": " + e.Kind.String()
	}
	return e.Stage + ": " + e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error wrapping cause with errors.Wrap so the stack trace at
// the origin is preserved, matching cockroachdb/errors' intended use.
func New(kind Kind, stage string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, cause: errors.Wrap(cause, stage)}
}

// Drop builds a KindDrop error whose cause carries only the given reason,
// for expected, silent discards (duplicate Message-ID, orphan MDN).
func Drop(stage, reason string) *Error {
	return &Error{Kind: KindDrop, Stage: stage, cause: errors.New(reason)}
}

// Is reports whether err is an *Error of the given kind, unwrapping through
// any wrapping errors.Wrap/errors.Join layers.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
