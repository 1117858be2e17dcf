// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors

// Package engineerr defines the backup engine's error taxonomy: a
// closed set of Kinds, each fatal to a different scope (a single call,
// the active Checkpoint, or nothing at all once retried).
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories named in the engine's error
// handling design. Kind is comparable so callers can switch on it
// after a single errors.As.
type Kind string

const (
	// KindUnknownEndpoint means a source or target id was never registered.
	KindUnknownEndpoint Kind = "unknown_endpoint"
	// KindBadParam means a caller-supplied parameter failed validation.
	KindBadParam Kind = "bad_param"
	// KindIncompatibleModes means no task mode is common to the source and target.
	KindIncompatibleModes Kind = "incompatible_modes"
	// KindSourceUnavailable means a source RPC failed transiently; retryable.
	KindSourceUnavailable Kind = "source_unavailable"
	// KindTargetUnavailable means a target RPC failed transiently; retryable.
	KindTargetUnavailable Kind = "target_unavailable"
	// KindDenied means a remote endpoint rejected the call on authorization grounds.
	KindDenied Kind = "denied"
	// KindLockConflict means a second lock was taken while one was already held.
	KindLockConflict Kind = "lock_conflict"
	// KindInvalidStatus means a state-machine transition was rejected.
	KindInvalidStatus Kind = "invalid_status"
	// KindPriorCheckpointUnfinished means a Task already has a non-terminal Checkpoint.
	KindPriorCheckpointUnfinished Kind = "prior_checkpoint_unfinished"
	// KindNotReady means a reader read ahead of the packer.
	KindNotReady Kind = "not_ready"
	// KindCorruption means a catalog invariant was violated; fatal to the Checkpoint.
	KindCorruption Kind = "corruption"
)

// Error is the concrete type every engine-raised error satisfies.
// It wraps an optional cause so errors.Unwrap and errors.Is keep
// working against the underlying RPC or storage error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "Task.lock_source"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error kind is one a caller's RPC
// retry/backoff loop should attempt again (spec.md §7: "transient
// remote failures; retried by the worker").
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindSourceUnavailable, KindTargetUnavailable:
		return true
	default:
		return false
	}
}

// IsFatalToCheckpoint reports whether the error kind, once it surfaces
// from a worker, must transition the owning Checkpoint to FAILED.
func IsFatalToCheckpoint(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindCorruption:
		return true
	default:
		return false
	}
}
