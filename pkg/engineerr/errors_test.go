// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package engineerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	testCases := []struct {
		name     string
		kind     Kind
		expected bool
	}{
		{"UnknownEndpoint", KindUnknownEndpoint, false},
		{"BadParam", KindBadParam, false},
		{"IncompatibleModes", KindIncompatibleModes, false},
		{"SourceUnavailable", KindSourceUnavailable, true},
		{"TargetUnavailable", KindTargetUnavailable, true},
		{"Denied", KindDenied, false},
		{"LockConflict", KindLockConflict, false},
		{"InvalidStatus", KindInvalidStatus, false},
		{"PriorCheckpointUnfinished", KindPriorCheckpointUnfinished, false},
		{"NotReady", KindNotReady, false},
		{"Corruption", KindCorruption, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := New(tc.kind, "op", "message")
			if got := IsRetryable(err); got != tc.expected {
				t.Fatalf("IsRetryable(%s) = %v, want %v", tc.kind, got, tc.expected)
			}
		})
	}
}

func TestIsFatalToCheckpoint(t *testing.T) {
	testCases := []struct {
		name     string
		kind     Kind
		expected bool
	}{
		{"UnknownEndpoint", KindUnknownEndpoint, false},
		{"SourceUnavailable", KindSourceUnavailable, false},
		{"TargetUnavailable", KindTargetUnavailable, false},
		{"LockConflict", KindLockConflict, false},
		{"Corruption", KindCorruption, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := New(tc.kind, "op", "message")
			if got := IsFatalToCheckpoint(err); got != tc.expected {
				t.Fatalf("IsFatalToCheckpoint(%s) = %v, want %v", tc.kind, got, tc.expected)
			}
		})
	}
}

func TestIsRetryableAndFatalOnNonEngineError(t *testing.T) {
	plain := fmt.Errorf("boom")
	if IsRetryable(plain) {
		t.Fatalf("IsRetryable on a non-engine error must be false")
	}
	if IsFatalToCheckpoint(plain) {
		t.Fatalf("IsFatalToCheckpoint on a non-engine error must be false")
	}
}

func TestNew(t *testing.T) {
	err := New(KindBadParam, "Task.CreateCheckpoint", "version must be positive")
	if err.Kind != KindBadParam {
		t.Errorf("Kind = %v, want %v", err.Kind, KindBadParam)
	}
	if err.Op != "Task.CreateCheckpoint" {
		t.Errorf("Op = %q, want %q", err.Op, "Task.CreateCheckpoint")
	}
	if err.Cause != nil {
		t.Errorf("Cause = %v, want nil", err.Cause)
	}
	if err.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil", err.Unwrap())
	}

	want := "Task.CreateCheckpoint: bad_param: version must be positive"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindSourceUnavailable, "SourceTask.ReadFile", "rpc failed", cause)

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}

	want := "SourceTask.ReadFile: source_unavailable: rpc failed: connection reset"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIs(t *testing.T) {
	err := New(KindLockConflict, "Source.LockState", "already locked")
	if !Is(err, KindLockConflict) {
		t.Errorf("Is(err, KindLockConflict) = false, want true")
	}
	if Is(err, KindDenied) {
		t.Errorf("Is(err, KindDenied) = true, want false")
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !Is(wrapped, KindLockConflict) {
		t.Errorf("Is on a wrapped error should still match via errors.As")
	}

	if Is(errors.New("unrelated"), KindLockConflict) {
		t.Errorf("Is on an unrelated error should be false")
	}
}

func TestErrorsAsRoundTrip(t *testing.T) {
	original := New(KindCorruption, "ChunksDB.SetFinish", "chunk length mismatch")
	var target *Error
	if !errors.As(error(original), &target) {
		t.Fatalf("errors.As failed to recover *Error")
	}
	if target.Kind != KindCorruption {
		t.Errorf("recovered Kind = %v, want %v", target.Kind, KindCorruption)
	}
}
