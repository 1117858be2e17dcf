// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors

// Package sourceapi defines the Source/SourceTask/SourceLocked port
// surface (spec.md §4.2, §6) and a local-directory implementation.
// The RPC surface named in spec.md §6 — original_state, lock_state,
// restore_state plus the StorageReader methods — is modeled as a Go
// interface rather than the original's dynamic rpc_call(url, method,
// params), per spec.md §9 REDESIGN FLAGS.
package sourceapi

import (
	"context"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// SourceLocked is the view-handle returned by SourceTask.Locked; it
// implements StorageReader over the frozen snapshot and drives the
// source-side enumeration pipeline into a Checkpoint's files_db.
type SourceLocked interface {
	storage.StorageReader

	// Prepare triggers the enumeration pipeline: it walks the locked
	// view, adds a FileRecord per file and symlink to files
	// (directories are walked but not recorded), and calls
	// files.SetScanFinish when the walk completes. Prepare runs until
	// ctx is cancelled or the walk finishes; the engine runs it to
	// completion before starting the source and target workers.
	Prepare(ctx context.Context, files *catalog.FilesDB) error

	// IsFilesScanFinish reports whether Prepare has completed.
	IsFilesScanFinish(ctx context.Context) (bool, error)

	// WaitNewFile blocks until files_db grows or the scan finishes.
	WaitNewFile(ctx context.Context) error
}

// SourceTask is a per-Task handle to a Source, bound to one
// source_param.
type SourceTask interface {
	// OriginalState returns an opaque token describing the source's
	// current logical state.
	OriginalState(ctx context.Context) (string, error)

	// LockState atomically enters locked mode, returning an opaque
	// locked token private to the implementation.
	LockState(ctx context.Context, originalState string) (lockedToken string, err error)

	// UnlockState releases the lock taken under originalState and
	// restores the source's externally observable state.
	UnlockState(ctx context.Context, originalState string) error

	// Locked returns a SourceLocked bound to lockedStateID/lockedToken.
	Locked(ctx context.Context, lockedStateID, lockedToken string) (SourceLocked, error)
}

// Source is a factory for SourceTasks bound to a source_param (a
// filesystem path, for the local-directory implementation).
type Source interface {
	OutputModes() []taskmode.Mode
	SupportedDiffs() []diffcodec.Name
	NewTask(ctx context.Context, sourceParam string) (SourceTask, error)
}
