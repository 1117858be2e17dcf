// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors

// Package targetapi defines the Target/TargetTask/TargetCheckpoint
// port surface (spec.md §4.3, §6) and two concrete implementations: a
// streaming chunklist target and a restore-capable local folder
// target.
package targetapi

import (
	"context"

	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/meta"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// Chunk is one packed unit of upload as handed to a streaming
// TargetCheckpoint by the engine's pull callback.
type Chunk struct {
	Ordinal int64
	Data    []byte
}

// ChunkSource is the engine-hosted pull callback a streaming
// TargetCheckpoint's Transfer drains (spec.md §6: "streaming style ...
// plus a pull callback next_chunk on the engine"). NextChunk returns
// ok=false at end-of-stream.
type ChunkSource interface {
	NextChunk(ctx context.Context) (chunk Chunk, ok bool, err error)
}

// ChunkSink is the Put/Patch chunk protocol a streaming target
// exposes, informed by original_source's CheckChunkList/PutChunk/
// PatchChunk sketch (spec.md §11 supplemented features): a target
// that already holds a chunk (by content hash) can skip the upload,
// and one that holds the chunk's predecessor can accept a diff
// instead of the full body.
type ChunkSink interface {
	// CheckChunks reports, for each content hash, whether the target
	// already holds a chunk with that hash.
	CheckChunks(ctx context.Context, hashes []string) (known map[string]bool, err error)
	PutChunk(ctx context.Context, ordinal int64, contentHash string, data []byte) error
	PatchChunk(ctx context.Context, ordinal int64, priorHash string, delta diffcodec.Delta) error
}

// TargetCheckpoint is the per-Checkpoint handle performing the
// upload, and the StorageReader a restore operation reads from.
type TargetCheckpoint interface {
	storage.StorageReader

	// Transfer runs the upload loop in the caller's goroutine,
	// consuming chunks from src until end-of-stream, ctx cancellation,
	// or Stop.
	Transfer(ctx context.Context, src ChunkSource) error

	// Stop cancels an in-flight Transfer. Per spec.md §9 Open
	// Questions, Stop must be idempotent across repeated calls.
	Stop(ctx context.Context) error

	// FinishCheckPoint is invoked by the Checkpoint's target worker once
	// Transfer has drained every chunk without being stopped; the
	// Checkpoint reaches SUCCESS only if it returns nil.
	FinishCheckPoint(ctx context.Context) error
}

// TargetTask is a per-Task handle to a Target, bound to one
// target_param. Concrete implementations additionally satisfy
// FillMetaFlavor or StreamingFlavor; Checkpoint's target worker drives
// only StreamingFlavor, whatever mode was negotiated.
type TargetTask interface {
	// GetLastCheckPoint returns the last Checkpoint version the target
	// knows about for a given source entity id. The engine does not call
	// it: Engine.CreateTask does not consult the target, and Checkpoint
	// versions come from the Task's own counter.
	GetLastCheckPoint(ctx context.Context, sourceEntityID string) (version int64, ok bool, err error)

	// CreateNewCheckPoint registers a new Checkpoint with the target
	// before transfer begins.
	CreateNewCheckPoint(ctx context.Context, entityID string, mode taskmode.Mode, version int64) error
}

// FillMetaFlavor is implemented by targets that must pre-allocate
// storage before a Checkpoint can be described (spec.md §4.3:
// "sector-based stores").
type FillMetaFlavor interface {
	TargetTask
	FillTargetMeta(ctx context.Context, m meta.CheckpointMeta) (filled meta.CheckpointMeta, targetMeta []byte, err error)
	CheckpointFromFilledMeta(ctx context.Context, filled meta.CheckpointMeta, targetMeta []byte) (TargetCheckpoint, error)
}

// StreamingFlavor is implemented by targets that pull chunks from the
// engine's ChunkSource.
type StreamingFlavor interface {
	TargetTask
	Checkpoint(ctx context.Context, version int64) (TargetCheckpoint, error)
}

// Target is a factory for TargetTasks bound to a target_param.
type Target interface {
	AcceptModes() []taskmode.Mode
	SupportedDiffs() []diffcodec.Name
	NewTask(ctx context.Context, targetParam string) (TargetTask, error)
}
