// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package targetapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

type fakeChunkSource struct {
	chunks []Chunk
	idx    int
}

func (f *fakeChunkSource) NextChunk(_ context.Context) (Chunk, bool, error) {
	if f.idx >= len(f.chunks) {
		return Chunk{}, false, nil
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, true, nil
}

func TestChunklistTargetAcceptsOnlyChunklistMode(t *testing.T) {
	target := NewChunklistTarget(t.TempDir(), core.NopLogger{})
	assert.Equal(t, []taskmode.Mode{taskmode.Chunklist}, target.AcceptModes())
	assert.Equal(t, []diffcodec.Name{diffcodec.NameBlockCopy}, target.SupportedDiffs())
}

func TestChunklistTaskGetLastCheckPointWhenNone(t *testing.T) {
	ctx := context.Background()
	target := NewChunklistTarget(t.TempDir(), core.NopLogger{})

	task, err := target.NewTask(ctx, "entity-1")
	require.NoError(t, err)

	_, ok, err := task.(StreamingFlavor).GetLastCheckPoint(ctx, "entity-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunklistTaskCreateAndGetLastCheckPoint(t *testing.T) {
	ctx := context.Background()
	target := NewChunklistTarget(t.TempDir(), core.NopLogger{})

	task, err := target.NewTask(ctx, "entity-1")
	require.NoError(t, err)
	streaming := task.(StreamingFlavor)

	require.NoError(t, streaming.CreateNewCheckPoint(ctx, "entity-1", taskmode.Chunklist, 3))

	version, ok, err := streaming.GetLastCheckPoint(ctx, "entity-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, version)
}

func TestChunklistCheckpointTransferAndReadBack(t *testing.T) {
	ctx := context.Background()
	target := NewChunklistTarget(t.TempDir(), core.NopLogger{})

	task, err := target.NewTask(ctx, "entity-1")
	require.NoError(t, err)
	streaming := task.(StreamingFlavor)
	require.NoError(t, streaming.CreateNewCheckPoint(ctx, "entity-1", taskmode.Chunklist, 1))

	cp, err := streaming.Checkpoint(ctx, 1)
	require.NoError(t, err)

	src := &fakeChunkSource{chunks: []Chunk{
		{Ordinal: 0, Data: []byte("hello world")},
		{Ordinal: 1, Data: []byte("goodbye")},
	}}
	require.NoError(t, cp.Transfer(ctx, src))
	require.NoError(t, cp.FinishCheckPoint(ctx))
	require.NoError(t, cp.Stop(ctx))
	// Stop must be idempotent.
	require.NoError(t, cp.Stop(ctx))
}

func TestChunklistCheckpointTransferSkipsKnownChunk(t *testing.T) {
	ctx := context.Background()
	target := NewChunklistTarget(t.TempDir(), core.NopLogger{})

	task, err := target.NewTask(ctx, "entity-1")
	require.NoError(t, err)
	streaming := task.(StreamingFlavor)
	require.NoError(t, streaming.CreateNewCheckPoint(ctx, "entity-1", taskmode.Chunklist, 1))

	cp, err := streaming.Checkpoint(ctx, 1)
	require.NoError(t, err)
	cc := cp.(*chunklistCheckpoint)

	require.NoError(t, cc.PutChunk(ctx, 0, "deadbeef", []byte("payload")))
	known, err := cc.CheckChunks(ctx, []string{"deadbeef", "other"})
	require.NoError(t, err)
	assert.True(t, known["deadbeef"])
	assert.False(t, known["other"])
}

func TestChunklistCheckpointRestoreReadsBackUncompressedWholeFileBlock(t *testing.T) {
	ctx := context.Background()
	target := NewChunklistTarget(t.TempDir(), core.NopLogger{})

	task, err := target.NewTask(ctx, "entity-1")
	require.NoError(t, err)
	streaming := task.(StreamingFlavor)
	require.NoError(t, streaming.CreateNewCheckPoint(ctx, "entity-1", taskmode.Chunklist, 1))

	cp, err := streaming.Checkpoint(ctx, 1)
	require.NoError(t, err)
	cc := cp.(*chunklistCheckpoint)

	store, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files := store.Files("task-1", 1)
	chunks := store.Chunks("task-1", 1)
	cc.SetCatalogs(files, chunks, diffcodec.NewRegistry(), nil)

	content := []byte("the quick brown fox")
	require.NoError(t, files.AddFile(ctx, catalog.FileRecord{
		Path:  "a.txt",
		Attrs: storage.ItemAttributes{Kind: storage.ItemKindFile, Size: int64(len(content))},
	}))

	ordinal, err := chunks.AddNewChunk(ctx, 4096)
	require.NoError(t, err)
	require.NoError(t, cc.PutChunk(ctx, ordinal, "hash", content))
	require.NoError(t, chunks.AddFileBlock(ctx, ordinal, catalog.FileBlock{
		Path: "a.txt", SourceLength: int64(len(content)), ChunkOffset: 0, PackedLength: int64(len(content)),
	}))
	require.NoError(t, chunks.SetFinish(ctx, ordinal, false))
	require.NoError(t, files.MarkPacked(ctx, "a.txt"))

	size, err := cc.FileSize(ctx, "a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len(content), size)

	got, err := cc.ReadFile(ctx, "a.txt", 4, 5)
	require.NoError(t, err)
	assert.Equal(t, "quick", string(got))

	all, err := cc.ReadFile(ctx, "a.txt", 0, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, all)
}
