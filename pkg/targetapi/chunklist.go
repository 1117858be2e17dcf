// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package targetapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/core/ratelimit"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/engineerr"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// ChunklistTarget is a streaming Target representing a generic
// chunk-addressed store realized here as a local directory tree so
// the engine core can be exercised without a concrete wire protocol
// (out of scope per spec.md §1). RPC calls into it are wrapped in a
// backoff/circuit-breaker pair, simulating a remote target that can be
// transiently unavailable.
type ChunklistTarget struct {
	root   string
	logger core.Logger
}

// NewChunklistTarget returns a ChunklistTarget storing every task's
// chunks under root.
func NewChunklistTarget(root string, logger core.Logger) *ChunklistTarget {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &ChunklistTarget{root: root, logger: logger}
}

func (t *ChunklistTarget) AcceptModes() []taskmode.Mode   { return []taskmode.Mode{taskmode.Chunklist} }
func (t *ChunklistTarget) SupportedDiffs() []diffcodec.Name {
	return []diffcodec.Name{diffcodec.NameBlockCopy}
}

func (t *ChunklistTarget) NewTask(_ context.Context, targetParam string) (TargetTask, error) {
	dir := filepath.Join(t.root, targetParam)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "ChunklistTarget.NewTask", "mkdir", err)
	}
	return &chunklistTask{
		dir:     dir,
		logger:  t.logger.With("target_param", targetParam),
		backoff: ratelimit.DefaultBackoff(),
		breaker: ratelimit.NewCircuitBreaker(nil),
	}, nil
}

type entityState struct {
	EntityID     string `json:"entity_id"`
	Mode         int    `json:"mode"`
	LastVersion  int64  `json:"last_version"`
	HasCheckpoint bool  `json:"has_checkpoint"`
}

type chunklistTask struct {
	dir     string
	logger  core.Logger
	backoff ratelimit.BackoffStrategy
	breaker *ratelimit.CircuitBreaker

	mu     sync.Mutex
	entity entityState
}

func (t *chunklistTask) entityPath(entityID string) string {
	return filepath.Join(t.dir, "entity-"+sanitize(entityID)+".json")
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}

func (t *chunklistTask) GetLastCheckPoint(_ context.Context, sourceEntityID string) (int64, bool, error) {
	data, err := os.ReadFile(t.entityPath(sourceEntityID))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, engineerr.Wrap(engineerr.KindTargetUnavailable, "ChunklistTask.GetLastCheckPoint", "read", err)
	}
	var st entityState
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, false, engineerr.Wrap(engineerr.KindCorruption, "ChunklistTask.GetLastCheckPoint", "unmarshal", err)
	}
	if !st.HasCheckpoint {
		return 0, false, nil
	}
	return st.LastVersion, true, nil
}

func (t *chunklistTask) CreateNewCheckPoint(_ context.Context, entityID string, mode taskmode.Mode, version int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := entityState{EntityID: entityID, Mode: int(mode), LastVersion: version, HasCheckpoint: true}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("chunklist_task: marshal entity state: %w", err)
	}
	if err := os.WriteFile(t.entityPath(entityID), data, 0o644); err != nil {
		return engineerr.Wrap(engineerr.KindTargetUnavailable, "ChunklistTask.CreateNewCheckPoint", "write", err)
	}
	t.entity = st
	return nil
}

func (t *chunklistTask) Checkpoint(_ context.Context, version int64) (TargetCheckpoint, error) {
	dir := filepath.Join(t.dir, "v"+strconv.FormatInt(version, 10))
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "ChunklistTask.Checkpoint", "mkdir", err)
	}
	return &chunklistCheckpoint{
		dir:         dir,
		logger:      t.logger.With("version", version),
		backoff:     ratelimit.DefaultBackoff(),
		breaker:     ratelimit.NewCircuitBreaker(nil),
		knownHashes: make(map[string]int64),
	}, nil
}

var _ StreamingFlavor = (*chunklistTask)(nil)

// chunklistCheckpoint is the per-Checkpoint TargetCheckpoint: it
// stores one file per chunk ordinal under dir/chunks, and — when
// wired to the Checkpoint's own catalogs via SetCatalogs — serves the
// restore-direction StorageReader by reconstructing files from their
// recorded blocks.
type chunklistCheckpoint struct {
	dir     string
	logger  core.Logger
	backoff ratelimit.BackoffStrategy
	breaker *ratelimit.CircuitBreaker

	mu          sync.Mutex
	stopped     bool
	knownHashes map[string]int64

	files       *catalog.FilesDB
	chunks      *catalog.ChunksDB
	diffs       *diffcodec.Registry
	baseContent func(ctx context.Context, path string) ([]byte, error)
}

// SetCatalogs wires the catalogs and diff registry needed to serve
// StorageReader reads for restore. baseContent, if non-nil, resolves
// the full content of path in the prior Checkpoint version, needed to
// apply a diff block.
func (c *chunklistCheckpoint) SetCatalogs(files *catalog.FilesDB, chunks *catalog.ChunksDB, diffs *diffcodec.Registry, baseContent func(ctx context.Context, path string) ([]byte, error)) {
	c.files = files
	c.chunks = chunks
	c.diffs = diffs
	c.baseContent = baseContent
}

func (c *chunklistCheckpoint) chunkPath(ordinal int64) string {
	return filepath.Join(c.dir, "chunks", strconv.FormatInt(ordinal, 10)+".bin")
}

// CheckChunks reports which of hashes this checkpoint already has a
// chunk for, letting the engine skip re-uploading identical chunks
// (spec.md §11 supplemented features).
func (c *chunklistCheckpoint) CheckChunks(_ context.Context, hashes []string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		_, ok := c.knownHashes[h]
		out[h] = ok
	}
	return out, nil
}

func (c *chunklistCheckpoint) PutChunk(ctx context.Context, ordinal int64, contentHash string, data []byte) error {
	return c.withRetry(ctx, "PutChunk", func(ctx context.Context) error {
		if err := os.WriteFile(c.chunkPath(ordinal), data, 0o644); err != nil {
			return err
		}
		c.mu.Lock()
		c.knownHashes[contentHash] = ordinal
		c.mu.Unlock()
		return nil
	})
}

func (c *chunklistCheckpoint) PatchChunk(ctx context.Context, ordinal int64, _ string, delta diffcodec.Delta) error {
	return c.withRetry(ctx, "PatchChunk", func(ctx context.Context) error {
		base, err := os.ReadFile(c.chunkPath(ordinal))
		if err != nil {
			return err
		}
		algo, ok := c.diffs.Get(diffcodec.NameBlockCopy)
		if !ok {
			return fmt.Errorf("targetapi: no diff algorithm registered")
		}
		patched, err := algo.Apply(base, delta)
		if err != nil {
			return err
		}
		return os.WriteFile(c.chunkPath(ordinal), patched, 0o644)
	})
}

func (c *chunklistCheckpoint) withRetry(ctx context.Context, op string, fn ratelimit.RetryableFunc) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return ratelimit.RetryWithBackoff(ctx, fn, c.backoff, ratelimit.IsRetryableError)
	})
	if err != nil {
		c.logger.Warn("target.rpc_failed", "op", op, "error", err.Error())
		return engineerr.Wrap(engineerr.KindTargetUnavailable, "ChunklistCheckpoint."+op, "rpc failed", err)
	}
	return nil
}

// Transfer drains src until end-of-stream, ctx cancellation, or Stop.
func (c *chunklistCheckpoint) Transfer(ctx context.Context, src ChunkSource) error {
	for {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, ok, err := src.NextChunk(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		sum := sha256.Sum256(chunk.Data)
		hash := hex.EncodeToString(sum[:])

		known, err := c.CheckChunks(ctx, []string{hash})
		if err != nil {
			return err
		}
		if known[hash] {
			c.logger.Debug("target.chunk_skipped", "ordinal", chunk.Ordinal, "hash", hash)
			continue
		}

		if err := c.PutChunk(ctx, chunk.Ordinal, hash, chunk.Data); err != nil {
			return err
		}
		c.logger.Info("target.chunk_uploaded", "ordinal", chunk.Ordinal, "bytes", len(chunk.Data))
	}
}

func (c *chunklistCheckpoint) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *chunklistCheckpoint) FinishCheckPoint(_ context.Context) error {
	return os.WriteFile(filepath.Join(c.dir, "finished"), []byte("1"), 0o644)
}

// --- restore-direction StorageReader ---
//
// Every file is assumed to occupy exactly one block (the in-tree
// packer never splits a single file's content across chunks); this
// keeps reconstruction a single block lookup instead of a merge
// across chunks, at the cost of large files needing their own chunk.

func (c *chunklistCheckpoint) findBlock(ctx context.Context, path string) (catalog.FileBlock, int64, error) {
	if c.chunks == nil {
		return catalog.FileBlock{}, 0, engineerr.New(engineerr.KindNotReady, "ChunklistCheckpoint.findBlock", "catalogs not wired for restore")
	}
	recs, err := c.chunks.List(ctx)
	if err != nil {
		return catalog.FileBlock{}, 0, err
	}
	for _, rec := range recs {
		for _, b := range rec.Blocks {
			if b.Path == path {
				return b, rec.Ordinal, nil
			}
		}
	}
	return catalog.FileBlock{}, 0, engineerr.New(engineerr.KindBadParam, "ChunklistCheckpoint.findBlock", "no such path: "+path)
}

func (c *chunklistCheckpoint) materialize(ctx context.Context, path string) ([]byte, error) {
	block, ordinal, err := c.findBlock(ctx, path)
	if err != nil {
		return nil, err
	}

	rec, err := c.chunks.Get(ctx, ordinal)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(c.chunkPath(ordinal))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "ChunklistCheckpoint.materialize", "read chunk", err)
	}
	if rec.Compressed {
		raw, err = diffcodec.Decompress(raw)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.KindCorruption, "ChunklistCheckpoint.materialize", "decompress", err)
		}
	}

	packed := raw[block.ChunkOffset : block.ChunkOffset+block.PackedLength]
	if !block.IsDiff {
		return packed, nil
	}

	if c.baseContent == nil {
		return nil, engineerr.New(engineerr.KindCorruption, "ChunklistCheckpoint.materialize", "diff block but no base content provider")
	}
	base, err := c.baseContent(ctx, path)
	if err != nil {
		return nil, err
	}
	delta, err := decodeDelta(packed)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindCorruption, "ChunklistCheckpoint.materialize", "decode delta", err)
	}
	algo, ok := c.diffs.Get(diffcodec.NameBlockCopy)
	if !ok {
		return nil, engineerr.New(engineerr.KindCorruption, "ChunklistCheckpoint.materialize", "no diff algorithm registered")
	}
	out, err := algo.Apply(base, delta)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindCorruption, "ChunklistCheckpoint.materialize", "apply delta", err)
	}
	return out, nil
}

func (c *chunklistCheckpoint) ReadDir(ctx context.Context, path string) ([]storage.DirEntry, error) {
	if c.files == nil {
		return nil, engineerr.New(engineerr.KindNotReady, "ChunklistCheckpoint.ReadDir", "catalogs not wired for restore")
	}
	all, err := c.files.ListAllFiles(ctx)
	if err != nil {
		return nil, err
	}

	prefix := path
	if prefix != "" {
		prefix += "/"
	}
	dirs := map[string]bool{}
	out := map[string]storage.DirEntry{}
	for _, rec := range all {
		if !strings.HasPrefix(rec.Path, prefix) || rec.Path == path {
			continue
		}
		rest := strings.TrimPrefix(rec.Path, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			dirName := rest[:idx]
			if !dirs[dirName] {
				dirs[dirName] = true
				out[dirName] = storage.DirEntry{Name: dirName, Attrs: storage.ItemAttributes{Kind: storage.ItemKindDir}}
			}
			continue
		}
		out[rest] = storage.DirEntry{Name: rest, Attrs: rec.Attrs}
	}

	entries := make([]storage.DirEntry, 0, len(out))
	for _, e := range out {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *chunklistCheckpoint) FileSize(ctx context.Context, path string) (int64, error) {
	if c.files == nil {
		return 0, engineerr.New(engineerr.KindNotReady, "ChunklistCheckpoint.FileSize", "catalogs not wired for restore")
	}
	rec, err := c.files.GetFile(ctx, path)
	if err != nil {
		return 0, err
	}
	return rec.Attrs.Size, nil
}

func (c *chunklistCheckpoint) ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	content, err := c.materialize(ctx, path)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(content)) {
		return []byte{}, io.EOF
	}
	end := offset + length
	if end > int64(len(content)) {
		return content[offset:], io.EOF
	}
	return content[offset:end], nil
}

func (c *chunklistCheckpoint) ReadLink(ctx context.Context, path string) (string, error) {
	if c.files == nil {
		return "", engineerr.New(engineerr.KindNotReady, "ChunklistCheckpoint.ReadLink", "catalogs not wired for restore")
	}
	rec, err := c.files.GetFile(ctx, path)
	if err != nil {
		return "", err
	}
	return rec.Attrs.LinkTarget, nil
}

func (c *chunklistCheckpoint) Stat(ctx context.Context, path string) (storage.ItemAttributes, error) {
	if c.files == nil {
		return storage.ItemAttributes{}, engineerr.New(engineerr.KindNotReady, "ChunklistCheckpoint.Stat", "catalogs not wired for restore")
	}
	rec, err := c.files.GetFile(ctx, path)
	if err != nil {
		return storage.ItemAttributes{}, err
	}
	return rec.Attrs, nil
}

var _ TargetCheckpoint = (*chunklistCheckpoint)(nil)
var _ Target = (*ChunklistTarget)(nil)
