// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package engine

import (
	"context"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/targetapi"
)

// NextChunk implements targetapi.ChunkSource: the packer algorithm of
// spec.md §4.6. Each call packs one chunk's worth of not-yet-packed
// files (as returned by a single files_db.list_unpack_files() call)
// and materializes it eagerly into memory, handing the whole buffer
// to the streaming Transfer() sink — a separate lazy Chunk.read() is
// not needed in the forward direction because of this, and is instead
// served on the restore side by the TargetCheckpoint's own
// StorageReader (spec.md §4.3).
//
// Per spec.md's file-per-block simplification adopted by the catalog
// (pkg/catalog.FileBlock doc), each file occupies exactly one block.
func (c *Checkpoint) NextChunk(ctx context.Context) (targetapi.Chunk, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return targetapi.Chunk{}, false, ctx.Err()
		default:
		}

		unpacked, err := c.files.ListUnpackFiles(ctx)
		if err != nil {
			return targetapi.Chunk{}, false, err
		}

		if len(unpacked) == 0 {
			finished, err := c.files.IsScanFinish(ctx)
			if err != nil {
				return targetapi.Chunk{}, false, err
			}
			if finished {
				return targetapi.Chunk{}, false, nil
			}
			if err := c.sourceLocked.WaitNewFile(ctx); err != nil {
				if ctx.Err() != nil {
					return targetapi.Chunk{}, false, ctx.Err()
				}
			}
			continue
		}

		return c.packChunk(ctx, unpacked)
	}
}

func (c *Checkpoint) chunkCapacity() int64 {
	best := int64(0)
	for _, capacity := range c.cfg.ChunkCapacities {
		if capacity > best {
			best = capacity
		}
	}
	if best == 0 {
		best = 4 << 20
	}
	return best
}

// packChunk reads unpacked files into memory and allocates the chunk
// row only once the final buffer size is known, so a single file
// larger than the capacity ladder still satisfies real_len <= capacity
// (spec.md §4.6 property 4) by widening capacity to fit it rather than
// splitting it across chunks.
func (c *Checkpoint) packChunk(ctx context.Context, unpacked []catalog.FileRecord) (targetapi.Chunk, bool, error) {
	capacity := c.chunkCapacity()
	isDelta := c.meta.PrevVersion != nil

	var buf []byte
	var blocks []catalog.FileBlock
	var paths []string

	for _, rec := range unpacked {
		if capacity-int64(len(buf)) < c.cfg.FreeLimit && len(buf) > 0 {
			break
		}

		select {
		case <-ctx.Done():
			return targetapi.Chunk{}, false, ctx.Err()
		default:
		}

		content, err := storage.ReadFull(ctx, c.sourceLocked, rec.Path)
		if err != nil {
			return targetapi.Chunk{}, false, err
		}

		data := content
		isDiffBlock := false
		if isDelta {
			if diff, ok, derr := c.files.FindDiff(ctx, rec.Path); derr == nil && ok {
				data, isDiffBlock = diff, true
			}
		}

		offset := int64(len(buf))
		buf = append(buf, data...)
		paths = append(paths, rec.Path)
		blocks = append(blocks, catalog.FileBlock{
			Path:         rec.Path,
			SourceOffset: 0,
			SourceLength: int64(len(content)),
			ChunkOffset:  offset,
			PackedLength: int64(len(data)),
			IsDiff:       isDiffBlock,
		})
	}

	if int64(len(buf)) > capacity {
		capacity = int64(len(buf))
	}

	ordinal, err := c.chunks.AddNewChunk(ctx, capacity)
	if err != nil {
		return targetapi.Chunk{}, false, err
	}

	for i, block := range blocks {
		if err := c.chunks.AddFileBlock(ctx, ordinal, block); err != nil {
			return targetapi.Chunk{}, false, err
		}
		if err := c.files.MarkPacked(ctx, paths[i]); err != nil {
			return targetapi.Chunk{}, false, err
		}
	}

	compressed := false
	if c.cfg.Compress && len(buf) > 0 {
		packed, err := diffcodec.Compress(buf)
		if err == nil {
			buf = packed
			compressed = true
		}
	}

	if err := c.chunks.SetFinish(ctx, ordinal, compressed); err != nil {
		return targetapi.Chunk{}, false, err
	}

	c.logger.Info("checkpoint.chunk_packed", "ordinal", ordinal, "bytes", len(buf), "compressed", compressed)
	return targetapi.Chunk{Ordinal: ordinal, Data: buf}, true, nil
}
