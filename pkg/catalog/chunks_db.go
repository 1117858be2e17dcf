// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// ChunksDB is a chunks_db handle scoped to one Task's one Checkpoint
// version.
type ChunksDB struct {
	store   *Store
	taskID  string
	version int64
}

// AddNewChunk allocates the next chunk ordinal and returns it.
func (c *ChunksDB) AddNewChunk(ctx context.Context, capacity int64) (int64, error) {
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chunks_db: add_new_chunk: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var maxOrdinal sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(ordinal) FROM chunks WHERE task_id = ? AND version = ?`,
		c.taskID, c.version).Scan(&maxOrdinal); err != nil {
		return 0, fmt.Errorf("chunks_db: add_new_chunk: %w", err)
	}
	next := int64(0)
	if maxOrdinal.Valid {
		next = maxOrdinal.Int64 + 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (task_id, version, ordinal, capacity) VALUES (?, ?, ?, ?)`,
		c.taskID, c.version, next, capacity); err != nil {
		return 0, fmt.Errorf("chunks_db: add_new_chunk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chunks_db: add_new_chunk: commit: %w", err)
	}
	return next, nil
}

// AddFileBlock appends a file-block to the chunk at ordinal and
// advances its real length.
func (c *ChunksDB) AddFileBlock(ctx context.Context, ordinal int64, block FileBlock) error {
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chunks_db: add_file_block: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM chunk_blocks WHERE task_id = ? AND version = ? AND ordinal = ?`,
		c.taskID, c.version, ordinal).Scan(&seq); err != nil {
		return fmt.Errorf("chunks_db: add_file_block: %w", err)
	}
	nextSeq := int64(0)
	if seq.Valid {
		nextSeq = seq.Int64 + 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunk_blocks (task_id, version, ordinal, seq, path, source_offset, source_length, chunk_offset, packed_length, is_diff)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.taskID, c.version, ordinal, nextSeq, block.Path, block.SourceOffset, block.SourceLength, block.ChunkOffset, block.PackedLength, boolToInt(block.IsDiff)); err != nil {
		return fmt.Errorf("chunks_db: add_file_block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chunks SET real_len = real_len + ? WHERE task_id = ? AND version = ? AND ordinal = ?`,
		block.PackedLength, c.taskID, c.version, ordinal); err != nil {
		return fmt.Errorf("chunks_db: add_file_block: update real_len: %w", err)
	}

	return tx.Commit()
}

// SetFinish marks the chunk at ordinal closed/immutable, ready to
// upload, per spec.md §3's one-way open->closed->uploaded transition.
func (c *ChunksDB) SetFinish(ctx context.Context, ordinal int64, compressed bool) error {
	res, err := c.store.db.ExecContext(ctx, `
		UPDATE chunks SET finished = 1, compressed = ? WHERE task_id = ? AND version = ? AND ordinal = ?`,
		boolToInt(compressed), c.taskID, c.version, ordinal)
	if err != nil {
		return fmt.Errorf("chunks_db: set_finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunks_db: set_finish: no such chunk ordinal=%d", ordinal)
	}
	return nil
}

// Get returns one chunk and its blocks, in block-append order.
func (c *ChunksDB) Get(ctx context.Context, ordinal int64) (ChunkRecord, error) {
	var rec ChunkRecord
	var finished, compressed int
	err := c.store.db.QueryRowContext(ctx, `
		SELECT ordinal, capacity, real_len, compressed, finished FROM chunks
		WHERE task_id = ? AND version = ? AND ordinal = ?`,
		c.taskID, c.version, ordinal).Scan(&rec.Ordinal, &rec.Capacity, &rec.RealLen, &compressed, &finished)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("chunks_db: get ordinal=%d: %w", ordinal, err)
	}
	rec.Finished = finished != 0
	rec.Compressed = compressed != 0

	blocks, err := c.blocksFor(ctx, ordinal)
	if err != nil {
		return ChunkRecord{}, err
	}
	rec.Blocks = blocks
	return rec, nil
}

func (c *ChunksDB) blocksFor(ctx context.Context, ordinal int64) ([]FileBlock, error) {
	rows, err := c.store.db.QueryContext(ctx, `
		SELECT path, source_offset, source_length, chunk_offset, packed_length, is_diff FROM chunk_blocks
		WHERE task_id = ? AND version = ? AND ordinal = ? ORDER BY seq ASC`,
		c.taskID, c.version, ordinal)
	if err != nil {
		return nil, fmt.Errorf("chunks_db: blocks ordinal=%d: %w", ordinal, err)
	}
	defer rows.Close()

	var blocks []FileBlock
	for rows.Next() {
		var b FileBlock
		var isDiff int
		if err := rows.Scan(&b.Path, &b.SourceOffset, &b.SourceLength, &b.ChunkOffset, &b.PackedLength, &isDiff); err != nil {
			return nil, fmt.Errorf("chunks_db: scan block: %w", err)
		}
		b.IsDiff = isDiff != 0
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// List returns every chunk in allocation order, per spec.md §5
// ("chunks are uploaded in allocation order").
func (c *ChunksDB) List(ctx context.Context) ([]ChunkRecord, error) {
	rows, err := c.store.db.QueryContext(ctx, `
		SELECT ordinal FROM chunks WHERE task_id = ? AND version = ? ORDER BY ordinal ASC`,
		c.taskID, c.version)
	if err != nil {
		return nil, fmt.Errorf("chunks_db: list: %w", err)
	}
	var ordinals []int64
	for rows.Next() {
		var o int64
		if err := rows.Scan(&o); err != nil {
			rows.Close()
			return nil, fmt.Errorf("chunks_db: list: scan: %w", err)
		}
		ordinals = append(ordinals, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ChunkRecord, 0, len(ordinals))
	for _, o := range ordinals {
		rec, err := c.Get(ctx, o)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
