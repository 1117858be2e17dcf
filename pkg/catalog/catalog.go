// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors

// Package catalog implements files_db and chunks_db: the two
// catalogs a Checkpoint's source and target workers publish through
// exclusively (spec.md §5). Both are backed by a single SQLite
// database via modernc.org/sqlite, following the table-per-concern,
// WAL-mode, ON CONFLICT-upsert style of
// dshills-langgraph-go/graph/store/sqlite.go.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ashgrove/vaultkeep/pkg/storage"
)

// Store owns the underlying database connection shared by every
// Task's files_db/chunks_db. A Checkpoint is identified within the
// store by (taskID, version); Store.Files and Store.Chunks return
// handles scoped to one Checkpoint.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	closed    bool
	notifiers map[string]chan struct{}
}

// Open opens (creating if necessary) a SQLite-backed catalog store at
// dsn. Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", dsn, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, notifiers: make(map[string]chan struct{})}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			path TEXT NOT NULL,
			kind INTEGER NOT NULL,
			attrs TEXT NOT NULL,
			content_hash BLOB,
			diff BLOB,
			packed INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(task_id, version, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_scope ON files(task_id, version, id)`,
		`CREATE TABLE IF NOT EXISTS scan_finish (
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			finished INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(task_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			capacity INTEGER NOT NULL,
			real_len INTEGER NOT NULL DEFAULT 0,
			compressed INTEGER NOT NULL DEFAULT 0,
			finished INTEGER NOT NULL DEFAULT 0,
			UNIQUE(task_id, version, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_scope ON chunks(task_id, version, ordinal)`,
		`CREATE TABLE IF NOT EXISTS chunk_blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			source_offset INTEGER NOT NULL,
			source_length INTEGER NOT NULL,
			chunk_offset INTEGER NOT NULL,
			packed_length INTEGER NOT NULL,
			is_diff INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_blocks_scope ON chunk_blocks(task_id, version, ordinal, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func scopeKey(taskID string, version int64) string {
	return fmt.Sprintf("%s/%d", taskID, version)
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.notifiers[key]; ok {
		close(ch)
	}
	s.notifiers[key] = make(chan struct{})
}

func (s *Store) waitChan(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.notifiers[key]
	if !ok {
		ch = make(chan struct{})
		s.notifiers[key] = ch
	}
	return ch
}

// Files returns a files_db handle scoped to one Checkpoint.
func (s *Store) Files(taskID string, version int64) *FilesDB {
	return &FilesDB{store: s, taskID: taskID, version: version, key: scopeKey(taskID, version)}
}

// Chunks returns a chunks_db handle scoped to one Checkpoint.
func (s *Store) Chunks(taskID string, version int64) *ChunksDB {
	return &ChunksDB{store: s, taskID: taskID, version: version}
}

// FileRecord is one entry of files_db.
type FileRecord struct {
	Path        string
	Attrs       storage.ItemAttributes
	ContentHash []byte
	Diff        []byte
	Packed      bool
}

// FileBlock describes one file's placement inside a chunk.
// SourceOffset/SourceLength locate the covered region in the original
// file content; ChunkOffset/PackedLength locate the (possibly
// diffed) bytes actually written into the chunk's packed buffer,
// which is compressed as a whole when the chunk is compressed.
type FileBlock struct {
	Path         string
	SourceOffset int64
	SourceLength int64
	ChunkOffset  int64
	PackedLength int64
	IsDiff       bool
}

// ChunkRecord is one entry of chunks_db.
type ChunkRecord struct {
	Ordinal    int64
	Capacity   int64
	RealLen    int64
	Compressed bool
	Finished   bool
	Blocks     []FileBlock
}
