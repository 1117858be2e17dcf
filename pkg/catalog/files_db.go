// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashgrove/vaultkeep/pkg/storage"
)

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// FilesDB is a files_db handle scoped to one Task's one Checkpoint
// version. It is safe for concurrent use by the source worker
// (writer) and the packer/uploader (reader).
type FilesDB struct {
	store   *Store
	taskID  string
	version int64
	key     string
}

type wireAttrs struct {
	Kind       int    `json:"kind"`
	Size       int64  `json:"size"`
	Mode       uint32 `json:"mode"`
	ModTimeRFC string `json:"mod_time"`
	LinkTarget string `json:"link_target"`
}

func marshalAttrs(a storage.ItemAttributes) ([]byte, error) {
	return json.Marshal(wireAttrs{
		Kind: int(a.Kind), Size: a.Size, Mode: a.Mode,
		ModTimeRFC: a.ModTime.Format(timeLayout), LinkTarget: a.LinkTarget,
	})
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func unmarshalAttrs(data []byte) (storage.ItemAttributes, error) {
	var w wireAttrs
	if err := json.Unmarshal(data, &w); err != nil {
		return storage.ItemAttributes{}, err
	}
	t, err := parseTime(w.ModTimeRFC)
	if err != nil {
		return storage.ItemAttributes{}, err
	}
	return storage.ItemAttributes{
		Kind: storage.ItemKind(w.Kind), Size: w.Size, Mode: w.Mode,
		ModTime: t, LinkTarget: w.LinkTarget,
	}, nil
}

// AddFile inserts a new FileRecord. Adding the same path twice within
// the same Checkpoint is a programmer error (files_db is append-mostly
// per spec.md §3) and returns an error rather than silently upserting.
func (f *FilesDB) AddFile(ctx context.Context, rec FileRecord) error {
	attrsJSON, err := marshalAttrs(rec.Attrs)
	if err != nil {
		return fmt.Errorf("files_db: marshal attrs: %w", err)
	}

	_, err = f.store.db.ExecContext(ctx, `
		INSERT INTO files (task_id, version, path, kind, attrs, content_hash, diff, packed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.taskID, f.version, rec.Path, int(rec.Attrs.Kind), attrsJSON,
		nullBytes(rec.ContentHash), nullBytes(rec.Diff), boolToInt(rec.Packed))
	if err != nil {
		return fmt.Errorf("files_db: add_file %s: %w", rec.Path, err)
	}
	f.store.notify(f.key)
	return nil
}

// SetScanFinish marks the source scan complete for this Checkpoint.
// Per spec.md §3 this must be called exactly once; a second call is a
// no-op rather than an error, since resumed workers may call it again
// after a restart without having observed the first call's effect.
func (f *FilesDB) SetScanFinish(ctx context.Context) error {
	_, err := f.store.db.ExecContext(ctx, `
		INSERT INTO scan_finish (task_id, version, finished) VALUES (?, ?, 1)
		ON CONFLICT(task_id, version) DO UPDATE SET finished = 1`,
		f.taskID, f.version)
	if err != nil {
		return fmt.Errorf("files_db: set_scan_finish: %w", err)
	}
	f.store.notify(f.key)
	return nil
}

// IsScanFinish reports whether SetScanFinish has been called.
func (f *FilesDB) IsScanFinish(ctx context.Context) (bool, error) {
	var finished int
	err := f.store.db.QueryRowContext(ctx, `
		SELECT finished FROM scan_finish WHERE task_id = ? AND version = ?`,
		f.taskID, f.version).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("files_db: is_scan_finish: %w", err)
	}
	return finished != 0, nil
}

// ListUnpackFiles returns files not yet assigned to a chunk, in
// insertion order.
func (f *FilesDB) ListUnpackFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := f.store.db.QueryContext(ctx, `
		SELECT path, attrs, content_hash, diff, packed FROM files
		WHERE task_id = ? AND version = ? AND packed = 0
		ORDER BY id ASC`, f.taskID, f.version)
	if err != nil {
		return nil, fmt.Errorf("files_db: list_unpack_files: %w", err)
	}
	defer rows.Close()
	return scanFileRecords(rows)
}

// ListAllFiles returns every FileRecord for this Checkpoint,
// regardless of pack state, in insertion order. Used to reconstruct
// the full tree on restore.
func (f *FilesDB) ListAllFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := f.store.db.QueryContext(ctx, `
		SELECT path, attrs, content_hash, diff, packed FROM files
		WHERE task_id = ? AND version = ? ORDER BY id ASC`, f.taskID, f.version)
	if err != nil {
		return nil, fmt.Errorf("files_db: list_all_files: %w", err)
	}
	defer rows.Close()
	return scanFileRecords(rows)
}

// GetNoHashFiles returns up to limit files with no content hash yet,
// in insertion order, for the hashing worker pool to consume.
func (f *FilesDB) GetNoHashFiles(ctx context.Context, limit int) ([]FileRecord, error) {
	rows, err := f.store.db.QueryContext(ctx, `
		SELECT path, attrs, content_hash, diff, packed FROM files
		WHERE task_id = ? AND version = ? AND content_hash IS NULL AND kind = ?
		ORDER BY id ASC LIMIT ?`, f.taskID, f.version, int(storage.ItemKindFile), limit)
	if err != nil {
		return nil, fmt.Errorf("files_db: get_no_hash_files: %w", err)
	}
	defer rows.Close()
	return scanFileRecords(rows)
}

func scanFileRecords(rows *sql.Rows) ([]FileRecord, error) {
	var out []FileRecord
	for rows.Next() {
		var path string
		var attrsJSON []byte
		var hash, diff []byte
		var packed int
		if err := rows.Scan(&path, &attrsJSON, &hash, &diff, &packed); err != nil {
			return nil, fmt.Errorf("files_db: scan: %w", err)
		}
		attrs, err := unmarshalAttrs(attrsJSON)
		if err != nil {
			return nil, fmt.Errorf("files_db: unmarshal attrs for %s: %w", path, err)
		}
		out = append(out, FileRecord{Path: path, Attrs: attrs, ContentHash: hash, Diff: diff, Packed: packed != 0})
	}
	return out, rows.Err()
}

// GetFile returns the FileRecord for path.
func (f *FilesDB) GetFile(ctx context.Context, path string) (FileRecord, error) {
	rows, err := f.store.db.QueryContext(ctx, `
		SELECT path, attrs, content_hash, diff, packed FROM files
		WHERE task_id = ? AND version = ? AND path = ?`, f.taskID, f.version, path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("files_db: get_file %s: %w", path, err)
	}
	defer rows.Close()
	recs, err := scanFileRecords(rows)
	if err != nil {
		return FileRecord{}, err
	}
	if len(recs) == 0 {
		return FileRecord{}, fmt.Errorf("files_db: get_file: no such file %s", path)
	}
	return recs[0], nil
}

// UpdateFileHashAndDiff records a computed content hash and, for delta
// Checkpoints, the diff descriptor against the previous version.
func (f *FilesDB) UpdateFileHashAndDiff(ctx context.Context, path string, hash, diff []byte) error {
	res, err := f.store.db.ExecContext(ctx, `
		UPDATE files SET content_hash = ?, diff = ? WHERE task_id = ? AND version = ? AND path = ?`,
		hash, nullBytes(diff), f.taskID, f.version, path)
	if err != nil {
		return fmt.Errorf("files_db: update_file_hash_and_diff %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("files_db: update_file_hash_and_diff: no such file %s", path)
	}
	return nil
}

// FindDiff returns the memoized diff descriptor for path, if any.
func (f *FilesDB) FindDiff(ctx context.Context, path string) ([]byte, bool, error) {
	var diff []byte
	err := f.store.db.QueryRowContext(ctx, `
		SELECT diff FROM files WHERE task_id = ? AND version = ? AND path = ?`,
		f.taskID, f.version, path).Scan(&diff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("files_db: find_diff %s: %w", path, err)
	}
	return diff, diff != nil, nil
}

// AddFileDiff memoizes a diff descriptor for path without touching its
// content hash.
func (f *FilesDB) AddFileDiff(ctx context.Context, path string, diff []byte) error {
	_, err := f.store.db.ExecContext(ctx, `
		UPDATE files SET diff = ? WHERE task_id = ? AND version = ? AND path = ?`,
		diff, f.taskID, f.version, path)
	if err != nil {
		return fmt.Errorf("files_db: add_file_diff %s: %w", path, err)
	}
	return nil
}

// MarkPacked flags path as assigned to a chunk, removing it from
// ListUnpackFiles.
func (f *FilesDB) MarkPacked(ctx context.Context, path string) error {
	_, err := f.store.db.ExecContext(ctx, `
		UPDATE files SET packed = 1 WHERE task_id = ? AND version = ? AND path = ?`,
		f.taskID, f.version, path)
	if err != nil {
		return fmt.Errorf("files_db: mark_packed %s: %w", path, err)
	}
	return nil
}

// WaitNewFile blocks until a file is added or the scan is marked
// finished after the call begins, or ctx is cancelled; a change made
// before the call does not wake it. Per
// spec.md §5, this is a cooperative-cancellation suspension point.
func (f *FilesDB) WaitNewFile(ctx context.Context) error {
	ch := f.store.waitChan(f.key)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
