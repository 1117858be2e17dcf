// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package sourceapi

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/core/ratelimit"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/engineerr"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// LocalDirSource is a Source backed by directory trees on the local
// filesystem. Locking is implemented by copying the tree into a
// sibling snapshot directory (spec.md §4.2: "by snapshotting, by
// setting items read-only, or by copying").
type LocalDirSource struct {
	logger core.Logger
}

// NewLocalDirSource returns a LocalDirSource. A nil logger defaults to
// core.NopLogger.
func NewLocalDirSource(logger core.Logger) *LocalDirSource {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &LocalDirSource{logger: logger}
}

func (s *LocalDirSource) OutputModes() []taskmode.Mode {
	return []taskmode.Mode{taskmode.Chunklist, taskmode.Folder, taskmode.Chunk2Folder}
}

func (s *LocalDirSource) SupportedDiffs() []diffcodec.Name {
	return []diffcodec.Name{diffcodec.NameBlockCopy}
}

func (s *LocalDirSource) NewTask(_ context.Context, sourceParam string) (SourceTask, error) {
	info, err := os.Stat(sourceParam)
	if err != nil || !info.IsDir() {
		return nil, engineerr.Wrap(engineerr.KindBadParam, "LocalDirSource.NewTask",
			fmt.Sprintf("source_param %q is not a directory", sourceParam), err)
	}
	return &localDirTask{
		root:    sourceParam,
		logger:  s.logger.With("source_param", sourceParam),
		locked:  make(map[string]string),
	}, nil
}

type localDirTask struct {
	root   string
	logger core.Logger

	mu     sync.Mutex
	locked map[string]string // original_state -> snapshot dir
}

func (t *localDirTask) OriginalState(_ context.Context) (string, error) {
	info, err := os.Stat(t.root)
	if err != nil {
		return "", engineerr.Wrap(engineerr.KindSourceUnavailable, "LocalDirTask.OriginalState", "stat root", err)
	}
	return fmt.Sprintf("state:%s:%d:%d", t.root, info.ModTime().UnixNano(), time.Now().UnixNano()), nil
}

func (t *localDirTask) LockState(_ context.Context, originalState string) (string, error) {
	snapshotDir, err := os.MkdirTemp("", "vaultkeep-snapshot-*")
	if err != nil {
		return "", engineerr.Wrap(engineerr.KindSourceUnavailable, "LocalDirTask.LockState", "create snapshot dir", err)
	}
	if err := copyTree(t.root, snapshotDir); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return "", engineerr.Wrap(engineerr.KindSourceUnavailable, "LocalDirTask.LockState", "copy tree", err)
	}

	t.mu.Lock()
	t.locked[originalState] = snapshotDir
	t.mu.Unlock()

	t.logger.Info("source.lock_state", "original_state", originalState, "snapshot_dir", snapshotDir)
	return snapshotDir, nil
}

func (t *localDirTask) UnlockState(_ context.Context, originalState string) error {
	t.mu.Lock()
	snapshotDir, ok := t.locked[originalState]
	delete(t.locked, originalState)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(snapshotDir); err != nil {
		return engineerr.Wrap(engineerr.KindSourceUnavailable, "LocalDirTask.UnlockState", "remove snapshot dir", err)
	}
	t.logger.Info("source.unlock_state", "original_state", originalState)
	return nil
}

func (t *localDirTask) Locked(_ context.Context, lockedStateID, lockedToken string) (SourceLocked, error) {
	info, err := os.Stat(lockedToken)
	if err != nil || !info.IsDir() {
		return nil, engineerr.New(engineerr.KindBadParam, "LocalDirTask.Locked", "locked_token is not a directory")
	}
	return &localDirLocked{
		root:    lockedToken,
		id:      lockedStateID,
		logger:  t.logger.With("locked_state_id", lockedStateID),
		backoff: ratelimit.DefaultBackoff(),
		breaker: ratelimit.NewCircuitBreaker(nil),
	}, nil
}

// BindFiles gives this SourceLocked a handle to the FilesDB its scan
// writes into, so WaitNewFile can block on the catalog's own
// new-file/scan-finish notification instead of only on ctx. Checkpoint
// calls this before starting the source worker.
func (l *localDirLocked) BindFiles(files *catalog.FilesDB) {
	l.mu.Lock()
	l.files = files
	l.mu.Unlock()
}

// localDirLocked implements SourceLocked over a frozen snapshot
// directory using direct os calls. Reads run through a backoff/
// circuit-breaker pair, standing in for a source that may be a real
// remote filesystem (spec.md §5: "may block on network").
type localDirLocked struct {
	root    string
	id      string
	logger  core.Logger
	backoff ratelimit.BackoffStrategy
	breaker *ratelimit.CircuitBreaker

	mu       sync.Mutex
	finished bool
	files    *catalog.FilesDB
}

func (l *localDirLocked) abs(path string) string {
	if path == "" {
		return l.root
	}
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *localDirLocked) withRetry(ctx context.Context, op string, fn ratelimit.RetryableFunc) error {
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		return ratelimit.RetryWithBackoff(ctx, fn, l.backoff, ratelimit.IsRetryableError)
	})
	if err != nil {
		return engineerr.Wrap(engineerr.KindSourceUnavailable, "SourceLocked."+op, "rpc failed", err)
	}
	return nil
}

func (l *localDirLocked) ReadDir(ctx context.Context, path string) ([]storage.DirEntry, error) {
	var out []storage.DirEntry
	err := l.withRetry(ctx, "ReadDir", func(context.Context) error {
		entries, err := os.ReadDir(l.abs(path))
		if err != nil {
			return err
		}
		out = make([]storage.DirEntry, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return err
			}
			out = append(out, storage.DirEntry{Name: e.Name(), Attrs: attrsFromInfo(info)})
		}
		return nil
	})
	return out, err
}

func (l *localDirLocked) FileSize(ctx context.Context, path string) (int64, error) {
	var size int64
	err := l.withRetry(ctx, "FileSize", func(context.Context) error {
		info, err := os.Stat(l.abs(path))
		if err != nil {
			return err
		}
		size = info.Size()
		return nil
	})
	return size, err
}

func (l *localDirLocked) ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	var out []byte
	var eof bool
	err := l.withRetry(ctx, "ReadFile", func(context.Context) error {
		f, err := os.Open(l.abs(path))
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		buf := make([]byte, length)
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			out, eof = buf[:n], true
			return nil
		}
		if err != nil {
			return err
		}
		out = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	if eof {
		return out, io.EOF
	}
	return out, nil
}

func (l *localDirLocked) ReadLink(ctx context.Context, path string) (string, error) {
	var target string
	err := l.withRetry(ctx, "ReadLink", func(context.Context) error {
		t, err := os.Readlink(l.abs(path))
		if err != nil {
			return err
		}
		target = filepath.ToSlash(t)
		return nil
	})
	return target, err
}

func (l *localDirLocked) Stat(ctx context.Context, path string) (storage.ItemAttributes, error) {
	var attrs storage.ItemAttributes
	err := l.withRetry(ctx, "Stat", func(context.Context) error {
		info, err := os.Lstat(l.abs(path))
		if err != nil {
			return err
		}
		attrs = attrsFromInfo(info)
		if attrs.Kind == storage.ItemKindLink {
			if target, err := os.Readlink(l.abs(path)); err == nil {
				attrs.LinkTarget = filepath.ToSlash(target)
			}
		}
		return nil
	})
	return attrs, err
}

func (l *localDirLocked) Prepare(ctx context.Context, files *catalog.FilesDB) error {
	err := walkDir(l.root, "", func(path string, attrs storage.ItemAttributes) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return files.AddFile(ctx, catalog.FileRecord{Path: path, Attrs: attrs})
	})
	if err != nil {
		return engineerr.Wrap(engineerr.KindSourceUnavailable, "SourceLocked.Prepare", "walk", err)
	}

	if err := files.SetScanFinish(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.finished = true
	l.mu.Unlock()
	l.logger.Info("source.prepare.finished")
	return nil
}

func (l *localDirLocked) IsFilesScanFinish(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished, nil
}

// WaitNewFile blocks on the catalog's own new-file/scan-finish
// notification once BindFiles has wired a FilesDB, falling back to
// ctx-only blocking before that (only reachable if a caller invokes
// WaitNewFile ahead of Prepare, which the engine's pipeline never does).
func (l *localDirLocked) WaitNewFile(ctx context.Context) error {
	l.mu.Lock()
	files := l.files
	l.mu.Unlock()
	if files != nil {
		return files.WaitNewFile(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

var _ SourceLocked = (*localDirLocked)(nil)
var _ Source = (*LocalDirSource)(nil)

func attrsFromInfo(info os.FileInfo) storage.ItemAttributes {
	kind := storage.ItemKindFile
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		kind = storage.ItemKindLink
	case info.IsDir():
		kind = storage.ItemKindDir
	}
	return storage.ItemAttributes{
		Kind:    kind,
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
}

// walkDir visits files and symlinks under root in lexically sorted,
// depth-first order, matching MemFS.Walk's iteration order.
func walkDir(root, rel string, fn func(path string, attrs storage.ItemAttributes) error) error {
	dir := filepath.Join(root, filepath.FromSlash(rel))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}
		if info.IsDir() {
			if err := walkDir(root, childRel, fn); err != nil {
				return err
			}
			continue
		}
		attrs := attrsFromInfo(info)
		if attrs.Kind == storage.ItemKindLink {
			if target, err := os.Readlink(filepath.Join(dir, e.Name())); err == nil {
				attrs.LinkTarget = filepath.ToSlash(target)
			}
		}
		if err := fn(childRel, attrs); err != nil {
			return err
		}
	}
	return nil
}

// copyTree recursively copies src into dst, preserving symlinks and
// file mode bits.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
