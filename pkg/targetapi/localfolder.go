// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package targetapi

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/engineerr"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// LocalFolderTarget is a Target that materializes a real directory
// tree on disk, for the Folder task mode (spec.md §4.3: "a remote
// folder service"). Each ChunkSource item it pulls carries one whole
// item (file, dir, or symlink) gob-encoded as a folderItem, since the
// wire protocol between engine and target is out of this spec's scope
// (spec.md §1 Non-goals) — the engine's next_chunk in Folder mode
// yields one item per call rather than a fixed-size byte window.
type LocalFolderTarget struct {
	root   string
	logger core.Logger
}

func NewLocalFolderTarget(root string, logger core.Logger) *LocalFolderTarget {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &LocalFolderTarget{root: root, logger: logger}
}

func (t *LocalFolderTarget) AcceptModes() []taskmode.Mode { return []taskmode.Mode{taskmode.Folder} }
func (t *LocalFolderTarget) SupportedDiffs() []diffcodec.Name {
	return []diffcodec.Name{diffcodec.NameBlockCopy}
}

func (t *LocalFolderTarget) NewTask(_ context.Context, targetParam string) (TargetTask, error) {
	dir := filepath.Join(t.root, sanitize(targetParam))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderTarget.NewTask", "mkdir", err)
	}
	return &localFolderTask{dir: dir, logger: t.logger.With("target_param", targetParam)}, nil
}

type localFolderTask struct {
	dir    string
	logger core.Logger

	mu   sync.Mutex
	last map[string]int64
}

func (t *localFolderTask) versionFile(entityID string) string {
	return filepath.Join(t.dir, "entity-"+sanitize(entityID)+".version")
}

func (t *localFolderTask) GetLastCheckPoint(_ context.Context, sourceEntityID string) (int64, bool, error) {
	data, err := os.ReadFile(t.versionFile(sourceEntityID))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderTask.GetLastCheckPoint", "read", err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, engineerr.Wrap(engineerr.KindCorruption, "LocalFolderTask.GetLastCheckPoint", "parse", err)
	}
	return v, true, nil
}

func (t *localFolderTask) CreateNewCheckPoint(_ context.Context, entityID string, _ taskmode.Mode, version int64) error {
	data := []byte(strconv.FormatInt(version, 10))
	if err := os.WriteFile(t.versionFile(entityID), data, 0o644); err != nil {
		return engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderTask.CreateNewCheckPoint", "write", err)
	}
	return nil
}

func (t *localFolderTask) Checkpoint(_ context.Context, version int64) (TargetCheckpoint, error) {
	dir := filepath.Join(t.dir, "v"+strconv.FormatInt(version, 10), "tree")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderTask.Checkpoint", "mkdir", err)
	}
	return &localFolderCheckpoint{root: dir, logger: t.logger.With("version", version)}, nil
}

var _ StreamingFlavor = (*localFolderTask)(nil)

// folderItem is the unit LocalFolderTarget's ChunkSource transports:
// one file's (or directory's, or symlink's) full content and
// attributes.
type folderItem struct {
	Path       string
	Kind       int
	Mode       uint32
	LinkTarget string
	Content    []byte
}

func encodeFolderItem(it folderItem) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(it); err != nil {
		return nil, fmt.Errorf("targetapi: encode folder item: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFolderItem(data []byte) (folderItem, error) {
	var it folderItem
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&it); err != nil {
		return folderItem{}, fmt.Errorf("targetapi: decode folder item: %w", err)
	}
	return it, nil
}

type localFolderCheckpoint struct {
	root   string
	logger core.Logger

	mu      sync.Mutex
	stopped bool
}

func (c *localFolderCheckpoint) abs(path string) string {
	return filepath.Join(c.root, filepath.FromSlash(path))
}

func (c *localFolderCheckpoint) Transfer(ctx context.Context, src ChunkSource) error {
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

		item, err := decodeFolderItem(chunk.Data)
		if err != nil {
			return engineerr.Wrap(engineerr.KindCorruption, "LocalFolderCheckpoint.Transfer", "decode item", err)
		}
		if err := c.writeItem(item); err != nil {
			return engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.Transfer", "write item "+item.Path, err)
		}
		c.logger.Info("target.item_written", "path", item.Path, "kind", item.Kind)
	}
}

func (c *localFolderCheckpoint) writeItem(item folderItem) error {
	dest := c.abs(item.Path)
	switch storage.ItemKind(item.Kind) {
	case storage.ItemKindDir:
		return os.MkdirAll(dest, os.FileMode(item.Mode))
	case storage.ItemKindLink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		_ = os.Remove(dest)
		return os.Symlink(item.LinkTarget, dest)
	default:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dest, item.Content, os.FileMode(item.Mode))
	}
}

func (c *localFolderCheckpoint) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *localFolderCheckpoint) FinishCheckPoint(_ context.Context) error {
	return nil
}

func (c *localFolderCheckpoint) ReadDir(_ context.Context, path string) ([]storage.DirEntry, error) {
	entries, err := os.ReadDir(c.abs(path))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.ReadDir", path, err)
	}
	out := make([]storage.DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.ReadDir", path, err)
		}
		out = append(out, storage.DirEntry{Name: e.Name(), Attrs: attrsFromInfo(info)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *localFolderCheckpoint) FileSize(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(c.abs(path))
	if err != nil {
		return 0, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.FileSize", path, err)
	}
	return info.Size(), nil
}

func (c *localFolderCheckpoint) ReadFile(_ context.Context, path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(c.abs(path))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.ReadFile", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.ReadFile", path, err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:n], io.EOF
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.ReadFile", path, err)
	}
	return buf[:n], nil
}

func (c *localFolderCheckpoint) ReadLink(_ context.Context, path string) (string, error) {
	target, err := os.Readlink(c.abs(path))
	if err != nil {
		return "", engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.ReadLink", path, err)
	}
	return target, nil
}

func (c *localFolderCheckpoint) Stat(_ context.Context, path string) (storage.ItemAttributes, error) {
	info, err := os.Lstat(c.abs(path))
	if err != nil {
		return storage.ItemAttributes{}, engineerr.Wrap(engineerr.KindTargetUnavailable, "LocalFolderCheckpoint.Stat", path, err)
	}
	attrs := attrsFromInfo(info)
	if info.Mode()&os.ModeSymlink != 0 {
		attrs.Kind = storage.ItemKindLink
		if target, err := os.Readlink(c.abs(path)); err == nil {
			attrs.LinkTarget = target
		}
	}
	return attrs, nil
}

func attrsFromInfo(info os.FileInfo) storage.ItemAttributes {
	kind := storage.ItemKindFile
	if info.IsDir() {
		kind = storage.ItemKindDir
	}
	return storage.ItemAttributes{
		Kind:    kind,
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
}

var _ TargetCheckpoint = (*localFolderCheckpoint)(nil)
var _ Target = (*LocalFolderTarget)(nil)
