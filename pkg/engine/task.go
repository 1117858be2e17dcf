// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/config"
	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/engineerr"
	"github.com/ashgrove/vaultkeep/pkg/sourceapi"
	"github.com/ashgrove/vaultkeep/pkg/targetapi"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// Task binds one Source and one Target by parameters, owns the
// sequence of source-state locks, and the ordered map of Checkpoints.
// It enforces at-most-one unfinished Checkpoint (spec.md §4.7).
type Task struct {
	uuid        string
	sourceID    int64
	targetID    int64
	sourceParam string
	targetParam string
	mode        taskmode.Mode
	diffMode    diffcodec.Name

	sourceTask sourceapi.SourceTask
	targetTask targetapi.TargetTask

	cfg    config.Config
	diffs  *diffcodec.Registry
	logger core.Logger
	store  *catalog.Store

	mu             sync.Mutex
	lockedStateID  string
	originalState  string
	lockedToken    string
	locked         bool
	nextVersion    int64
	checkpoints    map[int64]*Checkpoint
	checkpointList []int64 // creation order
}

// UUID returns the Task's stable identifier, usable as CheckpointMeta.TaskUUID.
func (t *Task) UUID() string { return t.uuid }

// Mode returns the negotiated task mode.
func (t *Task) Mode() taskmode.Mode { return t.mode }

// SetCatalogStore wires the catalog.Store backing this Task's
// Checkpoints. Must be called before CreateCheckpoint.
func (t *Task) SetCatalogStore(store *catalog.Store) { t.store = store }

// LockSource obtains a fresh LockedState, releasing any prior one
// first (spec.md §4.7, §9 S6: a second lock overrides the first).
func (t *Task) LockSource(ctx context.Context) error {
	t.mu.Lock()
	wasLocked := t.locked
	prevOriginal := t.originalState
	t.mu.Unlock()

	if wasLocked {
		if err := t.sourceTask.UnlockState(ctx, prevOriginal); err != nil {
			return err
		}
	}

	original, err := t.sourceTask.OriginalState(ctx)
	if err != nil {
		return err
	}
	token, err := t.sourceTask.LockState(ctx, original)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.lockedStateID = uuid.NewString()
	t.originalState = original
	t.lockedToken = token
	t.locked = true
	t.mu.Unlock()

	t.logger.Info("task.lock_source", "locked_state_id", t.lockedStateID)
	return nil
}

// UnlockSource is a no-op if no lock is held.
func (t *Task) UnlockSource(ctx context.Context) error {
	t.mu.Lock()
	if !t.locked {
		t.mu.Unlock()
		return nil
	}
	original := t.originalState
	t.mu.Unlock()

	if err := t.sourceTask.UnlockState(ctx, original); err != nil {
		return err
	}

	t.mu.Lock()
	t.locked = false
	t.lockedStateID = ""
	t.lockedToken = ""
	t.mu.Unlock()
	t.logger.Info("task.unlock_source")
	return nil
}

// lastCheckpoint returns the most recently created Checkpoint, if any.
func (t *Task) lastCheckpoint() *Checkpoint {
	if len(t.checkpointList) == 0 {
		return nil
	}
	return t.checkpoints[t.checkpointList[len(t.checkpointList)-1]]
}

// lastSuccess returns the highest-versioned SUCCESS Checkpoint, the
// only valid delta base per spec.md §9's resolved Open Question.
func (t *Task) lastSuccess() *Checkpoint {
	versions := make([]int64, 0, len(t.checkpointList))
	for _, v := range t.checkpointList {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	for _, v := range versions {
		if cp := t.checkpoints[v]; cp.Status() == StatusSuccess {
			return cp
		}
	}
	return nil
}

// CreateCheckpoint allocates the next version and a new Checkpoint.
// If isDelta, prev_version is the last SUCCESS Checkpoint's version;
// if none exists, it silently falls back to a full backup rather than
// failing (spec.md §9 Open Question resolution).
func (t *Task) CreateCheckpoint(ctx context.Context, isDelta bool) (*Checkpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last := t.lastCheckpoint(); last != nil && !last.Terminal() {
		return nil, engineerr.New(engineerr.KindPriorCheckpointUnfinished, "Task.CreateCheckpoint", "prior checkpoint not terminal")
	}
	if !t.locked {
		return nil, engineerr.New(engineerr.KindBadParam, "Task.CreateCheckpoint", "source not locked")
	}
	if t.store == nil {
		return nil, engineerr.New(engineerr.KindBadParam, "Task.CreateCheckpoint", "no catalog store wired")
	}

	var prevVersion *int64
	var prevCheckpoint *Checkpoint
	if isDelta {
		if success := t.lastSuccess(); success != nil {
			v := success.meta.Version
			prevVersion = &v
			prevCheckpoint = success
		}
	}

	t.nextVersion++
	version := t.nextVersion

	cp := newCheckpoint(checkpointParams{
		task:           t,
		version:        version,
		prevVersion:    prevVersion,
		prevCheckpoint: prevCheckpoint,
		lockedStateID:  t.lockedStateID,
		files:          t.store.Files(t.uuid, version),
		chunks:         t.store.Chunks(t.uuid, version),
		cfg:            t.cfg,
		diffs:          t.diffs,
		diffMode:       t.diffMode,
		mode:           t.mode,
		logger:         t.logger.With("version", version),
	})

	t.checkpoints[version] = cp
	t.checkpointList = append(t.checkpointList, version)
	t.logger.Info("task.create_checkpoint", "version", version, "is_delta", isDelta, "prev_version", prevVersion)
	return cp, nil
}

// Checkpoint returns the Checkpoint at version, if any.
func (t *Task) Checkpoint(version int64) (*Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.checkpoints[version]
	return cp, ok
}
