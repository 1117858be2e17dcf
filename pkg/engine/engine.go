// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors

// Package engine implements the checkpoint state machine, the
// source-state locking protocol, the delta/chunk construction
// pipeline, and the Task/Engine registries that couple a
// sourceapi.Source to a targetapi.Target.
package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ashgrove/vaultkeep/pkg/config"
	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/engineerr"
	"github.com/ashgrove/vaultkeep/pkg/sourceapi"
	"github.com/ashgrove/vaultkeep/pkg/targetapi"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// Engine is the process-wide registry of Sources and Targets, and the
// factory for Tasks.
type Engine struct {
	logger core.Logger
	cfg    config.Config
	diffs  *diffcodec.Registry

	mu      sync.Mutex
	nextID  int64
	sources map[int64]sourceapi.Source
	targets map[int64]targetapi.Target
	tasks   map[string]*Task
}

// New returns an Engine configured with cfg. A nil logger defaults to
// core.NopLogger.
func New(cfg config.Config, logger core.Logger) *Engine {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Engine{
		logger:  logger,
		cfg:     cfg,
		diffs:   diffcodec.NewRegistry(),
		sources: make(map[int64]sourceapi.Source),
		targets: make(map[int64]targetapi.Target),
		tasks:   make(map[string]*Task),
	}
}

// RegisterSource assigns a fresh positive id to src. Duplicate
// registration of the same Source value yields a distinct id, per
// spec.md §4.1.
func (e *Engine) RegisterSource(src sourceapi.Source) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.sources[id] = src
	e.logger.Info("engine.register_source", "source_id", id)
	return id
}

// RegisterTarget assigns a fresh positive id to tgt.
func (e *Engine) RegisterTarget(tgt targetapi.Target) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.targets[id] = tgt
	e.logger.Info("engine.register_target", "target_id", id)
	return id
}

// CreateTask looks up sourceID/targetID, negotiates task mode and
// diff mode, and returns a new Task bound to the given params.
func (e *Engine) CreateTask(ctx context.Context, sourceID int64, sourceParam string, targetID int64, targetParam string) (*Task, error) {
	e.mu.Lock()
	src, okSrc := e.sources[sourceID]
	tgt, okTgt := e.targets[targetID]
	e.mu.Unlock()

	if !okSrc {
		return nil, engineerr.New(engineerr.KindUnknownEndpoint, "Engine.CreateTask", "unknown source_id")
	}
	if !okTgt {
		return nil, engineerr.New(engineerr.KindUnknownEndpoint, "Engine.CreateTask", "unknown target_id")
	}

	mode, ok := taskmode.Negotiate(src.OutputModes(), tgt.AcceptModes())
	if !ok {
		return nil, engineerr.New(engineerr.KindIncompatibleModes, "Engine.CreateTask", "no common task mode")
	}
	diffMode := diffcodec.Negotiate(src.SupportedDiffs(), tgt.SupportedDiffs())

	sourceTask, err := src.NewTask(ctx, sourceParam)
	if err != nil {
		return nil, err
	}
	targetTask, err := tgt.NewTask(ctx, targetParam)
	if err != nil {
		return nil, err
	}

	taskUUID := uuid.NewString()
	t := &Task{
		uuid:        taskUUID,
		sourceID:    sourceID,
		targetID:    targetID,
		sourceParam: sourceParam,
		targetParam: targetParam,
		mode:        mode,
		diffMode:    diffMode,
		sourceTask:  sourceTask,
		targetTask:  targetTask,
		cfg:         e.cfg,
		diffs:       e.diffs,
		logger:      e.logger.With("task_uuid", taskUUID),
		checkpoints: make(map[int64]*Checkpoint),
	}
	e.mu.Lock()
	e.tasks[taskUUID] = t
	e.mu.Unlock()

	e.logger.Info("engine.create_task", "task_uuid", t.uuid, "mode", mode.String(), "diff_mode", string(diffMode))
	return t, nil
}

// lookupTask resolves taskUUID to a registered Task.
func (e *Engine) lookupTask(taskUUID string) (*Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[taskUUID]
	e.mu.Unlock()
	if !ok {
		return nil, engineerr.New(engineerr.KindUnknownEndpoint, "Engine.lookupTask", "unknown task_uuid")
	}
	return t, nil
}

// PauseTask stops taskUUID's active Checkpoint, if any (spec.md §6
// pause_backup_task). It is a no-op if the Task has no Checkpoint or
// its Checkpoint is already terminal.
func (e *Engine) PauseTask(ctx context.Context, taskUUID string) error {
	t, err := e.lookupTask(taskUUID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	cp := t.lastCheckpoint()
	t.mu.Unlock()
	if cp == nil {
		return nil
	}
	return cp.Stop(ctx)
}

// ResumeTask re-invokes transfer() on taskUUID's last Checkpoint
// (spec.md §6 resume_backup_task), restarting the pipeline from
// STOPPED or FAILED the same way Checkpoint.Transfer does for any
// fresh caller.
func (e *Engine) ResumeTask(ctx context.Context, taskUUID string) (string, error) {
	t, err := e.lookupTask(taskUUID)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	cp := t.lastCheckpoint()
	t.mu.Unlock()
	if cp == nil {
		return "", engineerr.New(engineerr.KindBadParam, "Engine.ResumeTask", "task has no checkpoint to resume")
	}
	return cp.Transfer(ctx)
}

// DeleteTask stops taskUUID's active Checkpoint (if any) and removes
// the Task from the registry (spec.md §6 delete_backup_task). Catalog
// rows and packed chunks are left in place; this only retires the
// in-memory Task so its id can no longer be addressed.
func (e *Engine) DeleteTask(ctx context.Context, taskUUID string) error {
	t, err := e.lookupTask(taskUUID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	cp := t.lastCheckpoint()
	t.mu.Unlock()
	if cp != nil && !cp.Terminal() {
		if err := cp.Stop(ctx); err != nil {
			return err
		}
	}

	e.mu.Lock()
	delete(e.tasks, taskUUID)
	e.mu.Unlock()
	e.logger.Info("engine.delete_task", "task_uuid", taskUUID)
	return nil
}

// GetTaskStatus returns taskUUID's last Checkpoint's Status (spec.md
// §6 get_backup_task_status). A Task with no Checkpoint yet reports
// StatusStandby.
func (e *Engine) GetTaskStatus(taskUUID string) (Status, error) {
	t, err := e.lookupTask(taskUUID)
	if err != nil {
		return StatusStandby, err
	}
	t.mu.Lock()
	cp := t.lastCheckpoint()
	t.mu.Unlock()
	if cp == nil {
		return StatusStandby, nil
	}
	return cp.Status(), nil
}
