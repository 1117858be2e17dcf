// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/config"
	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/engineerr"
	"github.com/ashgrove/vaultkeep/pkg/sourceapi"
	"github.com/ashgrove/vaultkeep/pkg/targetapi"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// fakeSource/fakeTarget offer only mismatched modes, for the
// IncompatibleModes scenario (spec.md §8 S4) that no pair of concrete
// Source/Target implementations in this repo can reproduce, since
// LocalDirSource and LocalFolderTarget both speak Folder mode.
type fakeSource struct{ modes []taskmode.Mode }

func (f *fakeSource) OutputModes() []taskmode.Mode        { return f.modes }
func (f *fakeSource) SupportedDiffs() []diffcodec.Name    { return nil }
func (f *fakeSource) NewTask(context.Context, string) (sourceapi.SourceTask, error) {
	return nil, nil
}

type fakeTarget struct{ modes []taskmode.Mode }

func (f *fakeTarget) AcceptModes() []taskmode.Mode        { return f.modes }
func (f *fakeTarget) SupportedDiffs() []diffcodec.Name    { return nil }
func (f *fakeTarget) NewTask(context.Context, string) (targetapi.TargetTask, error) {
	return nil, nil
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(config.Default(), core.NopLogger{})
}

func TestCreateTaskFailsOnUnknownEndpoint(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateTask(context.Background(), 99, "x", 1, "y")
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindUnknownEndpoint, ee.Kind)
}

func TestCreateTaskFailsOnIncompatibleModes(t *testing.T) {
	e := testEngine(t)
	srcID := e.RegisterSource(&fakeSource{modes: []taskmode.Mode{taskmode.Chunk2Folder}})
	tgtID := e.RegisterTarget(&fakeTarget{modes: []taskmode.Mode{taskmode.Folder2Chunk}})

	_, err := e.CreateTask(context.Background(), srcID, "x", tgtID, "y")
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindIncompatibleModes, ee.Kind)
}

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.bin"), []byte("hello"), 0o644))
}

func newChunklistTaskSetup(t *testing.T) (*Engine, *Task) {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root)

	store, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := testEngine(t)
	srcID := e.RegisterSource(sourceapi.NewLocalDirSource(core.NopLogger{}))
	tgtID := e.RegisterTarget(targetapi.NewChunklistTarget(t.TempDir(), core.NopLogger{}))

	task, err := e.CreateTask(context.Background(), srcID, root, tgtID, "entity-1")
	require.NoError(t, err)
	task.SetCatalogStore(store)
	return e, task
}

func TestFullBackupChunklistRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, task := newChunklistTaskSetup(t)
	require.NoError(t, task.LockSource(ctx))

	cp, err := task.CreateCheckpoint(ctx, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cp.Version())

	result, err := cp.Transfer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", result)

	status, err := cp.waitStatus(ctx, StatusSuccess, StatusFailed)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status, "last error: %v", cp.LastError())

	tc := cp.TargetCheckpoint()
	require.NotNil(t, tc)

	got, err := tc.ReadFile(ctx, "a.txt", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got, err = tc.ReadFile(ctx, "b.bin", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestCreateCheckpointRejectsPriorUnfinished(t *testing.T) {
	ctx := context.Background()
	_, task := newChunklistTaskSetup(t)
	require.NoError(t, task.LockSource(ctx))

	_, err := task.CreateCheckpoint(ctx, false)
	require.NoError(t, err)

	_, err = task.CreateCheckpoint(ctx, true)
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindPriorCheckpointUnfinished, ee.Kind)
}

func TestVersionsAreMonotonicAndPrevVersionRequiresSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, task := newChunklistTaskSetup(t)
	require.NoError(t, task.LockSource(ctx))

	cp1, err := task.CreateCheckpoint(ctx, false)
	require.NoError(t, err)
	_, err = cp1.Transfer(ctx)
	require.NoError(t, err)
	status, err := cp1.waitStatus(ctx, StatusSuccess, StatusFailed)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)

	cp2, err := task.CreateCheckpoint(ctx, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cp2.Version())
	require.NotNil(t, cp2.meta.PrevVersion)
	assert.EqualValues(t, 1, *cp2.meta.PrevVersion)
}

func TestLockSourceOverridesPriorLock(t *testing.T) {
	ctx := context.Background()
	_, task := newChunklistTaskSetup(t)

	require.NoError(t, task.LockSource(ctx))
	firstToken := task.lockedToken

	require.NoError(t, task.LockSource(ctx))
	secondToken := task.lockedToken

	assert.NotEqual(t, firstToken, secondToken)
	_, err := os.Stat(firstToken)
	assert.True(t, os.IsNotExist(err), "first snapshot dir should have been removed on override")
}

func TestEnginePauseResumeDeleteAndGetStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, task := newChunklistTaskSetup(t)
	require.NoError(t, task.LockSource(ctx))

	status, err := e.GetTaskStatus(task.UUID())
	require.NoError(t, err)
	assert.Equal(t, StatusStandby, status)

	cp, err := task.CreateCheckpoint(ctx, false)
	require.NoError(t, err)

	require.NoError(t, e.PauseTask(ctx, task.UUID()))
	assert.Equal(t, StatusStopped, cp.Status())

	result, err := e.ResumeTask(ctx, task.UUID())
	require.NoError(t, err)
	assert.Equal(t, "pending", result)

	finalStatus, err := cp.waitStatus(ctx, StatusSuccess, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, finalStatus)

	status, err = e.GetTaskStatus(task.UUID())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)

	require.NoError(t, e.DeleteTask(ctx, task.UUID()))
	_, err = e.GetTaskStatus(task.UUID())
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindUnknownEndpoint, ee.Kind)
}

func TestCheckpointStopIsIdempotentAndReachesStopped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, task := newChunklistTaskSetup(t)
	require.NoError(t, task.LockSource(ctx))

	cp, err := task.CreateCheckpoint(ctx, false)
	require.NoError(t, err)

	require.NoError(t, cp.Stop(ctx))
	assert.Equal(t, StatusStopped, cp.Status())

	// Stopping an already-terminal Checkpoint is a no-op, not an error.
	require.NoError(t, cp.Stop(ctx))
	assert.Equal(t, StatusStopped, cp.Status())
}

// blockingSource wraps a real SourceTask but pauses every ReadFile call
// until release is closed, giving a test a window in which a pipeline
// is genuinely in flight so Stop() has a real run to cancel and join.
type blockingSource struct {
	sourceapi.Source
	release chan struct{}
}

func (b *blockingSource) NewTask(ctx context.Context, sourceParam string) (sourceapi.SourceTask, error) {
	task, err := b.Source.NewTask(ctx, sourceParam)
	if err != nil {
		return nil, err
	}
	return &blockingSourceTask{SourceTask: task, release: b.release}, nil
}

type blockingSourceTask struct {
	sourceapi.SourceTask
	release chan struct{}
}

func (t *blockingSourceTask) Locked(ctx context.Context, lockedStateID, lockedToken string) (sourceapi.SourceLocked, error) {
	locked, err := t.SourceTask.Locked(ctx, lockedStateID, lockedToken)
	if err != nil {
		return nil, err
	}
	return &blockingSourceLocked{SourceLocked: locked, release: t.release}, nil
}

type blockingSourceLocked struct {
	sourceapi.SourceLocked
	release chan struct{}
}

func (l *blockingSourceLocked) ReadFile(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	select {
	case <-l.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.SourceLocked.ReadFile(ctx, path, offset, length)
}

// blockingPrepareSourceLocked delays Prepare's return until proceed is
// closed, giving a test a window in which a Checkpoint sits in
// PREPARING so a concurrent Transfer() call exercises the handoff path.
type blockingPrepareSourceLocked struct {
	sourceapi.SourceLocked
	proceed chan struct{}
}

func (l *blockingPrepareSourceLocked) Prepare(ctx context.Context, files *catalog.FilesDB) error {
	select {
	case <-l.proceed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.SourceLocked.Prepare(ctx, files)
}

type blockingPrepareSourceTask struct {
	sourceapi.SourceTask
	proceed chan struct{}
}

func (t *blockingPrepareSourceTask) Locked(ctx context.Context, lockedStateID, lockedToken string) (sourceapi.SourceLocked, error) {
	locked, err := t.SourceTask.Locked(ctx, lockedStateID, lockedToken)
	if err != nil {
		return nil, err
	}
	return &blockingPrepareSourceLocked{SourceLocked: locked, proceed: t.proceed}, nil
}

type blockingPrepareSource struct {
	sourceapi.Source
	proceed chan struct{}
}

func (s *blockingPrepareSource) NewTask(ctx context.Context, sourceParam string) (sourceapi.SourceTask, error) {
	task, err := s.Source.NewTask(ctx, sourceParam)
	if err != nil {
		return nil, err
	}
	return &blockingPrepareSourceTask{SourceTask: task, proceed: s.proceed}, nil
}

func TestTransferDuringPreparingHandsOffIntoPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := t.TempDir()
	writeTree(t, root)

	store, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	proceed := make(chan struct{})
	e := testEngine(t)
	srcID := e.RegisterSource(&blockingPrepareSource{Source: sourceapi.NewLocalDirSource(core.NopLogger{}), proceed: proceed})
	tgtID := e.RegisterTarget(targetapi.NewChunklistTarget(t.TempDir(), core.NopLogger{}))

	task, err := e.CreateTask(ctx, srcID, root, tgtID, "entity-1")
	require.NoError(t, err)
	task.SetCatalogStore(store)
	require.NoError(t, task.LockSource(ctx))

	cp, err := task.CreateCheckpoint(ctx, false)
	require.NoError(t, err)

	prepareErr := make(chan error, 1)
	go func() { prepareErr <- cp.PrepareSource(ctx) }()

	_, err = cp.waitStatus(ctx, StatusPreparing)
	require.NoError(t, err)

	result, err := cp.Transfer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", result)

	close(proceed)
	require.NoError(t, <-prepareErr)

	finalStatus, err := cp.waitStatus(ctx, StatusSuccess, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, finalStatus, "last error: %v", cp.LastError())
}

func TestCheckpointStopCancelsAndJoinsRunningPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := t.TempDir()
	writeTree(t, root)

	store, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	release := make(chan struct{})
	e := testEngine(t)
	srcID := e.RegisterSource(&blockingSource{Source: sourceapi.NewLocalDirSource(core.NopLogger{}), release: release})
	tgtID := e.RegisterTarget(targetapi.NewChunklistTarget(t.TempDir(), core.NopLogger{}))

	task, err := e.CreateTask(ctx, srcID, root, tgtID, "entity-1")
	require.NoError(t, err)
	task.SetCatalogStore(store)
	require.NoError(t, task.LockSource(ctx))

	cp, err := task.CreateCheckpoint(ctx, false)
	require.NoError(t, err)

	result, err := cp.Transfer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", result)

	_, err = cp.waitStatus(ctx, StatusStart)
	require.NoError(t, err)

	require.NoError(t, cp.Stop(ctx))
	assert.Equal(t, StatusStopped, cp.Status())

	close(release)
}
