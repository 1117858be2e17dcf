// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package engine

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/ashgrove/vaultkeep/pkg/catalog"
	"github.com/ashgrove/vaultkeep/pkg/config"
	"github.com/ashgrove/vaultkeep/pkg/core"
	"github.com/ashgrove/vaultkeep/pkg/core/pool"
	"github.com/ashgrove/vaultkeep/pkg/diffcodec"
	"github.com/ashgrove/vaultkeep/pkg/engineerr"
	"github.com/ashgrove/vaultkeep/pkg/meta"
	"github.com/ashgrove/vaultkeep/pkg/sourceapi"
	"github.com/ashgrove/vaultkeep/pkg/storage"
	"github.com/ashgrove/vaultkeep/pkg/targetapi"
	"github.com/ashgrove/vaultkeep/pkg/taskmode"
)

// Status is one state in the Checkpoint state machine (spec.md §4.5).
type Status int

const (
	StatusStandby Status = iota
	StatusPreparing
	StatusPrepareStarted
	StatusStarting
	StatusSourceStarted
	StatusStart
	StatusStopping
	StatusSourceStopped
	StatusTargetStopped
	StatusStopped
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStandby:
		return "STANDBY"
	case StatusPreparing:
		return "PREPARING"
	case StatusPrepareStarted:
		return "PREPARE_STARTED"
	case StatusStarting:
		return "STARTING"
	case StatusSourceStarted:
		return "SOURCE_STARTED"
	case StatusStart:
		return "START"
	case StatusStopping:
		return "STOPPING"
	case StatusSourceStopped:
		return "SOURCE_STOPPED"
	case StatusTargetStopped:
		return "TARGET_STOPPED"
	case StatusStopped:
		return "STOPPED"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type checkpointParams struct {
	task           *Task
	version        int64
	prevVersion    *int64
	prevCheckpoint *Checkpoint
	lockedStateID  string
	files          *catalog.FilesDB
	chunks         *catalog.ChunksDB
	cfg            config.Config
	diffs          *diffcodec.Registry
	diffMode       diffcodec.Name
	mode           taskmode.Mode
	logger         core.Logger
}

// Checkpoint is the central state machine: it owns one versioned
// snapshot of work, drives the source scan, packs chunks, and drives
// the target upload (spec.md §2, §4.5, §4.6).
type Checkpoint struct {
	task           *Task
	prevCheckpoint *Checkpoint
	lockedStateID  string
	files          *catalog.FilesDB
	chunks         *catalog.ChunksDB
	cfg            config.Config
	diffs          *diffcodec.Registry
	diffMode       diffcodec.Name
	mode           taskmode.Mode
	logger         core.Logger

	mu                sync.Mutex
	status            Status
	meta              meta.CheckpointMeta
	lastErr           error
	sourceLocked      sourceapi.SourceLocked
	target            targetapi.TargetCheckpoint
	statusCh          chan struct{}
	stopRequested     bool
	runCancel         context.CancelFunc
	transferRequested bool
}

func newCheckpoint(p checkpointParams) *Checkpoint {
	return &Checkpoint{
		task:           p.task,
		prevCheckpoint: p.prevCheckpoint,
		lockedStateID:  p.lockedStateID,
		files:          p.files,
		chunks:         p.chunks,
		cfg:            p.cfg,
		diffs:          p.diffs,
		diffMode:       p.diffMode,
		mode:           p.mode,
		logger:         p.logger,
		status:         StatusStandby,
		meta: meta.CheckpointMeta{
			Version:     p.version,
			TaskUUID:    p.task.uuid,
			PrevVersion: p.prevVersion,
		},
		statusCh: make(chan struct{}),
	}
}

// Version returns this Checkpoint's monotonic version.
func (c *Checkpoint) Version() int64 { return c.meta.Version }

// Status returns the current state-machine status.
func (c *Checkpoint) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Terminal reports whether this Checkpoint counts as "finished" for
// the purposes of the Task's at-most-one-unfinished-Checkpoint
// invariant (spec.md §3): SUCCESS, FAILED, or STOPPED.
func (c *Checkpoint) Terminal() bool {
	switch c.Status() {
	case StatusSuccess, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// LastError returns the error that drove this Checkpoint to FAILED, if any.
func (c *Checkpoint) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Checkpoint) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	ch := c.statusCh
	c.statusCh = make(chan struct{})
	c.mu.Unlock()
	close(ch)
	c.logger.Info("checkpoint.status", "status", s.String())
}

func (c *Checkpoint) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn("checkpoint.failed", "error", err.Error())
	c.setStatus(StatusFailed)
}

// waitStatus blocks until the status is one of targets or ctx is cancelled.
func (c *Checkpoint) waitStatus(ctx context.Context, targets ...Status) (Status, error) {
	for {
		c.mu.Lock()
		cur := c.status
		ch := c.statusCh
		c.mu.Unlock()
		for _, want := range targets {
			if cur == want {
				return cur, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Transfer implements the transfer() operation of spec.md §4.5: it
// returns a symbolic result immediately and, when it moves the
// Checkpoint out of STANDBY/STOPPED/FAILED/PREPARE_STARTED, spawns the
// source and target workers as goroutines; called during PREPARING it
// has the running PrepareSource start them once the scan completes
// (spec.md §9: "Checkpoint
// exposes run_source_worker/run_target_worker as cancellable
// unit-of-work operations; the runtime schedules them").
func (c *Checkpoint) Transfer(ctx context.Context) (string, error) {
	c.mu.Lock()
	status := c.status
	switch status {
	case StatusStandby, StatusStopped, StatusFailed:
		c.status = StatusStarting
		c.lastErr = nil
		c.stopRequested = false
		runCtx, cancel := context.WithCancel(ctx)
		c.runCancel = cancel
		c.mu.Unlock()
		go c.runPipeline(runCtx, cancel, true)
		return "pending", nil
	case StatusPreparing:
		// A concurrent PrepareSource is still running; ask it to hand off
		// straight into the pipeline once it reaches PREPARE_STARTED
		// instead of stalling there (PrepareSource's own setStatus call
		// would otherwise clobber any status Transfer sets here).
		c.transferRequested = true
		c.mu.Unlock()
		return "pending", nil
	case StatusPrepareStarted:
		c.status = StatusSourceStarted
		c.stopRequested = false
		runCtx, cancel := context.WithCancel(ctx)
		c.runCancel = cancel
		c.mu.Unlock()
		go c.runPipeline(runCtx, cancel, false)
		return "pending", nil
	case StatusStarting, StatusSourceStarted, StatusStart:
		c.mu.Unlock()
		return "pending", nil
	case StatusSuccess:
		c.mu.Unlock()
		return "ok", nil
	case StatusStopping, StatusSourceStopped, StatusTargetStopped:
		c.mu.Unlock()
		return "invalid-status", nil
	default:
		c.mu.Unlock()
		return "invalid-status", nil
	}
}

// PrepareSource implements the standalone prepare_source() action,
// running the source scan synchronously without starting the target
// worker.
func (c *Checkpoint) PrepareSource(ctx context.Context) error {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	switch status {
	case StatusStandby, StatusStopped, StatusFailed:
	default:
		return engineerr.New(engineerr.KindInvalidStatus, "Checkpoint.PrepareSource", "cannot prepare from "+status.String())
	}

	c.setStatus(StatusPreparing)
	if err := c.ensureSourceLocked(ctx); err != nil {
		c.fail(err)
		return err
	}
	if err := c.sourceLocked.Prepare(ctx, c.files); err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	handoff := c.transferRequested
	c.transferRequested = false
	if handoff {
		c.status = StatusSourceStarted
		c.stopRequested = false
		runCtx, cancel := context.WithCancel(ctx)
		c.runCancel = cancel
		c.mu.Unlock()
		go c.runPipeline(runCtx, cancel, false)
		return nil
	}
	c.mu.Unlock()

	c.setStatus(StatusPrepareStarted)
	return nil
}

func (c *Checkpoint) ensureSourceLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.sourceLocked != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	locked, err := c.task.sourceTask.Locked(ctx, c.lockedStateID, c.task.lockedToken)
	if err != nil {
		return err
	}
	if binder, ok := locked.(filesBindable); ok {
		binder.BindFiles(c.files)
	}
	c.mu.Lock()
	c.sourceLocked = locked
	c.mu.Unlock()
	return nil
}

// filesBindable is implemented by SourceLocked implementations whose
// WaitNewFile wants the FilesDB handle its own scan writes into, so it
// can block on the catalog's new-file notification instead of only on
// ctx cancellation (localDirLocked's implementation).
type filesBindable interface {
	BindFiles(files *catalog.FilesDB)
}

// runPipeline drives the Checkpoint from STARTING through SUCCESS,
// FAILED, or STOPPED, running the source and target workers
// concurrently on a context owned by this run. Stop() cancels that
// context to make STOPPING actually join the workers (spec.md §5:
// "when the Checkpoint transitions to STOPPING, all workers must
// return at the next suspension point without producing further side
// effects").
func (c *Checkpoint) runPipeline(ctx context.Context, cancel context.CancelFunc, needsPrepare bool) {
	defer cancel()

	if needsPrepare {
		if err := c.ensureSourceLocked(ctx); err != nil {
			c.finishPipeline(err)
			return
		}
		if err := c.sourceLocked.Prepare(ctx, c.files); err != nil {
			c.finishPipeline(err)
			return
		}
	}

	c.setStatus(StatusSourceStarted)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- c.runSourceWorker(ctx)
	}()

	c.setStatus(StatusStart)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- c.runTargetWorker(ctx)
	}()

	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.finishPipeline(firstErr)
}

// finishPipeline resolves a completed run to its terminal status. A
// Stop() call takes priority over any worker error, including the
// context.Canceled Stop() itself induces, so a stop concurrent with a
// failing worker still lands on STOPPED rather than FAILED.
func (c *Checkpoint) finishPipeline(err error) {
	c.mu.Lock()
	stopped := c.stopRequested
	c.mu.Unlock()

	if stopped {
		c.setStatus(StatusSourceStopped)
		c.setStatus(StatusTargetStopped)
		c.setStatus(StatusStopped)
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.setStatus(StatusSuccess)
}

// runSourceWorker computes content hashes and, for delta Checkpoints,
// diffs, for every file the scan enumerated (spec.md §4.4
// get_no_hash_files / update_file_hash_and_diff).
func (c *Checkpoint) runSourceWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := c.files.GetNoHashFiles(ctx, 64)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			finished, err := c.files.IsScanFinish(ctx)
			if err != nil {
				return err
			}
			if finished {
				return nil
			}
			if err := c.sourceLocked.WaitNewFile(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			continue
		}

		if err := c.hashBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// hashBatch runs hashFile over batch using a bounded worker pool
// (pkg/core/pool), since hashing and diffing are independent per file
// and I/O-bound.
func (c *Checkpoint) hashBatch(ctx context.Context, batch []catalog.FileRecord) error {
	items := make(chan catalog.FileRecord, len(batch))
	for _, rec := range batch {
		items <- rec
	}
	close(items)

	size := c.cfg.WorkerPoolSize
	if size <= 0 {
		size = 1
	}
	return pool.Run(ctx, pool.New(pool.Config{Size: size}), items, c.hashFile)
}

func (c *Checkpoint) hashFile(ctx context.Context, rec catalog.FileRecord) error {
	content, err := storage.ReadFull(ctx, c.sourceLocked, rec.Path)
	if err != nil {
		return engineerr.Wrap(engineerr.KindSourceUnavailable, "Checkpoint.runSourceWorker", "read "+rec.Path, err)
	}
	sum := sha256.Sum256(content)

	var diff []byte
	if c.meta.PrevVersion != nil && c.diffMode != diffcodec.NameNone {
		if base, ok, berr := c.baseContent(ctx, rec.Path); berr == nil && ok {
			algo, _ := c.diffs.Get(c.diffMode)
			if algo != nil {
				delta, derr := algo.Diff(base, content)
				if derr == nil {
					encoded, eerr := diffcodec.EncodeDelta(delta)
					if eerr == nil {
						diff = encoded
					}
				}
			}
		}
	}

	return c.files.UpdateFileHashAndDiff(ctx, rec.Path, sum[:], diff)
}

// baseContent resolves path's content in the prior SUCCESS Checkpoint
// used as the delta base, for diff computation and restore.
func (c *Checkpoint) baseContent(ctx context.Context, path string) ([]byte, bool, error) {
	if c.prevCheckpoint == nil {
		return nil, false, nil
	}
	prevTarget := c.prevCheckpoint.TargetCheckpoint()
	if prevTarget == nil {
		return nil, false, nil
	}
	content, err := storage.ReadFull(ctx, prevTarget, path)
	if err != nil {
		return nil, false, nil
	}
	return content, true, nil
}

// TargetCheckpoint returns the TargetCheckpoint this Checkpoint
// uploaded (or restored) through, once obtained.
func (c *Checkpoint) TargetCheckpoint() targetapi.TargetCheckpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// runTargetWorker obtains a TargetCheckpoint and drives the upload to
// completion by pulling chunks from this Checkpoint's packer.
func (c *Checkpoint) runTargetWorker(ctx context.Context) error {
	streaming, ok := c.task.targetTask.(targetapi.StreamingFlavor)
	if !ok {
		return engineerr.New(engineerr.KindBadParam, "Checkpoint.runTargetWorker", "fill-meta targets are not supported by this engine build")
	}

	entityID := c.task.uuid
	if err := streaming.CreateNewCheckPoint(ctx, entityID, c.mode, c.meta.Version); err != nil {
		return err
	}
	tc, err := streaming.Checkpoint(ctx, c.meta.Version)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.target = tc
	c.mu.Unlock()

	if wired, ok := tc.(catalogWireable); ok {
		wired.SetCatalogs(c.files, c.chunks, c.diffs, func(ctx context.Context, path string) ([]byte, error) {
			content, _, err := c.baseContent(ctx, path)
			return content, err
		})
	}

	if err := tc.Transfer(ctx, c); err != nil {
		return err
	}
	// Transfer returns nil when Stop interrupts it; Stop cancels ctx
	// first, so a stopped upload is not finished.
	if err := ctx.Err(); err != nil {
		return err
	}
	return tc.FinishCheckPoint(ctx)
}

// catalogWireable is implemented by TargetCheckpoints that serve
// restore reads from the same catalogs the packer wrote to (the
// chunklist implementation); folder-mode targets read their
// materialized tree directly and do not need it.
type catalogWireable interface {
	SetCatalogs(files *catalog.FilesDB, chunks *catalog.ChunksDB, diffs *diffcodec.Registry, baseContent func(context.Context, string) ([]byte, error))
}

// Stop drives STOPPING -> SOURCE_STOPPED -> TARGET_STOPPED -> STOPPED
// (spec.md §5). It is safe to call from any non-terminal status. When a
// pipeline is actually running, Stop cancels its context and blocks
// until runPipeline has joined the source and target workers and
// reached a terminal status, so a caller never observes a Checkpoint
// still mutating the target after Stop returns.
func (c *Checkpoint) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusSuccess, StatusFailed, StatusStopped:
		c.mu.Unlock()
		return nil
	}
	c.stopRequested = true
	cancel := c.runCancel
	target := c.target
	c.mu.Unlock()

	if cancel == nil {
		// No run is in flight (Stop called before the first Transfer),
		// so there is nothing to cancel or join; drive the cascade directly.
		c.setStatus(StatusStopping)
		c.setStatus(StatusSourceStopped)
		c.setStatus(StatusTargetStopped)
		c.setStatus(StatusStopped)
		return nil
	}

	c.setStatus(StatusStopping)
	cancel()
	if target != nil {
		_ = target.Stop(ctx)
	}

	_, err := c.waitStatus(ctx, StatusStopped, StatusSuccess, StatusFailed)
	return err
}
