// Copyright 2025 RXinDexer Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chainsync drives the indexing pipeline: it discovers the node's
// tip, fans block fetch+parse out to a worker pool, commits results strictly
// in height order through a single committer, and detects and unwinds
// reorgs.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rxindexer/rxindexer/internal/config"
	"github.com/rxindexer/rxindexer/internal/logging"
	"github.com/rxindexer/rxindexer/internal/metrics"
	"github.com/rxindexer/rxindexer/internal/node"
	"github.com/rxindexer/rxindexer/internal/parser"
	"github.com/rxindexer/rxindexer/internal/storage"
)

// ErrDeepReorg means the chain diverged further back than the configured
// reorg limit; the coordinator halts and waits for operator intervention
var ErrDeepReorg = errors.New("reorg deeper than configured limit")

// errRestartBatch aborts the current batch after a successful unwind so the
// next pass replans from the rewound tip
var errRestartBatch = errors.New("restart batch")

// State is the coordinator's phase, exposed for logging and health
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateFetching
	StateCommitting
	StateUnwinding
	StateError
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateCommitting:
		return "committing"
	case StateUnwinding:
		return "unwinding"
	case StateError:
		return "error"
	}
	return "idle"
}

// ChainSource is the node-facing surface the coordinator needs. Satisfied
// by node.Client.
type ChainSource interface {
	TipHeight(ctx context.Context) (int64, error)
	BlockHash(ctx context.Context, height int64) (string, error)
	Block(ctx context.Context, hash string) (*node.Block, error)
}

const (
	// idleInterval spaces tip polls once caught up
	idleInterval = 5 * time.Second
	// errorCooldown spaces retries after a failed batch
	errorCooldown = 10 * time.Second
	// statusInterval spaces catch-up progress logs
	statusInterval = 30 * time.Second
)

// Coordinator owns the sync loop. One commit goroutine; fetch/parse
// parallelism is bounded by the configured worker count.
type Coordinator struct {
	logger    *slog.Logger
	source    ChainSource
	parser    *parser.Parser
	store     *storage.Store
	batchSize int64
	workers   int

	checkpointInterval int64
	reorgLimit         int64
	initialSyncMinimal bool

	stateMutex sync.Mutex
	state      State

	committedSinceCheckpoint int64
	lastStatusLog            time.Time
	statusBaseHeight         int64
}

func NewCoordinator(
	source ChainSource,
	blockParser *parser.Parser,
	store *storage.Store,
) *Coordinator {
	cfg := config.GetConfig()
	return &Coordinator{
		logger: logging.GetLogger().
			With("component", "chainsync"),
		source:             source,
		parser:             blockParser,
		store:              store,
		batchSize:          int64(cfg.Sync.BatchSize),
		workers:            int(cfg.Sync.Workers),
		checkpointInterval: int64(cfg.Sync.CheckpointInterval),
		reorgLimit:         int64(cfg.Sync.ReorgLimit),
		initialSyncMinimal: cfg.Sync.InitialSyncMinimal,
	}
}

// CurrentState returns the coordinator phase
func (c *Coordinator) CurrentState() State {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.state
}

func (c *Coordinator) setState(state State) {
	c.stateMutex.Lock()
	c.state = state
	c.stateMutex.Unlock()
}

// Run drives the sync loop until the context is cancelled or a deep reorg
// halts it. In-flight fetches abort on cancellation; an in-progress commit
// finishes or rolls back atomically.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.verifyRestartTip(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer func() {
		// Run's ctx is already done here
		if err := c.store.SetSyncing(context.Background(), false); err != nil {
			c.logger.Error("failed to clear syncing flag", "error", err)
		}
	}()
	for {
		err := c.syncOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, ErrDeepReorg),
			errors.Is(err, storage.ErrIntegrityViolation):
			c.setState(StateError)
			c.recordError(err)
			return err
		case err != nil:
			c.setState(StateError)
			c.recordError(err)
			if !sleepCtx(ctx, errorCooldown) {
				return nil
			}
		default:
			c.setState(StateIdle)
			if !sleepCtx(ctx, idleInterval) {
				return nil
			}
		}
	}
}

func (c *Coordinator) recordError(err error) {
	c.logger.Error("sync error", "error", err)
	if storeErr := c.store.SetLastError(
		context.Background(), err.Error(),
	); storeErr != nil {
		c.logger.Error("failed to record sync error", "error", storeErr)
	}
}

// verifyRestartTip confirms the stored tip hash still matches the node's
// chain at that height, triggering an unwind when a reorg happened while
// the indexer was down
func (c *Coordinator) verifyRestartTip(ctx context.Context) error {
	tip, err := c.store.GetTip(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	nodeHash, err := c.source.BlockHash(ctx, tip.Height)
	if err != nil && !errors.Is(err, node.ErrHeightBeyondTip) {
		return err
	}
	if err == nil && nodeHash == tip.Hash {
		return nil
	}
	c.logger.Warn(
		"stored tip no longer on the node's chain",
		"height", tip.Height,
		"stored_hash", tip.Hash,
	)
	return c.unwindToAncestor(ctx, tip.Height)
}

// syncOnce plans and executes one batch. Returning nil means the indexer is
// at the node's tip.
func (c *Coordinator) syncOnce(ctx context.Context) error {
	c.setState(StatePlanning)
	nodeTip, err := c.source.TipHeight(ctx)
	if err != nil {
		return err
	}
	metrics.NodeTipHeight.Set(float64(nodeTip))

	nextHeight := int64(0)
	lastHash := ""
	tip, err := c.store.GetTip(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		nextHeight = tip.Height + 1
		lastHash = tip.Hash
	}
	if nextHeight > nodeTip {
		if err := c.store.SetSyncing(ctx, false); err != nil {
			return err
		}
		// At tip: opportunistic refresh, paced by the min interval
		return c.checkpoint(ctx, nextHeight-1, nodeTip, false)
	}
	if err := c.store.SetSyncing(ctx, true); err != nil {
		return err
	}

	endHeight := nextHeight + c.batchSize - 1
	if endHeight > nodeTip {
		endHeight = nodeTip
	}
	if err := c.runBatch(ctx, nextHeight, endHeight, nodeTip, lastHash); err != nil {
		return err
	}
	return nil
}

type fetchResult struct {
	height   int64
	mutation *parser.BlockMutation
}

// runBatch fetches and parses [startHeight, endHeight] in parallel and
// commits in strict height order. Workers block when the reassembly buffer
// fills, which throttles fetching when storage lags.
func (c *Coordinator) runBatch(
	ctx context.Context,
	startHeight int64,
	endHeight int64,
	nodeTip int64,
	lastHash string,
) error {
	c.setState(StateFetching)
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heights := make(chan int64, endHeight-startHeight+1)
	for height := startHeight; height <= endHeight; height++ {
		heights <- height
	}
	close(heights)
	results := make(chan fetchResult, c.batchSize)

	var group errgroup.Group
	for i := 0; i < c.workers; i++ {
		group.Go(func() error {
			for height := range heights {
				mutation, err := c.fetchBlock(batchCtx, height)
				if err != nil {
					return err
				}
				select {
				case results <- fetchResult{height: height, mutation: mutation}:
				case <-batchCtx.Done():
					return batchCtx.Err()
				}
			}
			return nil
		})
	}
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- group.Wait()
		close(results)
	}()

	// Single committer drains the reassembly buffer in height order
	c.setState(StateCommitting)
	pending := make(map[int64]*parser.BlockMutation)
	nextCommit := startHeight
	commitOne := func(mutation *parser.BlockMutation) error {
		if lastHash != "" && mutation.Block.PrevHash != lastHash {
			// The fetched block doesn't extend our tip: reorg
			if err := c.unwindToAncestor(ctx, nextCommit - 1); err != nil {
				return err
			}
			return errRestartBatch
		}
		start := time.Now()
		err := c.store.CommitBlock(ctx, mutation)
		if errors.Is(err, storage.ErrConflictingBlock) {
			if err := c.unwindToAncestor(ctx, nextCommit - 1); err != nil {
				return err
			}
			return errRestartBatch
		}
		if err != nil {
			return err
		}
		metrics.CommitDuration.Observe(time.Since(start).Seconds())
		metrics.BlocksCommitted.Inc()
		metrics.SyncHeight.Set(float64(mutation.Block.Height))
		lastHash = mutation.Block.Hash
		nextCommit++
		c.committedSinceCheckpoint++
		c.logProgress(mutation.Block.Height, nodeTip)
		if c.committedSinceCheckpoint >= c.checkpointInterval {
			c.committedSinceCheckpoint = 0
			if err := c.checkpoint(
				ctx, mutation.Block.Height, nodeTip, true,
			); err != nil {
				return err
			}
		}
		return nil
	}
	for result := range results {
		pending[result.height] = result.mutation
		for {
			mutation, ok := pending[nextCommit]
			if !ok {
				break
			}
			delete(pending, nextCommit)
			if err := commitOne(mutation); err != nil {
				cancel()
				// Drain workers before returning
				for range results {
				}
				<-fetchErr
				if errors.Is(err, errRestartBatch) {
					// Unwound cleanly; the next pass replans from the
					// new tip
					return nil
				}
				return err
			}
		}
	}
	if err := <-fetchErr; err != nil {
		return err
	}
	if nextCommit <= endHeight {
		return fmt.Errorf(
			"batch ended at height %d before reaching %d",
			nextCommit-1, endHeight,
		)
	}
	return nil
}

func (c *Coordinator) fetchBlock(
	ctx context.Context,
	height int64,
) (*parser.BlockMutation, error) {
	hash, err := c.source.BlockHash(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("fetching hash at %d: %w", height, err)
	}
	block, err := c.source.Block(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetching block %s: %w", hash, err)
	}
	if block.Height != height {
		return nil, fmt.Errorf(
			"%w: block %s reports height %d, expected %d",
			storage.ErrIntegrityViolation, hash, block.Height, height,
		)
	}
	return c.parser.ParseBlock(block)
}

// unwindToAncestor walks backward from localTip comparing stored and node
// hashes until they agree, then unwinds storage to that height. Bounded by
// the reorg limit.
func (c *Coordinator) unwindToAncestor(
	ctx context.Context,
	localTip int64,
) error {
	c.setState(StateUnwinding)
	for height := localTip; height >= 0; height-- {
		if localTip-height >= c.reorgLimit {
			return fmt.Errorf(
				"%w: no common ancestor within %d blocks of height %d",
				ErrDeepReorg, c.reorgLimit, localTip,
			)
		}
		storedHash, err := c.store.BlockHashAt(ctx, height)
		if err != nil {
			return err
		}
		nodeHash, err := c.source.BlockHash(ctx, height)
		if errors.Is(err, node.ErrHeightBeyondTip) {
			continue
		}
		if err != nil {
			return err
		}
		if storedHash == nodeHash {
			c.logger.Info(
				"unwinding to common ancestor",
				"ancestor_height", height,
				"blocks_unwound", localTip-height,
			)
			metrics.BlocksUnwound.Add(float64(localTip - height))
			return c.store.UnwindTo(ctx, height)
		}
	}
	// Divergence reaches genesis
	if localTip < c.reorgLimit {
		c.logger.Warn("unwinding entire chain")
		metrics.BlocksUnwound.Add(float64(localTip + 1))
		return c.store.UnwindTo(ctx, -1)
	}
	return fmt.Errorf(
		"%w: no common ancestor within %d blocks of height %d",
		ErrDeepReorg, c.reorgLimit, localTip,
	)
}

// checkpoint persists a projection refresh. During minimal initial sync the
// refresh is deferred until the indexer is close to the node tip; the
// projection would be recomputed thousands of times for data nobody can
// query consistently yet.
func (c *Coordinator) checkpoint(
	ctx context.Context,
	height int64,
	nodeTip int64,
	force bool,
) error {
	if c.initialSyncMinimal && nodeTip-height > c.checkpointInterval {
		return nil
	}
	ran, err := c.store.RefreshBalanceProjection(ctx, force)
	if err != nil {
		return err
	}
	if ran {
		metrics.ProjectionRefreshes.Inc()
	}
	return nil
}

// logProgress emits a catch-up status line every statusInterval
func (c *Coordinator) logProgress(height int64, nodeTip int64) {
	now := time.Now()
	if c.lastStatusLog.IsZero() {
		c.lastStatusLog = now
		c.statusBaseHeight = height
		return
	}
	elapsed := now.Sub(c.lastStatusLog)
	if elapsed < statusInterval {
		return
	}
	rate := float64(height-c.statusBaseHeight) / elapsed.Seconds()
	c.logger.Info(
		"sync progress",
		"height", height,
		"node_tip", nodeTip,
		"blocks_per_sec", fmt.Sprintf("%.1f", rate),
	)
	c.lastStatusLog = now
	c.statusBaseHeight = height
}

// sleepCtx sleeps unless the context ends first; returns false on
// cancellation
func sleepCtx(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
