// Package bridge is the single point through which a HotStuff block mutates
// world state: it wires the executor (native + precompile dispatch), the
// LOB engine and the margin engine under one snapshot/commit/rollback
// discipline and satisfies consensus.BlockApplier so the engine never
// touches core.State directly.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
	"github.com/hotdex/node/events"
	"github.com/hotdex/node/lob"
	"github.com/hotdex/node/margin"
	"github.com/hotdex/node/storage"
	"github.com/hotdex/node/vm"
)

// pendingApply records one Apply call that has not yet reached the
// three-chain commit point. Three-chain HotStuff keeps several speculative
// blocks layered on top of each other (the proposing validator applies
// each block as it arrives, long before that block's own QC, let alone the
// three-chain rule, confirms it) so Bridge tracks a FIFO queue of them
// rather than a single slot.
type pendingApply struct {
	block    *consensus.Block
	selfSnap int // snapshot id taken immediately before this block executed
	root     consensus.Hash
}

// Bridge is the bridge.Bridge mentioned in consensus/engine.go's BlockApplier
// doc comment. One Bridge is built per node and handed to consensus.NewEngine.
type Bridge struct {
	mu          sync.Mutex
	executor    *vm.Executor
	lob         *lob.Engine
	margin      *margin.Engine
	checkpoints *storage.CheckpointManager
	emitter     *events.Emitter

	state   core.State
	pending []pendingApply
}

// NewBridge builds a Bridge over the given executor and matching/margin
// engines. checkpoints may be nil to disable periodic checkpointing (e.g.
// in tests backed by an in-memory state).
func NewBridge(executor *vm.Executor, lobEngine *lob.Engine, marginEngine *margin.Engine, checkpoints *storage.CheckpointManager, emitter *events.Emitter) *Bridge {
	return &Bridge{executor: executor, lob: lobEngine, margin: marginEngine, checkpoints: checkpoints, emitter: emitter}
}

// Apply executes block's transactions, runs the per-block funding/expiry/
// liquidation sweep, and returns the resulting state root. The block's
// snapshot is appended to the pending queue rather than committed; Commit
// resolves the oldest queued block once the three-chain rule confirms it,
// and Rollback is a no-op here since a failed Apply already self-reverts
// below, never joining the queue in the first place.
func (b *Bridge) Apply(block *consensus.Block, state core.State) (consensus.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = state

	snapID, err := state.Snapshot()
	if err != nil {
		return consensus.Hash{}, fmt.Errorf("bridge: snapshot: %w", err)
	}

	if err := b.executor.ExecuteBlock(block); err != nil {
		_ = state.RevertToSnapshot(snapID)
		return consensus.Hash{}, fmt.Errorf("bridge: execute block: %w", err)
	}

	now := block.Timestamp
	for _, asset := range b.lob.Assets() {
		if err := b.margin.ApplyFunding(state, asset, now); err != nil {
			_ = state.RevertToSnapshot(snapID)
			return consensus.Hash{}, fmt.Errorf("bridge: apply funding for %s: %w", asset, err)
		}
	}
	b.lob.SweepExpired(now)

	if err := b.liquidateDueAccounts(state, now); err != nil {
		_ = state.RevertToSnapshot(snapID)
		return consensus.Hash{}, fmt.Errorf("bridge: liquidation sweep: %w", err)
	}

	root := consensus.Hash(state.ComputeRoot())
	b.pending = append(b.pending, pendingApply{block: block, selfSnap: snapID, root: root})
	return root, nil
}

// liquidateDueAccounts sweeps every distinct account holding an open
// position and runs the margin engine's health check against it. Partial
// liquidation is the default trigger mode for this automatic per-block
// sweep; a user-submitted liquidate call (precompile selector
// abi.SelectorLiquidate) is not yet wired to a TxType and so only this
// sweep currently drives liquidation (see DESIGN.md). margin.Engine has no
// emitter of its own (it is usable standalone, outside a block context), so
// the bridge compares each swept user's position sizes before/after the
// call (a shrunken or vanished position) to know whether to emit
// events.EventLiquidation.
func (b *Bridge) liquidateDueAccounts(state core.State, now int64) error {
	seen := make(map[string]bool)
	for _, asset := range b.lob.Assets() {
		positions, err := state.ListPositionsByAsset(asset)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			if seen[pos.User] {
				continue
			}
			seen[pos.User] = true

			before, err := state.ListPositionsByUser(pos.User)
			if err != nil {
				return err
			}
			beforeSize := make(map[string]*uint256.Int, len(before))
			for _, p := range before {
				beforeSize[p.ID] = p.SignedSize.Abs
			}

			if err := b.margin.CheckAndLiquidate(state, pos.User, margin.LiquidationPartial, now); err != nil {
				return fmt.Errorf("liquidate %s: %w", pos.User, err)
			}

			after, err := state.ListPositionsByUser(pos.User)
			if err != nil {
				return err
			}
			afterByID := make(map[string]bool, len(after))
			reduced := false
			for _, p := range after {
				afterByID[p.ID] = true
				if was, ok := beforeSize[p.ID]; ok && p.SignedSize.Abs.Lt(was) {
					reduced = true
				}
			}
			for id := range beforeSize {
				if !afterByID[id] {
					reduced = true // position fully closed by liquidation
				}
			}
			if reduced && b.emitter != nil {
				b.emitter.Emit(events.Event{
					Type: events.EventLiquidation,
					Data: map[string]any{"user": pos.User, "asset": asset, "timestamp": now},
				})
			}
		}
	}
	return nil
}

// Commit resolves the oldest queued Apply, flushing exactly its writes to
// durable storage and running the checkpoint manager if configured. When a
// newer block is already queued on top of it, that block's own pre-apply
// snapshot marks precisely where the committing block's writes end, so
// that one is flushed instead of the (further advanced) live buffer.
func (b *Bridge) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return errors.New("bridge: Commit with no pending Apply")
	}
	committing := b.pending[0]

	var err error
	if len(b.pending) > 1 {
		err = b.state.CommitSnapshot(b.pending[1].selfSnap)
	} else {
		err = b.state.Commit()
	}
	if err != nil {
		return fmt.Errorf("bridge: commit state: %w", err)
	}
	b.pending = b.pending[1:]

	if b.checkpoints != nil {
		if err := b.checkpoints.MaybeCheckpoint(committing.block.Height, committing.block.View, committing.root, committing.block.Timestamp); err != nil {
			return fmt.Errorf("bridge: checkpoint: %w", err)
		}
	}
	return nil
}

// Rollback is a no-op: the engine calls it as a safety net right after a
// failed Apply, but Apply already reverts its own snapshot before
// returning an error, so there is never a dangling entry left for Rollback
// to discard. Abandoning an already-applied-but-not-yet-committed block
// (a competing branch winning a later view) is not modeled by this engine
// and so is not handled here either.
func (b *Bridge) Rollback() {}
