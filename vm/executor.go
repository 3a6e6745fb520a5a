package vm

import (
	"fmt"
	"math"

	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
	"github.com/hotdex/node/events"
	"github.com/hotdex/node/lob"
	"github.com/hotdex/node/margin"
)

// Context is passed to every Handler and provides access to the chain state,
// the current block, the triggering transaction, and the event emitter. LOB
// and Margin are nil for native handlers that never touch them; precompile
// handlers (vm/precompile.go) are the only callers that dereference them.
type Context struct {
	State   core.State
	Block   *consensus.Block
	Tx      *core.Transaction
	Emitter *events.Emitter
	LOB     *lob.Engine
	Margin  *margin.Engine
}

// Executor applies transactions to the state using the global Handler registry.
// It is the engine room behind the bridge's single apply/commit/rollback point:
// the bridge calls ExecuteBlock inside a state snapshot and decides whether to
// keep or discard the result.
type Executor struct {
	state   core.State
	emitter *events.Emitter
	lob     *lob.Engine
	margin  *margin.Engine
}

// NewExecutor creates an Executor with the given state, event emitter, and
// the LOB/margin engines precompile handlers dispatch into.
func NewExecutor(state core.State, emitter *events.Emitter, lobEngine *lob.Engine, marginEngine *margin.Engine) *Executor {
	return &Executor{state: state, emitter: emitter, lob: lobEngine, margin: marginEngine}
}

// ExecuteBlock applies all transactions in block sequentially.
// A failing transaction causes the whole block to be rejected.
func (e *Executor) ExecuteBlock(block *consensus.Block) error {
	for _, tx := range block.Transactions {
		if err := e.ExecuteTx(block, tx); err != nil {
			return fmt.Errorf("tx %s failed: %w", tx.ID, err)
		}
	}
	return nil
}

// ExecuteTx verifies and executes a single transaction with snapshot/rollback.
func (e *Executor) ExecuteTx(block *consensus.Block, tx *core.Transaction) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if err := e.applyTx(block, tx); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr)
		}
		return err
	}

	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxID:        tx.ID,
			BlockHeight: block.Height,
			Data:        map[string]any{"type": string(tx.Type), "from": tx.From},
		})
	}
	return nil
}

// applyTx deducts the fee, increments the nonce, then dispatches to the
// handler registered for tx.Type — either a native module handler
// (vm/modules/economy) or a precompile route (lob/margin).
func (e *Executor) applyTx(block *consensus.Block, tx *core.Transaction) error {
	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce != tx.Nonce {
		return fmt.Errorf("invalid nonce: expected %d got %d", acc.Nonce, tx.Nonce)
	}
	if acc.Balance < tx.Fee {
		return fmt.Errorf("insufficient balance for fee: have %d need %d", acc.Balance, tx.Fee)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("nonce overflow for account %s", tx.From)
	}
	acc.Balance -= tx.Fee
	acc.Nonce++
	if err := e.state.SetAccount(acc); err != nil {
		return err
	}

	ctx := &Context{
		State:   e.state,
		Block:   block,
		Tx:      tx,
		Emitter: e.emitter,
		LOB:     e.lob,
		Margin:  e.margin,
	}
	return globalRegistry.Execute(tx.Type, ctx, tx.Payload)
}
