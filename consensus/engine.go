// Package consensus implements three-chain HotStuff BFT consensus: block
// proposal, voting, QC formation and the safety/liveness predicates that
// keep honest validators from equivocating.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hotdex/node/core"
	"github.com/hotdex/node/crypto"
	"github.com/hotdex/node/events"
)

// BlockApplier is the single point (C12, the bridge) through which a block
// mutates world state. Defined here rather than imported from the bridge
// package so consensus has no dependency on bridge's LOB/margin wiring;
// bridge.Bridge satisfies this interface structurally.
type BlockApplier interface {
	Apply(block *Block, state core.State) (stateRoot Hash, err error)
	Commit() error
	Rollback()
}

// Transport is everything the engine needs from the network layer: casting
// votes/proposals/new-views and nothing else (send-only; message receipt is
// delivered back into the engine's event loop by the caller).
type Transport interface {
	BroadcastProposal(block *Block)
	SendVote(to int, vote *Vote)
	BroadcastNewView(msg *NewViewMsg)
}

// ValidatorSet is the fixed committee this engine runs consensus over.
type ValidatorSet struct {
	PubKeys []*crypto.BLSPublicKey
}

// N returns the committee size.
func (vs *ValidatorSet) N() int { return len(vs.PubKeys) }

// Quorum returns (n, f, threshold=n-f) for n = 3f+1.
func (vs *ValidatorSet) Quorum() (n, f, threshold int) {
	n = len(vs.PubKeys)
	f = (n - 1) / 3
	threshold = n - f
	return
}

// voteRound accumulates votes for a single (view, block_hash) pair.
type voteRound struct {
	votes map[int]*Vote
}

// Engine is the HotStuff state machine for one validator. Generalizes
// consensus/poa.go's New/ProduceBlock/ValidateBlock/Run shape from
// round-robin PoA to propose/vote/QC/commit.
type Engine struct {
	chain      *Chain
	state      core.State
	mempool    *core.Mempool
	bridge     BlockApplier
	emitter    *events.Emitter
	transport  Transport
	pacemaker  *Pacemaker
	validators *ValidatorSet
	selfIdx    int
	blsKey     *crypto.BLSSecretKey
	maxBlockTxs int
	log        *zap.Logger

	vs     ValidatorState
	rounds map[View]map[Hash]*voteRound
}

// NewEngine constructs an Engine for the local validator at selfIdx.
func NewEngine(
	chain *Chain,
	state core.State,
	mempool *core.Mempool,
	bridge BlockApplier,
	emitter *events.Emitter,
	transport Transport,
	pacemaker *Pacemaker,
	validators *ValidatorSet,
	selfIdx int,
	blsKey *crypto.BLSSecretKey,
	maxBlockTxs int,
	log *zap.Logger,
) *Engine {
	if maxBlockTxs <= 0 {
		maxBlockTxs = 500
	}
	return &Engine{
		chain:       chain,
		state:       state,
		mempool:     mempool,
		bridge:      bridge,
		emitter:     emitter,
		transport:   transport,
		pacemaker:   pacemaker,
		validators:  validators,
		selfIdx:     selfIdx,
		blsKey:      blsKey,
		maxBlockTxs: maxBlockTxs,
		log:         log,
		rounds:      make(map[View]map[Hash]*voteRound),
	}
}

// IsLeader reports whether this validator is the leader for view.
func (e *Engine) IsLeader(view View) bool {
	return e.pacemaker.Leader(view) == e.selfIdx
}

// AdvanceView moves to the next view, called by the pacemaker-driven loop
// once a view's QC has formed (or its timeout fires, via NewView exchange)
// so the next leader can propose (§4.4).
func (e *Engine) AdvanceView() {
	e.vs.CurrentView++
}

// Run drives the view-by-view propose/advance loop on a fixed interval,
// generalizing poa.go's Run(interval, done) ticker shape from round-robin
// PoA to HotStuff: each tick, the current view's leader proposes (votes and
// QC formation happen inline via Transport as OnReceiveVote/OnReceiveProposal
// fire), then every validator advances to the next view regardless of
// whether it led it. interval should comfortably exceed one network
// round trip; a validator that misses its turn just skips a view.
func (e *Engine) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if e.IsLeader(e.vs.CurrentView) {
				if _, err := e.Propose(); err != nil {
					e.log.Warn("propose failed", zap.Uint64("view", uint64(e.vs.CurrentView)), zap.Error(err))
				}
			}
			e.AdvanceView()
		}
	}
}

// Propose builds a block for the current view from pending mempool
// transactions, extending qc_high (§4.5 propose, leader only).
func (e *Engine) Propose() (*Block, error) {
	if !e.IsLeader(e.vs.CurrentView) {
		return nil, errors.New("not the leader for this view")
	}
	txs := e.mempool.Pending(e.maxBlockTxs)

	var parent Hash
	var height int64
	if e.vs.QCHigh != nil {
		parent = e.vs.QCHigh.BlockHash
		parentBlock, err := e.chain.GetBlock(parent)
		if err != nil {
			return nil, fmt.Errorf("propose: load qc_high block: %w", err)
		}
		height = parentBlock.Height + 1
	} else {
		parent = Hash{}
		height = 1
	}

	block := NewBlock(height, e.vs.CurrentView, parent, e.vs.QCHigh, e.selfIdx, time.Now().UnixNano(), txs)
	if err := e.chain.Insert(block); err != nil {
		return nil, fmt.Errorf("propose: insert block: %w", err)
	}
	e.transport.BroadcastProposal(block)
	return block, nil
}

// OnReceiveProposal validates and (if safe) votes for a proposed block
// (§4.5 on_receive_proposal).
func (e *Engine) OnReceiveProposal(block *Block) error {
	expectedLeader := e.pacemaker.Leader(block.View)
	if block.Proposer != expectedLeader {
		return fmt.Errorf("wrong proposer for view %d: got %d want %d", block.View, block.Proposer, expectedLeader)
	}
	if !e.vs.CanVote(block.View) {
		return fmt.Errorf("already voted at or after view %d", block.View)
	}
	safe, err := SafeNode(chainAsBlockStore{e.chain}, block, &e.vs)
	if err != nil {
		return fmt.Errorf("safe_node check: %w", err)
	}
	if !safe {
		return errors.New("proposal fails safe_node predicate, dropping")
	}

	if err := e.chain.Insert(block); err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}

	stateRoot, err := e.bridge.Apply(block, e.state)
	if err != nil {
		// Invalid proposal: drop, no vote, no error propagated upstream (§4.5
		// failure semantics).
		e.bridge.Rollback()
		e.log.Warn("dropping invalid proposal", zap.Int64("height", block.Height), zap.Error(err))
		return nil
	}
	block.StateRoot = stateRoot

	vote := NewVote(block.CachedHash(), block.View, block.Height, e.selfIdx, e.blsKey)
	e.vs.RecordVote(block.View, block.Height)

	leader := e.pacemaker.Leader(block.View)
	e.transport.SendVote(leader, vote)
	return nil
}

// OnReceiveVote collects BLS partials per (block_hash, view); upon reaching
// n-f, aggregates into a QC and triggers commit_check (§4.5).
func (e *Engine) OnReceiveVote(vote *Vote) error {
	if vote.VoterIdx < 0 || vote.VoterIdx >= e.validators.N() {
		return fmt.Errorf("vote from unknown validator index %d", vote.VoterIdx)
	}
	if err := vote.Verify(e.validators.PubKeys[vote.VoterIdx]); err != nil {
		return fmt.Errorf("vote verification failed: %w", err)
	}

	byBlock, ok := e.rounds[vote.View]
	if !ok {
		byBlock = make(map[Hash]*voteRound)
		e.rounds[vote.View] = byBlock
	}
	round, ok := byBlock[vote.BlockHash]
	if !ok {
		round = &voteRound{votes: make(map[int]*Vote)}
		byBlock[vote.BlockHash] = round
	}
	round.votes[vote.VoterIdx] = vote

	_, _, threshold := e.validators.Quorum()
	if len(round.votes) < threshold {
		return nil
	}

	qc, err := e.formQC(vote.BlockHash, vote.View, vote.Height, round)
	if err != nil {
		return fmt.Errorf("form QC: %w", err)
	}
	e.vs.AdvanceQCHigh(qc)
	e.pacemaker.OnCommittedQC()
	delete(e.rounds, vote.View)

	return e.commitCheck(qc)
}

func (e *Engine) formQC(blockHash Hash, view View, height int64, round *voteRound) (*QuorumCertificate, error) {
	sigs := make([]*crypto.BLSPartialSignature, 0, len(round.votes))
	var bitmap []byte
	for idx, v := range round.votes {
		sig, err := crypto.BLSPartialSignatureFromBytes(v.SigShare)
		if err != nil {
			return nil, fmt.Errorf("decode vote %d: %w", idx, err)
		}
		sigs = append(sigs, sig)
		bitmap = setBit(bitmap, idx)
	}
	aggSig, err := crypto.BLSAggregate(sigs)
	if err != nil {
		return nil, err
	}
	return &QuorumCertificate{
		BlockHash:    blockHash,
		View:         view,
		Height:       height,
		SignerBitmap: bitmap,
		AggSig:       aggSig.Serialize(),
	}, nil
}

// commitCheck implements the three-chain commit rule (§4.5): when a QC's
// block b, its parent b' and its grandparent b'' carry three consecutive
// views, the grandparent b'' (and any uncommitted ancestors) is committed.
func (e *Engine) commitCheck(qc *QuorumCertificate) error {
	b, err := e.chain.GetBlock(qc.BlockHash)
	if err != nil {
		return fmt.Errorf("commit_check: load qc block: %w", err)
	}
	if b.Parent.IsZero() {
		return nil
	}
	bPrime, err := e.chain.GetBlock(b.Parent)
	if err != nil {
		return nil // parent not yet known locally; sync will fetch it
	}
	if bPrime.Parent.IsZero() {
		return nil
	}
	bDoublePrime, err := e.chain.GetBlock(bPrime.Parent)
	if err != nil {
		return nil
	}

	if bPrime.View == bDoublePrime.View+1 && b.View == bPrime.View+1 {
		e.vs.AdvanceLockedQC(qc)
		return e.commitFrom(bDoublePrime)
	}
	return nil
}

// commitFrom walks backward from target, collecting every ancestor not yet
// committed, then commits them oldest-first. The three-chain rule only
// names the oldest newly-committed block directly, but any of its
// uncommitted ancestors (there can be no forks below it, since they were
// already on the single committed prefix) must be committed first so chain
// height advances by exactly one each time.
func (e *Engine) commitFrom(target *Block) error {
	if e.chain.Height() >= target.Height {
		return nil // already committed at or past this height
	}
	pending := []*Block{target}
	cur := target
	for cur.Height > e.chain.Height()+1 {
		parent, err := e.chain.GetBlock(cur.Parent)
		if err != nil {
			return fmt.Errorf("commit_check: load ancestor %d: %w", cur.Height-1, err)
		}
		pending = append(pending, parent)
		cur = parent
	}
	for i := len(pending) - 1; i >= 0; i-- {
		blk := pending[i]
		if err := e.chain.Commit(blk); err != nil {
			return fmt.Errorf("commit_check: %w", err)
		}
		if err := e.bridge.Commit(); err != nil {
			e.log.Fatal("FATAL: block committed to chain but bridge commit failed",
				zap.Int64("height", blk.Height), zap.Error(err))
		}
		e.emitter.Emit(events.Event{
			Type:        events.EventBlockCommit,
			BlockHeight: blk.Height,
			Data:        map[string]any{"hash": blk.CachedHash().String(), "txs": len(blk.Transactions)},
		})
	}
	return nil
}

// Recover loads the latest committed block, its view, and qc_high, rebuilds
// minimal in-memory validator state, and resumes at view = qc_high.view + 1
// (§4.5 recover).
func (e *Engine) Recover() error {
	if err := e.chain.Init(); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	committed := e.chain.CommittedHash()
	if committed.IsZero() {
		e.vs.CurrentView = 1
		return nil
	}
	block, err := e.chain.GetBlock(committed)
	if err != nil {
		return fmt.Errorf("recover: load committed block: %w", err)
	}
	e.vs.VHeight = block.Height
	if block.Justify != nil {
		e.vs.QCHigh = block.Justify
		e.vs.LockedQC = block.Justify
		e.vs.CurrentView = block.Justify.View + 1
	} else {
		e.vs.CurrentView = block.View + 1
	}
	return nil
}

// State returns a read-only copy of the engine's validator state, used by
// RPC status queries.
func (e *Engine) State() ValidatorState {
	return e.vs
}

// chainAsBlockStore adapts *Chain to the AncestryStore interface
// SafeNode/ExtendsFrom need (Chain exposes GetBlock, not GetConsensusBlock).
type chainAsBlockStore struct{ c *Chain }

func (a chainAsBlockStore) GetConsensusBlock(hash Hash) (*Block, error) { return a.c.GetBlock(hash) }
