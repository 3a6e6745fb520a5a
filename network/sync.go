package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
)

// GetBlocksRequest asks a peer for up to Limit committed blocks starting at
// FromHeight. RequestID correlates the eventual BlocksResponse back to the
// goroutine that issued it (§4.6: concurrent range requests to multiple
// peers need a way to tell responses apart).
type GetBlocksRequest struct {
	RequestID  uint64 `json:"request_id"`
	FromHeight int64  `json:"from_height"`
	Limit      int    `json:"limit"`
}

// BlocksResponse carries a batch of committed blocks answering RequestID.
type BlocksResponse struct {
	RequestID uint64             `json:"request_id"`
	Blocks    []*consensus.Block `json:"blocks"`
}

const (
	defaultBatchSize       = 50
	defaultBatchTimeout    = 5 * time.Second
	defaultMaxBatchRetries = 3
	defaultMaxInFlight     = 4
)

// Syncer fetches missing committed blocks from peers and replays them
// through the bridge in height order, batched and fanned out across
// multiple peers concurrently so a single slow or dishonest peer cannot
// stall catch-up (§4.6).
type Syncer struct {
	node       *Node
	chain      *consensus.Chain
	applier    consensus.BlockApplier
	state      core.State
	validators *consensus.ValidatorSet

	reqIDCounter uint64
	mu           sync.Mutex
	pending      map[uint64]chan BlocksResponse
}

// NewSyncer creates a Syncer over chain/applier/state, verifying each synced
// block's justify-QC against validators before replaying it.
func NewSyncer(node *Node, chain *consensus.Chain, applier consensus.BlockApplier, state core.State, validators *consensus.ValidatorSet) *Syncer {
	s := &Syncer{
		node: node, chain: chain, applier: applier, state: state, validators: validators,
		pending: make(map[uint64]chan BlocksResponse),
	}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocksResponse)
	return s
}

// handleGetBlocks serves a peer's range request from local committed state.
func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = defaultBatchSize
	}
	blocks := make([]*consensus.Block, 0, req.Limit)
	for h := req.FromHeight; h < req.FromHeight+int64(req.Limit); h++ {
		b, err := s.chain.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{RequestID: req.RequestID, Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

// handleBlocksResponse routes an answer back to the goroutine awaiting its
// RequestID. A response with no matching waiter (arrived after its deadline
// fired, or was never requested) is dropped.
func (s *Syncer) handleBlocksResponse(_ *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[resp.RequestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// requestBatch sends one range request to peer and waits up to
// defaultBatchTimeout for its response.
func (s *Syncer) requestBatch(ctx context.Context, peer *Peer, from int64, limit int) ([]*consensus.Block, error) {
	reqID := atomic.AddUint64(&s.reqIDCounter, 1)
	ch := make(chan BlocksResponse, 1)
	s.mu.Lock()
	s.pending[reqID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	req, err := json.Marshal(GetBlocksRequest{RequestID: reqID, FromHeight: from, Limit: limit})
	if err != nil {
		return nil, err
	}
	if err := peer.Send(Message{Type: MsgGetBlocks, Payload: req}); err != nil {
		return nil, fmt.Errorf("send get_blocks to %s: %w", peer.ID, err)
	}

	timer := time.NewTimer(defaultBatchTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp.Blocks, nil
	case <-timer.C:
		return nil, fmt.Errorf("peer %s: batch [%d,%d) timed out", peer.ID, from, from+int64(limit))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// batchRange is one [From, From+Limit) unit of work for the worker pool.
type batchRange struct {
	from  int64
	limit int
}

// batchResult is a completed (or failed) fetch for one batchRange.
type batchResult struct {
	from   int64
	blocks []*consensus.Block
	err    error
}

// SyncTo fetches and replays every block from the current committed height
// up to (and including) targetHeight, using up to defaultMaxInFlight peers
// concurrently. Batches are applied to the chain strictly in height order
// even though they may arrive out of order; a batch whose peer times out or
// errors is retried against the next peer in the round-robin rotation (the
// same peer again when only one is connected) up to defaultMaxBatchRetries
// times before SyncTo gives up and returns an error.
func (s *Syncer) SyncTo(ctx context.Context, targetHeight int64) error {
	start := s.chain.Height() + 1
	if start > targetHeight {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ranges := make(chan batchRange, 64)
	results := make(chan batchResult, 64)
	var wg sync.WaitGroup

	inFlight := defaultMaxInFlight
	if peers := s.node.peerCount(); peers > 0 && peers < inFlight {
		inFlight = peers
	}
	if inFlight < 1 {
		inFlight = 1
	}
	var peerCursor uint64
	fetchOne := func(r batchRange) {
		peer := s.node.peerRoundRobin(&peerCursor)
		if peer == nil {
			results <- batchResult{from: r.from, err: fmt.Errorf("no peers available")}
			return
		}
		blocks, err := s.requestBatch(ctx, peer, r.from, r.limit)
		results <- batchResult{from: r.from, blocks: blocks, err: err}
	}

	for i := 0; i < inFlight; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range ranges {
				fetchOne(r)
			}
		}()
	}

	go func() {
		for from := start; from <= targetHeight; from += defaultBatchSize {
			limit := defaultBatchSize
			if remaining := targetHeight - from + 1; int64(limit) > remaining {
				limit = int(remaining)
			}
			select {
			case ranges <- batchRange{from: from, limit: limit}:
			case <-ctx.Done():
				close(ranges)
				return
			}
		}
		close(ranges)
	}()

	var retryWG sync.WaitGroup
	go func() {
		wg.Wait()
		retryWG.Wait()
		close(results)
	}()

	pendingBatches := make(map[int64][]*consensus.Block)
	retries := make(map[int64]int)
	nextExpected := start
	var applyErr error

	for nextExpected <= targetHeight {
		res, ok := <-results
		if !ok {
			applyErr = fmt.Errorf("sync: ran out of peer responses before reaching height %d", targetHeight)
			break
		}
		if res.err != nil {
			retries[res.from]++
			if retries[res.from] > defaultMaxBatchRetries {
				applyErr = fmt.Errorf("sync: batch at %d failed after %d retries: %w", res.from, defaultMaxBatchRetries, res.err)
				break
			}
			log.Printf("[sync] batch at %d failed (%v), retrying", res.from, res.err)
			limit := defaultBatchSize
			if remaining := targetHeight - res.from + 1; int64(limit) > remaining {
				limit = int(remaining)
			}
			retryWG.Add(1)
			go func(r batchRange) {
				defer retryWG.Done()
				fetchOne(r)
			}(batchRange{from: res.from, limit: limit})
			continue
		}
		pendingBatches[res.from] = res.blocks

		for {
			batch, ok := pendingBatches[nextExpected]
			if !ok {
				break
			}
			delete(pendingBatches, nextExpected)
			if len(batch) == 0 {
				applyErr = fmt.Errorf("sync: peer returned no blocks for batch at %d", nextExpected)
				break
			}
			applied, err := s.applyBatch(batch)
			nextExpected += int64(applied)
			if err != nil {
				applyErr = err
				break
			}
		}
		if applyErr != nil {
			break
		}
	}

	cancel()
	for range results {
		// drain so in-flight workers' sends don't block after we stop reading
	}
	return applyErr
}

// applyBatch validates and replays blocks in order, returning how many were
// successfully committed before any error.
func (s *Syncer) applyBatch(blocks []*consensus.Block) (int, error) {
	for i, b := range blocks {
		if b.Justify != nil && s.validators != nil {
			if err := b.Justify.Verify(s.validators.PubKeys); err != nil {
				return i, fmt.Errorf("block %d: invalid justify QC: %w", b.Height, err)
			}
		}
		if err := s.chain.Insert(b); err != nil {
			return i, fmt.Errorf("block %d: insert: %w", b.Height, err)
		}
		root, err := s.applier.Apply(b, s.state)
		if err != nil {
			s.applier.Rollback()
			return i, fmt.Errorf("block %d: apply: %w", b.Height, err)
		}
		if root != b.StateRoot {
			s.applier.Rollback()
			return i, fmt.Errorf("block %d: state root mismatch: computed %s, block claims %s", b.Height, root, b.StateRoot)
		}
		if err := s.applier.Commit(); err != nil {
			return i, fmt.Errorf("block %d: commit: %w", b.Height, err)
		}
		if err := s.chain.Commit(b); err != nil {
			return i, fmt.Errorf("block %d: chain commit: %w", b.Height, err)
		}
	}
	return len(blocks), nil
}
