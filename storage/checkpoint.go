package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hotdex/node/consensus"
)

// CheckpointRecord is a consistent snapshot of world state at a committed
// height (§3, §4.7). Entries is the full key-value dump produced by
// StateDB's export; the record is stored as compact (non-indented) JSON.
type CheckpointRecord struct {
	Height    int64             `json:"height"`
	View      consensus.View    `json:"view"`
	StateRoot consensus.Hash    `json:"state_root"`
	Timestamp int64             `json:"timestamp"`
	Entries   map[string][]byte `json:"entries"`
}

// CheckpointManager snapshots committed world state every IntervalBlocks
// heights and retains only the latest MaxKept checkpoints.
type CheckpointManager struct {
	store    *LevelBlockStore
	state    *StateDB
	interval int64
	maxKept  int
}

// NewCheckpointManager builds a manager with the given interval/retention.
// Defaults follow §4.7: interval 1000, max_kept 10.
func NewCheckpointManager(store *LevelBlockStore, state *StateDB, intervalBlocks int64, maxKept int) *CheckpointManager {
	if intervalBlocks <= 0 {
		intervalBlocks = 1000
	}
	if maxKept <= 0 {
		maxKept = 10
	}
	return &CheckpointManager{store: store, state: state, interval: intervalBlocks, maxKept: maxKept}
}

// MaybeCheckpoint snapshots state at height if height is an interval
// boundary, then prunes down to MaxKept. Call after every commit (§4.7).
func (m *CheckpointManager) MaybeCheckpoint(height int64, view consensus.View, stateRoot consensus.Hash, timestamp int64) error {
	if height == 0 || height%m.interval != 0 {
		return nil
	}
	if err := m.snapshot(height, view, stateRoot, timestamp); err != nil {
		return fmt.Errorf("checkpoint at height %d: %w", height, err)
	}
	return m.prune()
}

func (m *CheckpointManager) snapshot(height int64, view consensus.View, stateRoot consensus.Hash, timestamp int64) error {
	entries := m.state.exportEntries()
	record := CheckpointRecord{
		Height:    height,
		View:      view,
		StateRoot: stateRoot,
		Timestamp: timestamp,
		Entries:   entries,
	}
	return m.writeRecord(&record)
}

func (m *CheckpointManager) writeRecord(record *CheckpointRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.store.PutCheckpointBytes(record.Height, data)
}

// prune removes all but the latest MaxKept checkpoints.
func (m *CheckpointManager) prune() error {
	heights, err := m.store.ListCheckpointHeights()
	if err != nil {
		return err
	}
	if len(heights) <= m.maxKept {
		return nil
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	toDrop := heights[:len(heights)-m.maxKept]
	for _, h := range toDrop {
		if err := m.store.DeleteCheckpoint(h); err != nil {
			return fmt.Errorf("prune checkpoint %d: %w", h, err)
		}
	}
	return nil
}

// Latest returns the highest-height checkpoint currently retained, or nil
// if none exist yet (fresh chain).
func (m *CheckpointManager) Latest() (*CheckpointRecord, error) {
	heights, err := m.store.ListCheckpointHeights()
	if err != nil {
		return nil, err
	}
	if len(heights) == 0 {
		return nil, nil
	}
	best := heights[0]
	for _, h := range heights[1:] {
		if h > best {
			best = h
		}
	}
	return m.Get(best)
}

// Get loads the checkpoint at height, if retained.
func (m *CheckpointManager) Get(height int64) (*CheckpointRecord, error) {
	data, err := m.store.GetCheckpointBytes(height)
	if err != nil {
		return nil, err
	}
	var record CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Restore replays a checkpoint's entries directly into the backing DB,
// bypassing the write buffer (this is a bulk load, not a transactional
// mutation) so Executor can treat it as the base state before replaying
// subsequent committed blocks forward (§4.7 restore_from_latest).
func (m *CheckpointManager) Restore(record *CheckpointRecord) error {
	batch := m.state.db.NewBatch()
	for k, v := range record.Entries {
		batch.Set([]byte(k), v)
	}
	return batch.Write()
}

// Export serializes a checkpoint to a standalone document for out-of-band
// recovery, reusing the same JSON encoding as on-disk storage.
func (m *CheckpointManager) Export(height int64) ([]byte, error) {
	return m.store.GetCheckpointBytes(height)
}

// Import loads a previously exported checkpoint document and restores it.
func (m *CheckpointManager) Import(data []byte) (*CheckpointRecord, error) {
	var record CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("import checkpoint: %w", err)
	}
	if err := m.writeRecord(&record); err != nil {
		return nil, err
	}
	if err := m.Restore(&record); err != nil {
		return nil, err
	}
	return &record, nil
}
