package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/core"
	"github.com/hotdex/node/crypto"
)

// registerPrefix records a state-key prefix into statePrefixes so that
// ComputeRoot() always covers it. All prefix constants must be declared
// via this function; manually editing statePrefixes is not required.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

// statePrefixes is populated automatically by registerPrefix() below.
// ComputeRoot() iterates these prefixes to build the full world-state view.
var statePrefixes []string

var (
	prefixAccount    = registerPrefix("acct:")
	prefixOrder      = registerPrefix("order:")
	prefixPosition   = registerPrefix("position:")
	prefixCollateral = registerPrefix("collateral:")
	prefixFunding    = registerPrefix("funding:")
	prefixInsurance  = registerPrefix("insurance:")
)

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with in-memory write buffer,
// snapshot/rollback, and deterministic state-root computation.
type StateDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) del(key string) {
	delete(s.dirty, key)
	s.deleted[key] = true
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	data, err := s.get(prefixAccount + address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil // zero-value account
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	s.set(prefixAccount+acc.Address, data)
	return nil
}

// ---- Order ----

func (s *StateDB) GetOrder(id string) (*core.Order, error) {
	data, err := s.get(prefixOrder + id)
	if err != nil {
		return nil, err
	}
	var o core.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *StateDB) SetOrder(o *core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	s.set(prefixOrder+o.ID, data)
	return nil
}

func (s *StateDB) DeleteOrder(id string) error {
	s.del(prefixOrder + id)
	return nil
}

// ---- Position ----

func (s *StateDB) GetPosition(id string) (*core.Position, error) {
	data, err := s.get(prefixPosition + id)
	if err != nil {
		return nil, err
	}
	var p core.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *StateDB) SetPosition(p *core.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.set(prefixPosition+p.ID, data)
	return nil
}

func (s *StateDB) DeletePosition(id string) error {
	s.del(prefixPosition + id)
	return nil
}

// ListPositionsByAsset scans all live position records for asset, returning
// them sorted by ID for deterministic funding/liquidation/ADL ordering.
func (s *StateDB) ListPositionsByAsset(asset string) ([]*core.Position, error) {
	merged := s.mergedEntries()
	var out []*core.Position
	for k, v := range merged {
		if len(k) <= len(prefixPosition) || k[:len(prefixPosition)] != prefixPosition {
			continue
		}
		var p core.Position
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, fmt.Errorf("list positions: decode %s: %w", k, err)
		}
		if p.Asset == asset {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPositionsByUser scans all live position records for user, returning
// them sorted by ID for deterministic account-health computation.
func (s *StateDB) ListPositionsByUser(user string) ([]*core.Position, error) {
	merged := s.mergedEntries()
	var out []*core.Position
	for k, v := range merged {
		if len(k) <= len(prefixPosition) || k[:len(prefixPosition)] != prefixPosition {
			continue
		}
		var p core.Position
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, fmt.Errorf("list positions: decode %s: %w", k, err)
		}
		if p.User == user {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- Collateral ----

func (s *StateDB) GetCollateralAccount(user string) (*core.CollateralAccount, error) {
	data, err := s.get(prefixCollateral + user)
	if errors.Is(err, core.ErrNotFound) {
		return &core.CollateralAccount{
			User:       user,
			Balances:   map[string]*uint256.Int{},
			UsedMargin: uint256.NewInt(0),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var a core.CollateralAccount
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *StateDB) SetCollateralAccount(a *core.CollateralAccount) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	s.set(prefixCollateral+a.User, data)
	return nil
}

// ---- Funding ----

func (s *StateDB) GetFundingState(asset string) (*core.FundingState, error) {
	data, err := s.get(prefixFunding + asset)
	if errors.Is(err, core.ErrNotFound) {
		return &core.FundingState{Asset: asset}, nil
	}
	if err != nil {
		return nil, err
	}
	var f core.FundingState
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *StateDB) SetFundingState(f *core.FundingState) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.set(prefixFunding+f.Asset, data)
	return nil
}

// ---- Insurance ----

// insuranceKey is the single key holding the fund; there is exactly one
// insurance fund per node, so no further keying is required.
const insuranceKey = "singleton"

func (s *StateDB) GetInsuranceFund() (*core.InsuranceFund, error) {
	data, err := s.get(prefixInsurance + insuranceKey)
	if errors.Is(err, core.ErrNotFound) {
		return &core.InsuranceFund{Balance: uint256.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var f core.InsuranceFund
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *StateDB) SetInsuranceFund(f *core.InsuranceFund) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.set(prefixInsurance+insuranceKey, data)
	return nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are deep-copied so that subsequent writes cannot corrupt them.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// mergedEntries collects all persisted state entries from DB (scanned by
// the registered prefixes), applies the in-memory write buffer on top, and
// excludes deleted keys. Shared by ComputeRoot and exportEntries so both see
// an identical view of pending-plus-persisted state.
func (s *StateDB) mergedEntries() map[string][]byte {
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			k := string(it.Key())
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[k] = v
		}
		it.Release()
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}
	return merged
}

// exportEntries returns the full key-value snapshot used by
// CheckpointManager to build a CheckpointRecord.
func (s *StateDB) exportEntries() map[string][]byte {
	return s.mergedEntries()
}

// ComputeRoot returns the deterministic hash of the complete world state.
// It merges all persisted state entries (scanned from DB by the known state
// prefixes) with the current write buffer, then hashes the sorted key-value
// pairs using length-prefix encoding. It does NOT flush or modify state, so
// it is safe to call before signing a block (§4.12: post-apply state root
// must cover account state + order-book digest + position digest + funding/
// insurance state, all of which live under the registered prefixes above).
func (s *StateDB) ComputeRoot() [32]byte {
	merged := s.mergedEntries()

	// Sort keys for determinism.
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Length-prefix encode each key-value pair and hash.
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash32(buf.Bytes())
}

// CommitSnapshot flushes the write buffer as it existed at a previously
// taken snapshot id, rather than the live buffer, and does not touch the
// live dirty/deleted maps or any other recorded snapshot. This lets a
// caller durably finalize an older speculative layer (e.g. a HotStuff
// block that just reached the three-chain commit point) while newer
// layers stacked on top of it remain uncommitted and revertible.
func (s *StateDB) CommitSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]
	batch := s.db.NewBatch()
	for k, v := range snap.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range snap.deleted {
		batch.Delete([]byte(k))
	}
	return batch.Write()
}

// Commit atomically flushes the write buffer to the underlying DB via a
// WriteBatch and then clears it. Call ComputeRoot() before signing the block,
// then call Commit() after the block is safely stored.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
