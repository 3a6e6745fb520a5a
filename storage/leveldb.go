package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
)

// decodeHash parses the hex string produced by consensus.Hash.String back
// into a fixed-size hash.
func decodeHash(s string) (consensus.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return consensus.Hash{}, fmt.Errorf("decode hash %q: invalid hex", s)
	}
	var h consensus.Hash
	copy(h[:], b)
	return h, nil
}

// levelBatch adapts goleveldb's *leveldb.Batch to the storage.Batch
// interface, writing through the owning LevelDB's WriteBatch method.
type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *levelBatch) Reset()                { b.batch.Reset() }
func (b *levelBatch) Write() error          { return b.db.Write(b.batch, nil) }

// LevelDB implements DB using goleveldb, with NewBatch wired to goleveldb's
// own atomic WriteBatch so batch_write (§4.3) is genuinely all-or-nothing
// rather than a sequence of independent Put calls.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, batch: new(leveldb.Batch)}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

// ---- consensus.BlockStore implementation ----

const (
	keyBlockPrefix  = "block:"
	keyHeightPrefix = "height:"
	keyQCPrefix     = "qc:"
	keyCommitted    = "chain:committed"

	prefixCheckpoint        = "checkpoint:"
	prefixOrderbookSnapshot = "obsnap:"
)

// LevelBlockStore implements consensus.BlockStore on top of LevelDB. Each
// method writes its one key with an independent Set: the block, its height
// index and the committed pointer are not grouped into one Batch, so a
// crash between those calls can leave some of them written and others not.
type LevelBlockStore struct {
	db *LevelDB
}

// NewLevelBlockStore wraps a LevelDB instance as a BlockStore.
func NewLevelBlockStore(db *LevelDB) *LevelBlockStore {
	return &LevelBlockStore{db: db}
}

func blockKey(h consensus.Hash) []byte {
	return []byte(keyBlockPrefix + h.String())
}

func heightKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyHeightPrefix, height))
}

func qcKey(view consensus.View) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyQCPrefix, uint64(view)))
}

func (s *LevelBlockStore) PutConsensusBlock(block *consensus.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return s.db.Set(blockKey(block.CachedHash()), data)
}

func (s *LevelBlockStore) GetConsensusBlock(hash consensus.Hash) (*consensus.Block, error) {
	data, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	var b consensus.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// PutBlockByHeight indexes height -> hash with a single Set; committed
// status is recorded by SetCommitted in a separate write.
func (s *LevelBlockStore) PutBlockByHeight(height int64, hash consensus.Hash) error {
	return s.db.Set(heightKey(height), []byte(hash.String()))
}

func (s *LevelBlockStore) GetBlockByHeight(height int64) (*consensus.Block, error) {
	hashHex, err := s.db.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	h, err := decodeHash(string(hashHex))
	if err != nil {
		return nil, fmt.Errorf("decode height index hash: %w", err)
	}
	return s.GetConsensusBlock(h)
}

func (s *LevelBlockStore) PutQC(qc *consensus.QuorumCertificate) error {
	data, err := json.Marshal(qc)
	if err != nil {
		return err
	}
	return s.db.Set(qcKey(qc.View), data)
}

func (s *LevelBlockStore) GetQC(view consensus.View) (*consensus.QuorumCertificate, error) {
	data, err := s.db.Get(qcKey(view))
	if err != nil {
		return nil, err
	}
	var qc consensus.QuorumCertificate
	if err := json.Unmarshal(data, &qc); err != nil {
		return nil, err
	}
	return &qc, nil
}

func (s *LevelBlockStore) GetCommitted() (consensus.Hash, error) {
	val, err := s.db.Get([]byte(keyCommitted))
	if err == core.ErrNotFound {
		return consensus.Hash{}, nil
	}
	if err != nil {
		return consensus.Hash{}, err
	}
	h, err := decodeHash(string(val))
	if err != nil {
		return consensus.Hash{}, fmt.Errorf("decode committed hash: %w", err)
	}
	return h, nil
}

func (s *LevelBlockStore) SetCommitted(hash consensus.Hash) error {
	return s.db.Set([]byte(keyCommitted), []byte(hash.String()))
}

// ---- Checkpoint / orderbook-snapshot raw accessors. The checkpoint ones
// back storage.CheckpointManager; lob.Book does not persist itself, so the
// orderbook-snapshot pair has no caller. ----

func (s *LevelBlockStore) PutCheckpointBytes(height int64, data []byte) error {
	return s.db.Set([]byte(fmt.Sprintf("%s%020d", prefixCheckpoint, height)), data)
}

func (s *LevelBlockStore) GetCheckpointBytes(height int64) ([]byte, error) {
	return s.db.Get([]byte(fmt.Sprintf("%s%020d", prefixCheckpoint, height)))
}

func (s *LevelBlockStore) DeleteCheckpoint(height int64) error {
	return s.db.Delete([]byte(fmt.Sprintf("%s%020d", prefixCheckpoint, height)))
}

// ListCheckpointHeights returns every checkpoint height currently stored, in
// ascending order (goleveldb iterates keys in byte order, and the
// zero-padded decimal encoding above keeps that equal to numeric order).
func (s *LevelBlockStore) ListCheckpointHeights() ([]int64, error) {
	it := s.db.NewIterator([]byte(prefixCheckpoint))
	defer it.Release()
	var heights []int64
	for it.Next() {
		var h int64
		if _, err := fmt.Sscanf(string(it.Key()), prefixCheckpoint+"%d", &h); err != nil {
			continue
		}
		heights = append(heights, h)
	}
	return heights, it.Error()
}

func (s *LevelBlockStore) PutOrderbookSnapshot(assetID string, data []byte) error {
	return s.db.Set([]byte(prefixOrderbookSnapshot+assetID), data)
}

func (s *LevelBlockStore) GetOrderbookSnapshot(assetID string) ([]byte, error) {
	return s.db.Get([]byte(prefixOrderbookSnapshot + assetID))
}
