package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hotdex/node/core"
	"github.com/hotdex/node/crypto"
)

// View numbers a round of the pacemaker. Views increase monotonically and
// never repeat for an honest validator (§4.5 invariant: a validator never
// votes twice in the same view).
type View uint64

// Hash is a content-addressed 32-byte digest, shared by blocks, votes and
// quorum certificates.
type Hash [32]byte

// String renders h as a lowercase hex string.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the all-zeros hash (used as the parent of the
// genesis block; there is no real ancestor to reference).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// QuorumCertificate aggregates >= n-f BLS partial votes for a single
// (block_hash, view) pair into one constant-size proof.
type QuorumCertificate struct {
	BlockHash Hash   `json:"block_hash"`
	View      View   `json:"view"`
	Height    int64  `json:"height"`
	SignerBitmap []byte `json:"signer_bitmap"` // bit i set iff validator i signed
	AggSig    []byte `json:"agg_sig"`          // compressed BLS aggregate signature
}

// signingMessage is the byte string every partial vote signs: block_hash
// concatenated with the big-endian view number (spec §4.1's "msg" for
// bls_sign/bls_verify over votes and QCs alike).
func signingMessage(blockHash Hash, view View) []byte {
	var buf bytes.Buffer
	buf.Write(blockHash[:])
	var viewBuf [8]byte
	binary.BigEndian.PutUint64(viewBuf[:], uint64(view))
	buf.Write(viewBuf[:])
	return buf.Bytes()
}

// Verify checks qc's aggregate signature against the aggregated public keys
// of the signers named by SignerBitmap, drawn from validators.
func (qc *QuorumCertificate) Verify(validators []*crypto.BLSPublicKey) error {
	signers := make([]*crypto.BLSPublicKey, 0, len(validators))
	for i, pk := range validators {
		if bitSet(qc.SignerBitmap, i) {
			signers = append(signers, pk)
		}
	}
	if len(signers) == 0 {
		return fmt.Errorf("qc for view %d: empty signer set", qc.View)
	}
	aggPK, err := crypto.AggregatePublicKeys(signers)
	if err != nil {
		return fmt.Errorf("qc for view %d: aggregate signer keys: %w", qc.View, err)
	}
	aggSig, err := crypto.BLSAggregateSignatureFromBytes(qc.AggSig)
	if err != nil {
		return fmt.Errorf("qc for view %d: decode agg sig: %w", qc.View, err)
	}
	if err := crypto.BLSVerifyAggregate(aggPK, signingMessage(qc.BlockHash, qc.View), aggSig); err != nil {
		return fmt.Errorf("qc for view %d: %w", qc.View, err)
	}
	return nil
}

// SignerCount returns the number of bits set in SignerBitmap.
func (qc *QuorumCertificate) SignerCount() int {
	n := 0
	for _, b := range qc.SignerBitmap {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

func bitSet(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) != 0
}

func setBit(bitmap []byte, i int) []byte {
	byteIdx := i / 8
	for len(bitmap) <= byteIdx {
		bitmap = append(bitmap, 0)
	}
	bitmap[byteIdx] |= 1 << uint(i%8)
	return bitmap
}

// Vote is a single validator's partial signature over a proposed block,
// cast during on_receive_proposal (§4.5).
type Vote struct {
	BlockHash Hash   `json:"block_hash"`
	View      View   `json:"view"`
	Height    int64  `json:"height"`
	VoterIdx  int    `json:"voter_idx"`
	SigShare  []byte `json:"sig_share"`
}

// NewVote signs a vote over (blockHash, view) with sk.
func NewVote(blockHash Hash, view View, height int64, voterIdx int, sk *crypto.BLSSecretKey) *Vote {
	sig := crypto.BLSSign(sk, signingMessage(blockHash, view))
	return &Vote{
		BlockHash: blockHash,
		View:      view,
		Height:    height,
		VoterIdx:  voterIdx,
		SigShare:  sig.Serialize(),
	}
}

// Verify checks the vote's partial signature against the voter's public key.
func (v *Vote) Verify(pk *crypto.BLSPublicKey) error {
	sig, err := crypto.BLSPartialSignatureFromBytes(v.SigShare)
	if err != nil {
		return fmt.Errorf("vote from voter %d: decode sig share: %w", v.VoterIdx, err)
	}
	if err := crypto.BLSVerify(pk, signingMessage(v.BlockHash, v.View), sig); err != nil {
		return fmt.Errorf("vote from voter %d: %w", v.VoterIdx, err)
	}
	return nil
}

// Block is an immutable HotStuff block: a batch of opaque transaction bytes
// justified by the QC of its parent. Generalizes core.Block by carrying a
// View and a Justify QC instead of a single proposer signature (consensus
// safety now rests on BLS quorum certificates, not one signer).
type Block struct {
	Height    int64                `json:"height"`
	View      View                 `json:"view"`
	Parent    Hash                 `json:"parent"`
	Justify   *QuorumCertificate   `json:"justify"` // nil only for genesis
	Proposer  int                  `json:"proposer"`
	Timestamp int64                `json:"timestamp"`
	StateRoot Hash                 `json:"state_root"` // filled in after Executor.apply
	TxRoot    Hash                 `json:"tx_root"`
	Transactions []*core.Transaction `json:"transactions"`

	hash Hash // memoized, set by NewBlock and CachedHash()
}

// ComputeTxRoot builds the deterministic transaction root: SHA-256 over the
// length-prefixed transaction IDs, or over "empty" when there are none.
func ComputeTxRoot(txs []*core.Transaction) Hash {
	if len(txs) == 0 {
		return crypto.Hash32([]byte("empty"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, tx := range txs {
		id := []byte(tx.ID)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf.Write(lenBuf[:])
		buf.Write(id)
	}
	return crypto.Hash32(buf.Bytes())
}

// Hash computes the consensus hash of b: height, view, parent and justify
// view/hash, tx_root, proposer and timestamp. Deliberately excludes
// StateRoot: a block is proposed and hashed BEFORE execution, so its
// consensus identity cannot depend on a root computed afterward (mirrors
// the teacher's block.Sign-before-knowing-nothing-else-changes ordering,
// generalized from HashOfBlock's AppHash exclusion).
func (b *Block) Hash() Hash {
	var buf bytes.Buffer
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], uint64(b.Height))
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], uint64(b.View))
	buf.Write(u64[:])
	buf.Write(b.Parent[:])
	if b.Justify != nil {
		binary.BigEndian.PutUint64(u64[:], uint64(b.Justify.View))
		buf.Write(u64[:])
		buf.Write(b.Justify.BlockHash[:])
	}
	buf.Write(b.TxRoot[:])
	binary.BigEndian.PutUint64(u64[:], uint64(b.Proposer))
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], uint64(b.Timestamp))
	buf.Write(u64[:])

	return crypto.Hash32(buf.Bytes())
}

// CachedHash returns the memoized hash, computing and storing it if absent.
func (b *Block) CachedHash() Hash {
	if b.hash.IsZero() {
		b.hash = b.Hash()
	}
	return b.hash
}

// NewBlock builds an unexecuted proposal: parent = justify.BlockHash (or the
// zero hash for genesis), height = parent.height + 1, per §4.5 propose().
func NewBlock(height int64, view View, parent Hash, justify *QuorumCertificate, proposer int, timestamp int64, txs []*core.Transaction) *Block {
	b := &Block{
		Height:       height,
		View:         view,
		Parent:       parent,
		Justify:      justify,
		Proposer:     proposer,
		Timestamp:    timestamp,
		TxRoot:       ComputeTxRoot(txs),
		Transactions: txs,
	}
	b.hash = b.Hash()
	return b
}
