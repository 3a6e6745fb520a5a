package tests

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hotdex/node/bridge"
	"github.com/hotdex/node/config"
	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
	"github.com/hotdex/node/crypto"
	"github.com/hotdex/node/events"
	"github.com/hotdex/node/indexer"
	"github.com/hotdex/node/internal/testutil"
	"github.com/hotdex/node/lob"
	"github.com/hotdex/node/margin"
	"github.com/hotdex/node/rpc"
	"github.com/hotdex/node/storage"
	"github.com/hotdex/node/vm"
	"github.com/hotdex/node/wallet"

	_ "github.com/hotdex/node/vm/modules/economy"
)

// loopbackTransport delivers proposals and votes directly back into the
// single local validator's engine, standing in for network.Node in a
// one-node test where every broadcast and vote target is the node itself.
type loopbackTransport struct {
	engine *consensus.Engine
}

func (t *loopbackTransport) BroadcastProposal(block *consensus.Block) {
	if err := t.engine.OnReceiveProposal(block); err != nil {
		panic("loopback proposal delivery: " + err.Error())
	}
}

func (t *loopbackTransport) SendVote(to int, vote *consensus.Vote) {
	if err := t.engine.OnReceiveVote(vote); err != nil {
		panic("loopback vote delivery: " + err.Error())
	}
}

func (t *loopbackTransport) BroadcastNewView(msg *consensus.NewViewMsg) {}

// singleValidatorNode wires every component a one-validator HotStuff node
// needs, using a loopback transport in place of network.Node so the whole
// propose/vote/QC/commit cycle runs synchronously inside the test.
type singleValidatorNode struct {
	engine  *consensus.Engine
	chain   *consensus.Chain
	state   core.State
	mempool *core.Mempool
	lob     *lob.Engine
	margin  *margin.Engine
	rpc     *rpc.Handler
}

func newSingleValidatorNode(t *testing.T, blsSK *crypto.BLSSecretKey, alloc map[string]uint64) *singleValidatorNode {
	t.Helper()

	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)
	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)
	mempool := core.NewMempool(100, 10_000)

	lobEngine := lob.NewEngine(true)
	oracle := margin.NewOracle(lobEngine, 0)
	marginEngine := margin.NewEngine(config.MarginConfig{InitialRatio: 0.10, MaintenanceRatio: 0.05, MaxLeverage: 20},
		config.FundingConfig{IntervalSeconds: 3600, MaxRate: 0.01}, oracle)

	cfg := &config.Config{
		NodeID:  "node-0",
		Genesis: config.GenesisConfig{ChainID: "test-chain", Alloc: alloc},
	}
	_, err := config.CreateGenesisBlock(cfg, state)
	require.NoError(t, err)

	exec := vm.NewExecutor(state, emitter, lobEngine, marginEngine)
	br := bridge.NewBridge(exec, lobEngine, marginEngine, nil, emitter)

	chain := consensus.NewChain(testutil.NewMemBlockStore())
	require.NoError(t, chain.Init())

	validators := &consensus.ValidatorSet{PubKeys: []*crypto.BLSPublicKey{blsSK.Public()}}
	pacemaker := consensus.NewPacemaker(1, 0, 0)
	transport := &loopbackTransport{}
	engine := consensus.NewEngine(chain, state, mempool, br, emitter, transport, pacemaker, validators, 0, blsSK, 500, zap.NewNop())
	transport.engine = engine
	require.NoError(t, engine.Recover())

	handler := rpc.NewHandler(chain, mempool, state, lobEngine, marginEngine, idx)

	return &singleValidatorNode{
		engine: engine, chain: chain, state: state, mempool: mempool,
		lob: lobEngine, margin: marginEngine, rpc: handler,
	}
}

// advance drives n full propose/vote/QC/commit-check rounds, one view each.
func (n *singleValidatorNode) advance(t *testing.T, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		_, err := n.engine.Propose()
		require.NoError(t, err)
		n.engine.AdvanceView()
	}
}

func newTestBLSKey(t *testing.T, seed byte) *crypto.BLSSecretKey {
	t.Helper()
	var ikm [32]byte
	ikm[0] = seed
	sk, err := crypto.GenerateBLSKey(ikm)
	require.NoError(t, err)
	return sk
}

// TestConsensusCommitsBlocksInOrder drives three rounds with no transactions
// and checks the three-chain rule commits exactly the first proposed block,
// then that each further round commits the next block in sequence.
func TestConsensusCommitsBlocksInOrder(t *testing.T) {
	blsSK := newTestBLSKey(t, 7)
	node := newSingleValidatorNode(t, blsSK, map[string]uint64{"alice": 1_000_000})

	assert.EqualValues(t, 0, node.chain.Height())
	node.advance(t, 3)
	assert.EqualValues(t, 1, node.chain.Height(), "three-chain rule should commit the first proposed block after 3 rounds")

	node.advance(t, 2)
	assert.EqualValues(t, 3, node.chain.Height(), "each further round commits the next block in sequence")
}

// TestConsensusTransferEndToEnd submits a signed transfer through the
// mempool, drives consensus forward, and checks the balance change is
// visible through the RPC handler.
func TestConsensusTransferEndToEnd(t *testing.T) {
	blsSK := newTestBLSKey(t, 3)
	sender, err := wallet.Generate()
	require.NoError(t, err)
	receiver, err := wallet.Generate()
	require.NoError(t, err)

	node := newSingleValidatorNode(t, blsSK, map[string]uint64{sender.PubKey(): 1_000_000})

	tx, err := sender.Transfer(receiver.PubKey(), 250_000, 0, 100)
	require.NoError(t, err)
	require.NoError(t, node.mempool.Add(tx))

	// Round 1 proposes and applies the block containing the transfer; the
	// effect is visible immediately against the live write buffer, well
	// before the three-chain rule later confirms the block as committed.
	node.advance(t, 1)

	receiverAcc, err := node.state.GetAccount(receiver.PubKey())
	require.NoError(t, err)
	assert.EqualValues(t, 250_000, receiverAcc.Balance)

	resp := dispatch(node.rpc, "getBalance", map[string]string{"address": receiver.PubKey()})
	require.Nil(t, resp.Error)
	out, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 250_000, out["balance"])

	// Two more rounds push the transfer's block past the three-chain commit
	// point; the balance must still read the same afterward.
	node.advance(t, 2)
	assert.EqualValues(t, 1, node.chain.Height())

	receiverAcc, err = node.state.GetAccount(receiver.PubKey())
	require.NoError(t, err)
	assert.EqualValues(t, 250_000, receiverAcc.Balance)
}

// TestConsensusOrderMatchEndToEnd places two crossing limit orders a round
// apart and checks the match clears the book once both blocks are applied.
func TestConsensusOrderMatchEndToEnd(t *testing.T) {
	blsSK := newTestBLSKey(t, 9)
	maker, err := wallet.Generate()
	require.NoError(t, err)
	taker, err := wallet.Generate()
	require.NoError(t, err)

	node := newSingleValidatorNode(t, blsSK, map[string]uint64{
		maker.PubKey(): 1_000_000,
		taker.PubKey(): 1_000_000,
	})

	askTx, err := maker.PlaceLimitOrder("BTC-PERP", core.SideAsk, uint256.NewInt(50_000), uint256.NewInt(5), core.TIFGTC, 0, 100_000)
	require.NoError(t, err)
	require.NoError(t, node.mempool.Add(askTx))
	node.advance(t, 1)

	bid, ask := node.lob.BookFor("BTC-PERP").BestPrices()
	assert.Nil(t, bid)
	require.NotNil(t, ask)
	assert.True(t, ask.Eq(uint256.NewInt(50_000)))

	bidTx, err := taker.PlaceLimitOrder("BTC-PERP", core.SideBid, uint256.NewInt(50_000), uint256.NewInt(5), core.TIFGTC, 0, 100_000)
	require.NoError(t, err)
	require.NoError(t, node.mempool.Add(bidTx))
	node.advance(t, 1)

	bid, ask = node.lob.BookFor("BTC-PERP").BestPrices()
	assert.Nil(t, bid, "fully matched book should be empty on both sides")
	assert.Nil(t, ask)

	resp := dispatch(node.rpc, "getBestPrices", map[string]string{"asset_id": "BTC-PERP"})
	require.Nil(t, resp.Error)
}
