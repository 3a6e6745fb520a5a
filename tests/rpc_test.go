package tests

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdex/node/config"
	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
	"github.com/hotdex/node/events"
	"github.com/hotdex/node/indexer"
	"github.com/hotdex/node/internal/testutil"
	"github.com/hotdex/node/lob"
	"github.com/hotdex/node/margin"
	"github.com/hotdex/node/rpc"
	"github.com/hotdex/node/storage"
	"github.com/hotdex/node/wallet"
)

func newRPCHandler(t *testing.T) (*rpc.Handler, core.State, *consensus.Chain, *core.Mempool) {
	t.Helper()
	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)
	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)

	chain := consensus.NewChain(testutil.NewMemBlockStore())
	require.NoError(t, chain.Init())

	lobEngine := lob.NewEngine(true)
	oracle := margin.NewOracle(lobEngine, 0)
	marginEngine := margin.NewEngine(config.MarginConfig{InitialRatio: 0.10, MaintenanceRatio: 0.05, MaxLeverage: 20},
		config.FundingConfig{IntervalSeconds: 3600, MaxRate: 0.01}, oracle)
	mempool := core.NewMempool(10, 100)

	return rpc.NewHandler(chain, mempool, state, lobEngine, marginEngine, idx), state, chain, mempool
}

func dispatch(h *rpc.Handler, method string, params any) rpc.Response {
	raw, _ := json.Marshal(params)
	return h.Dispatch(rpc.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
}

// TestRPCGetBlockHeight verifies that getBlockHeight returns 0 for a fresh chain.
func TestRPCGetBlockHeight(t *testing.T) {
	h, _, _, _ := newRPCHandler(t)
	resp := dispatch(h, "getBlockHeight", struct{}{})
	require.Nil(t, resp.Error)
	assert.EqualValues(t, 0, resp.Result)
}

// TestRPCGetBalance verifies getBalance returns the account's native balance
// and nonce, plus any collateral account balances.
func TestRPCGetBalance(t *testing.T) {
	h, state, _, _ := newRPCHandler(t)
	require.NoError(t, state.SetAccount(&core.Account{Address: "abc123", Balance: 500, Nonce: 2}))

	resp := dispatch(h, "getBalance", map[string]string{"address": "abc123"})
	require.Nil(t, resp.Error)
	out, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 500, out["balance"])
	assert.EqualValues(t, 2, out["nonce"])
}

func TestRPCGetBalanceMissingAddress(t *testing.T) {
	h, _, _, _ := newRPCHandler(t)
	resp := dispatch(h, "getBalance", map[string]string{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

// TestRPCSendTxAndMempoolSize verifies a signed transfer reaches the mempool
// and getMempoolSize reports it.
func TestRPCSendTxAndMempoolSize(t *testing.T) {
	h, state, _, mempool := newRPCHandler(t)
	w, err := wallet.Generate()
	require.NoError(t, err)
	require.NoError(t, state.SetAccount(&core.Account{Address: w.PubKey(), Balance: 1000}))

	tx, err := w.Transfer("deadbeef", 10, 0, 0)
	require.NoError(t, err)

	resp := dispatch(h, "sendTx", tx)
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, mempool.Size())

	sizeResp := dispatch(h, "getMempoolSize", struct{}{})
	require.Nil(t, sizeResp.Error)
	assert.EqualValues(t, 1, sizeResp.Result)
}

// TestRPCGetOrderNotFound verifies getOrder surfaces an error when neither
// the live book nor committed state knows the order.
func TestRPCGetOrderNotFound(t *testing.T) {
	h, _, _, _ := newRPCHandler(t)
	resp := dispatch(h, "getOrder", map[string]string{"id": "nonexistent"})
	assert.NotNil(t, resp.Error)
}

// TestRPCMethodNotFound verifies that unknown methods return a -32601 error.
func TestRPCMethodNotFound(t *testing.T) {
	h, _, _, _ := newRPCHandler(t)
	resp := dispatch(h, "nonExistentMethod", struct{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}

// TestRPCGetBestPricesEmptyBook verifies getBestPrices returns nil/nil for
// an asset with no resting orders.
func TestRPCGetBestPricesEmptyBook(t *testing.T) {
	h, _, _, _ := newRPCHandler(t)
	resp := dispatch(h, "getBestPrices", map[string]string{"asset_id": "BTC-PERP"})
	require.Nil(t, resp.Error)
	out, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Nil(t, out["bid"])
	assert.Nil(t, out["ask"])
}

// TestRPCGetInsuranceFund verifies the insurance fund balance round-trips
// through state and the RPC layer.
func TestRPCGetInsuranceFund(t *testing.T) {
	h, state, _, _ := newRPCHandler(t)
	require.NoError(t, state.SetInsuranceFund(&core.InsuranceFund{Balance: uint256.NewInt(1000)}))

	resp := dispatch(h, "getInsuranceFund", struct{}{})
	require.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}
