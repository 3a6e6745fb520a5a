package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
	"github.com/hotdex/node/indexer"
	"github.com/hotdex/node/lob"
	"github.com/hotdex/node/margin"
)

// parseHash decodes a lowercase hex string into a consensus.Hash, as
// produced by Hash.String().
func parseHash(s string) (consensus.Hash, error) {
	var h consensus.Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	chain   *consensus.Chain
	mempool *core.Mempool
	state   core.State
	lob     *lob.Engine
	margin  *margin.Engine
	indexer *indexer.Indexer
}

// NewHandler creates an RPC Handler.
func NewHandler(chain *consensus.Chain, mempool *core.Mempool, state core.State, lobEngine *lob.Engine, marginEngine *margin.Engine, idx *indexer.Indexer) *Handler {
	return &Handler{chain: chain, mempool: mempool, state: state, lob: lobEngine, margin: marginEngine, indexer: idx}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.chain.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getOrder":
		return h.getOrder(req)

	case "getOrdersByTrader":
		return h.getOrdersByTrader(req)

	case "getDepth":
		return h.getDepth(req)

	case "getBestPrices":
		return h.getBestPrices(req)

	case "getPosition":
		return h.getPosition(req)

	case "getPositionsByUser":
		return h.getPositionsByUser(req)

	case "getFundingState":
		return h.getFundingState(req)

	case "getInsuranceFund":
		return h.getInsuranceFund(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *consensus.Block
	var err error
	switch {
	case params.Hash != "":
		hash, hashErr := parseHash(params.Hash)
		if hashErr != nil {
			return errResponse(req.ID, CodeInvalidParams, hashErr.Error())
		}
		block, err = h.chain.GetBlock(hash)
	case params.Height != nil:
		block, err = h.chain.GetBlockByHeight(*params.Height)
	default:
		block, err = h.chain.GetBlockByHeight(h.chain.Height())
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	collateral, err := h.state.GetCollateralAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{
		"address": params.Address, "balance": acc.Balance, "nonce": acc.Nonce,
		"collateral": collateral.Balances,
	})
}

func (h *Handler) getOrder(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	if order, _, ok := h.lob.FindOrder(params.ID); ok {
		return okResponse(req.ID, order)
	}
	order, err := h.state.GetOrder(params.ID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, order)
}

func (h *Handler) getOrdersByTrader(req Request) Response {
	var params struct {
		Trader string `json:"trader"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Trader == "" {
		return errResponse(req.ID, CodeInvalidParams, "trader is required")
	}
	ids, err := h.indexer.GetOrdersByTrader(params.Trader)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getDepth(req Request) Response {
	var params struct {
		AssetID string `json:"asset_id"`
		Depth   int    `json:"depth"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.AssetID == "" {
		return errResponse(req.ID, CodeInvalidParams, "asset_id is required")
	}
	if params.Depth <= 0 {
		params.Depth = 10
	}
	book := h.lob.BookFor(params.AssetID)
	if book == nil {
		return okResponse(req.ID, map[string]any{"bids": []any{}, "asks": []any{}})
	}
	bids, asks := book.Snapshot(params.Depth)
	return okResponse(req.ID, map[string]any{"bids": bids, "asks": asks})
}

func (h *Handler) getBestPrices(req Request) Response {
	var params struct {
		AssetID string `json:"asset_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.AssetID == "" {
		return errResponse(req.ID, CodeInvalidParams, "asset_id is required")
	}
	book := h.lob.BookFor(params.AssetID)
	if book == nil {
		return okResponse(req.ID, map[string]any{"bid": nil, "ask": nil})
	}
	bid, ask := book.BestPrices()
	return okResponse(req.ID, map[string]any{"bid": bid, "ask": ask})
}

func (h *Handler) getPosition(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	pos, err := h.state.GetPosition(params.ID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, pos)
}

func (h *Handler) getPositionsByUser(req Request) Response {
	var params struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.User == "" {
		return errResponse(req.ID, CodeInvalidParams, "user is required")
	}
	positions, err := h.state.ListPositionsByUser(params.User)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, positions)
}

func (h *Handler) getFundingState(req Request) Response {
	var params struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Asset == "" {
		return errResponse(req.ID, CodeInvalidParams, "asset is required")
	}
	fs, err := h.state.GetFundingState(params.Asset)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, fs)
}

func (h *Handler) getInsuranceFund(req Request) Response {
	fund, err := h.state.GetInsuranceFund()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, fund)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}
