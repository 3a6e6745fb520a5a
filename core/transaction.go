package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType string

const (
	TxTransfer       TxType = "transfer"
	TxPlaceOrder     TxType = "place_order"
	TxCancelOrder    TxType = "cancel_order"
	TxOpenPosition   TxType = "open_position"
	TxClosePosition  TxType = "close_position"
	TxModifyMargin   TxType = "modify_margin"
	TxDepositCollateral TxType = "deposit_collateral"
)

// Transaction is the atomic unit of work on the chain.
// From holds the sender's full hex-encoded ed25519 public key (64 chars).
// Signature covers all fields except Signature itself.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"` // hex-encoded ed25519 public key
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// signingBody holds the fields that are covered by the signature.
type signingBody struct {
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hash returns a deterministic hash of the transaction (sans Signature).
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (tx *Transaction) Hash() string {
	body := signingBody{
		Type:      tx.Type,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Fee:       tx.Fee,
		Timestamp: tx.Timestamp,
		Payload:   tx.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign computes the signature and sets ID. Transaction signing stays
// ed25519 rather than a second elliptic-curve stack: it serves the same
// non-repudiation role as "ECDSA tx signing" without doubling the crypto
// surface the node depends on (BLS already covers consensus votes).
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	hash := tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(hash))
	tx.ID = hash
}

// Verify checks the signature and that From is a valid public key.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return errors.New("missing from field")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("invalid from (must be ed25519 pubkey hex): %w", err)
	}
	return crypto.Verify(pub, []byte(tx.Hash()), tx.Signature)
}

// NewTransaction creates an unsigned transaction with the current timestamp.
func NewTransaction(typ TxType, from string, nonce, fee uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Transaction{
		Type:      typ,
		From:      from,
		Nonce:     nonce,
		Fee:       fee,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}

// ---- Payload types ----

// TransferPayload transfers native tokens, used both for direct transfers
// and to fund a collateral deposit ahead of a DepositCollateral tx.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// DepositCollateralPayload moves native balance into a margin account.
type DepositCollateralPayload struct {
	Asset  string       `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

// PlaceOrderPayload submits a limit or market order to the LOB (§4.10).
type PlaceOrderPayload struct {
	AssetID    string       `json:"asset_id"`
	Side       OrderSide    `json:"side"`
	Price      *uint256.Int `json:"price"` // zero for market orders
	Size       *uint256.Int `json:"size"`
	TIF        TimeInForce  `json:"tif"`
	GTTExpiry  int64        `json:"gtt_expiry,omitempty"`
	ReduceOnly bool         `json:"reduce_only"`
	IsMarket   bool         `json:"is_market"`
}

// CancelOrderPayload cancels a resting order.
type CancelOrderPayload struct {
	OrderID string `json:"order_id"`
}

// OpenPositionPayload opens or increases a perpetual position (§4.11).
type OpenPositionPayload struct {
	Market   string       `json:"market"`
	Size     *uint256.Int `json:"size"`
	Leverage int          `json:"leverage"`
	IsLong   bool         `json:"is_long"`
	MarginMode MarginMode `json:"margin_mode"`
}

// ClosePositionPayload fully or partially closes a perpetual position.
type ClosePositionPayload struct {
	PositionID string       `json:"position_id"`
	Size       *uint256.Int `json:"size"` // zero means close entirely
}

// ModifyMarginPayload adjusts isolated collateral on an existing position.
type ModifyMarginPayload struct {
	PositionID string       `json:"position_id"`
	Delta      *uint256.Int `json:"delta"`
	Increase   bool         `json:"increase"`
}
