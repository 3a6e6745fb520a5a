package config

import (
	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
)

// CreateGenesisBlock builds block #0 (view 0, no justify-QC, zero parent)
// from the config's Alloc map, crediting initial account balances in state
// and committing them before the state root is computed.
func CreateGenesisBlock(cfg *Config, state core.State) (*consensus.Block, error) {
	for address, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{
			Address: address,
			Balance: balance,
			Nonce:   0,
		}
		if err := state.SetAccount(acc); err != nil {
			return nil, err
		}
	}

	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := consensus.NewBlock(0, 0, consensus.Hash{}, nil, 0, 0, nil)
	block.StateRoot = consensus.Hash(state.ComputeRoot())
	return block, nil
}

// IsGenesisHash returns true if h is the canonical zero hash used as the
// parent link of the genesis block.
func IsGenesisHash(h consensus.Hash) bool {
	return h.IsZero()
}
