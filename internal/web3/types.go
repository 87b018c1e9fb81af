package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// AccountState describes an address as seen by the latest block.
type AccountState struct {
	Address    common.Address `json:"address"`
	Balance    *big.Int       `json:"balance"`
	Nonce      uint64         `json:"nonce"`
	IsContract bool           `json:"is_contract"`
}

// Backend is what contract bindings need to call, transact and await receipts.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	Name() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	AccountState(ctx context.Context, address common.Address) (AccountState, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Backend() Backend
	Close()
}
