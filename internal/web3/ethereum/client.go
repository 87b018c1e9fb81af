package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"AgentPay-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend is the full read/write surface the client relies on. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	web3.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	backend Backend
	closer  func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client := NewWithBackend(cfg.Name, cfg.Notes, eth)
	client.closer = eth.Close
	return client, nil
}

// NewWithBackend wraps an existing backend, typically a simulated chain in tests.
func NewWithBackend(name, notes string, backend Backend) *Client {
	return &Client{name: name, notes: notes, backend: backend}
}

// Name returns the registry name of the chain.
func (c *Client) Name() string { return c.name }

// Backend exposes the contract backend for bindings.
func (c *Client) Backend() web3.Backend {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// ChainID returns the chain id, cached after the first successful lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     id.String(),
		BlockNumber: blockNumber,
		Notes:       c.notes,
	}, nil
}

// AccountState reads balance, nonce and code presence for an address.
func (c *Client) AccountState(ctx context.Context, address common.Address) (web3.AccountState, error) {
	if c == nil || c.backend == nil {
		return web3.AccountState{}, errors.New("未初始化的以太坊客户端")
	}
	balance, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return web3.AccountState{}, fmt.Errorf("查询余额失败: %w", err)
	}
	nonce, err := c.backend.NonceAt(ctx, address, nil)
	if err != nil {
		return web3.AccountState{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	code, err := c.backend.CodeAt(ctx, address, nil)
	if err != nil {
		return web3.AccountState{}, fmt.Errorf("查询合约代码失败: %w", err)
	}
	return web3.AccountState{
		Address:    address,
		Balance:    balance,
		Nonce:      nonce,
		IsContract: len(code) > 0,
	}, nil
}

var _ web3.Client = (*Client)(nil)
