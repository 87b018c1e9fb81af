// Package web3 houses blockchain connectivity shared by the execution ledger
// and the on-chain data tool: chain definitions loaded from YAML, a uniform
// client interface over EVM JSON-RPC endpoints, and a registry keyed by chain
// name.
package web3
